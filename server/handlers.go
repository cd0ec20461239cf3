package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"amundsenfe/client"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Metrics  *Metrics
	Sessions *SessionManager
	// RP is nil when OIDC is disabled.
	RP       *RelyingParty
	Hooks    Hooks
	Search   *client.Service
	Metadata *client.Service
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
	}

	if cfg.OIDC.Enabled {
		secrets, err := LoadClientSecrets(cfg.OIDC.ClientSecrets)
		if err != nil {
			return nil, err
		}
		store, err := NewSessionStore(ctx, cfg.OIDC)
		if err != nil {
			return nil, err
		}
		app.Sessions = NewSessionManager(cfg, store, logger)

		redirect := strings.TrimSuffix(cfg.Services.FrontendBase, "/") + CallbackPath
		rp, err := NewRelyingParty(ctx, secrets, redirect, app.Sessions, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		app.RP = rp
	}

	hooks, err := ResolveHooks(cfg.Hooks, app.RP)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Hooks = hooks

	app.Search = client.NewService(client.ServiceConfig{
		Name:          "search",
		BaseURL:       cfg.Services.SearchBase,
		Timeout:       cfg.RequestTimeout,
		StaticHeaders: cfg.Services.SearchHeaders,
		HeaderFunc:    hooks.RequestHeaders,
		Duration:      app.Metrics.DownstreamLatency,

		InsecureSkipVerify: cfg.Services.InsecureSkipVerify,
	})
	app.Metadata = client.NewService(client.ServiceConfig{
		Name:          "metadata",
		BaseURL:       cfg.Services.MetadataBase,
		Timeout:       cfg.RequestTimeout,
		StaticHeaders: cfg.Services.MetadataHeaders,
		HeaderFunc:    hooks.RequestHeaders,
		Duration:      app.Metrics.DownstreamLatency,

		InsecureSkipVerify: cfg.Services.InsecureSkipVerify,
	})

	logger.Info("app configured",
		"profile", cfg.Profile,
		"oidc", cfg.OIDC.Enabled,
		"frontend_base", cfg.Services.FrontendBase,
		"search_base", cfg.Services.SearchBase,
		"metadata_base", cfg.Services.MetadataBase,
		"notifications", cfg.NotificationsEnabled,
	)
	return app, nil
}

// Close releases the session store.
func (a *App) Close() {
	if a.Sessions == nil {
		return
	}
	if err := a.Sessions.Store().Close(); err != nil {
		a.Logger.Warn("close session store", "error", err)
	}
}

func (a *App) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.RP.Logout(w, r)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.Hooks.AuthUser(r)
	if err != nil {
		a.Logger.Warn("auth user unavailable", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "Encountered error: unable to load user"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Success", "user": user})
}

// searchResult is the payload returned by the search service.
type searchResult struct {
	TotalResults int   `json:"total_results"`
	Results      []any `json:"results"`
}

var searchEndpoints = map[string]string{
	"table": "/search",
	"user":  "/search_user",
}

func (a *App) handleSearch(resource string) http.HandlerFunc {
	endpoint := searchEndpoints[resource]
	return func(w http.ResponseWriter, r *http.Request) {
		term := r.URL.Query().Get("query")
		pageIndex, err := parsePageIndex(r.URL.Query().Get("page_index"))
		if err != nil {
			a.writeSearchError(w, term, http.StatusBadRequest, err.Error())
			return
		}

		q := url.Values{}
		q.Set("query_term", term)
		q.Set("page_index", strconv.Itoa(pageIndex))

		var res searchResult
		if err := a.Search.GetJSON(r.Context(), r, endpoint, q, &res); err != nil {
			a.downstreamError(w, r, term, err)
			return
		}
		a.writeSearchResult(w, resource, term, pageIndex, res)
	}
}

type searchQSRequest struct {
	Filters   map[string]any `json:"filters"`
	Term      string         `json:"term"`
	PageIndex int            `json:"pageIndex"`
}

func (a *App) handleSearchTableQS(w http.ResponseWriter, r *http.Request) {
	var body searchQSRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeSearchError(w, "", http.StatusBadRequest, "invalid request body")
		return
	}
	if body.PageIndex < 0 {
		a.writeSearchError(w, body.Term, http.StatusBadRequest, "page_index must not be negative")
		return
	}

	downstream := map[string]any{
		"search_request": map[string]any{"type": "AND", "filters": body.Filters},
		"query_term":     body.Term,
		"page_index":     body.PageIndex,
	}
	var res searchResult
	if err := a.Search.PostJSON(r.Context(), r, "/search_table", downstream, &res); err != nil {
		a.downstreamError(w, r, body.Term, err)
		return
	}
	a.writeSearchResult(w, "table", body.Term, body.PageIndex, res)
}

func (a *App) handlePopularTables(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(a.Config.PopularTableCount))

	var res struct {
		PopularTables []any `json:"popular_tables"`
	}
	if err := a.Metadata.GetJSON(r.Context(), r, "/popular_tables/", q, &res); err != nil {
		status := statusFor(err)
		a.Logger.Error("popular tables failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, status, map[string]any{"msg": "Encountered error: Request to metadata service failed", "results": []any{}})
		return
	}
	if res.PopularTables == nil {
		res.PopularTables = []any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Success", "results": res.PopularTables})
}

func (a *App) writeSearchResult(w http.ResponseWriter, resource, term string, pageIndex int, res searchResult) {
	if res.Results == nil {
		res.Results = []any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":         "Success",
		"status_code": http.StatusOK,
		"search_term": term,
		resource + "s": map[string]any{
			"page_index":    pageIndex,
			"results":       res.Results,
			"total_results": res.TotalResults,
		},
	})
}

func (a *App) writeSearchError(w http.ResponseWriter, term string, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"msg":         "Encountered error: " + msg,
		"status_code": status,
		"search_term": term,
	})
}

func (a *App) downstreamError(w http.ResponseWriter, r *http.Request, term string, err error) {
	a.Logger.Error("search request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	a.writeSearchError(w, term, statusFor(err), "Search request failed")
}

func statusFor(err error) int {
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

func parsePageIndex(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page_index %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
