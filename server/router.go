package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Debug))
	r.Use(a.Metrics.Middleware)
	if a.RP != nil {
		r.Use(a.RP.RequireLogin(a.Config.OIDC.WhitelistedEndpoints))
	}

	r.Get("/healthcheck", a.handleHealthcheck)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	if a.RP != nil {
		limited := r.With(httprate.LimitByIP(30, time.Minute))
		limited.Get(LoginPath, a.RP.Login)
		limited.Get(CallbackPath, a.RP.Callback)
		r.Get(LogoutPath, a.handleLogout)
	}

	if a.Hooks.CustomRoutes != nil {
		a.Hooks.CustomRoutes(r)
	}

	r.Get("/api/auth_user", a.handleAuthUser)

	r.Route("/api/search/v0", func(r chi.Router) {
		r.Get("/table", a.handleSearch("table"))
		r.Get("/user", a.handleSearch("user"))
		r.Post("/table_qs", a.handleSearchTableQS)
	})
	r.Get("/api/metadata/v0/popular_tables", a.handlePopularTables)

	return r
}
