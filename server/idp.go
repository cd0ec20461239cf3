package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Relying-party routes.
const (
	LoginPath    = "/login"
	CallbackPath = "/oidc/callback"
	LogoutPath   = "/logout"
)

const pendingLoginTTL = 10 * time.Minute

// ErrNoAccessToken is returned when the session holds no usable access token.
var ErrNoAccessToken = errors.New("no access token")

// TokenProvider yields the access token for the user behind a request.
type TokenProvider interface {
	AccessToken(r *http.Request) (string, error)
}

// RelyingParty is the OIDC client of the frontend: it logs users in against the
// upstream provider and keeps their tokens in the session.
type RelyingParty struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	sessions    *SessionManager
	logger      *slog.Logger
}

// NewRelyingParty initializes the provider via discovery.
func NewRelyingParty(ctx context.Context, secrets ClientSecrets, redirect string, sessions *SessionManager, logger *slog.Logger) (*RelyingParty, error) {
	op, err := oidc.NewProvider(ctx, secrets.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", secrets.Issuer, err)
	}

	endpoint := op.Endpoint()
	if secrets.AuthURI != "" {
		endpoint.AuthURL = secrets.AuthURI
	}
	if secrets.TokenURI != "" {
		endpoint.TokenURL = secrets.TokenURI
	}
	if secrets.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	if len(secrets.RedirectURIs) > 0 {
		redirect = secrets.RedirectURIs[0]
	}

	return &RelyingParty{
		oauthConfig: &oauth2.Config{
			ClientID:     secrets.ClientID,
			ClientSecret: secrets.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: secrets.ClientID}),
		sessions: sessions,
		logger:   logger,
	}, nil
}

// Login starts the authorization code flow.
func (rp *RelyingParty) Login(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	pending := PendingLogin{
		State:     uuid.NewString(),
		Nonce:     uuid.NewString(),
		Next:      safeNext(r.URL.Query().Get("next")),
		CreatedAt: now,
		ExpiresAt: now.Add(pendingLoginTTL),
	}
	if err := rp.sessions.Store().SavePending(r.Context(), pending); err != nil {
		rp.logger.Error("save pending login", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, rp.oauthConfig.AuthCodeURL(pending.State, oidc.Nonce(pending.Nonce)), http.StatusFound)
}

// Callback completes the code exchange and opens the session.
func (rp *RelyingParty) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		rp.logger.Warn("provider returned error", "error", e, "description", q.Get("error_description"))
		http.Error(w, "login failed: "+e, http.StatusUnauthorized)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	pending, err := rp.sessions.Store().ConsumePending(r.Context(), state)
	if err != nil {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	claims, tok, err := rp.exchange(r.Context(), code, pending.Nonce)
	if err != nil {
		rp.logger.Error("exchange failed", "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	if _, err := rp.sessions.Create(w, r, claims, storedToken(tok)); err != nil {
		rp.logger.Error("session create", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	rp.logger.Info("user logged in", "sub", claims["sub"], "email", claims["email"])
	http.Redirect(w, r, pending.Next, http.StatusFound)
}

func (rp *RelyingParty) exchange(ctx context.Context, code, expectedNonce string) (map[string]any, *oauth2.Token, error) {
	tok, err := rp.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, nil, errors.New("id_token missing in response")
	}

	idToken, err := rp.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != expectedNonce {
		return nil, nil, errors.New("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("parse claims: %w", err)
	}
	return claims, tok, nil
}

// Logout ends the session.
func (rp *RelyingParty) Logout(w http.ResponseWriter, r *http.Request) {
	rp.sessions.Destroy(w, r)
}

// AccessToken returns the session's access token, refreshing it when expired.
func (rp *RelyingParty) AccessToken(r *http.Request) (string, error) {
	sess, err := rp.session(r)
	if err != nil {
		return "", err
	}
	if sess.Token.AccessToken == "" {
		return "", ErrNoAccessToken
	}

	tok, err := rp.oauthConfig.TokenSource(r.Context(), sess.Token.OAuth2()).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if tok.AccessToken != sess.Token.AccessToken {
		sess.Token = storedToken(tok)
		if err := rp.sessions.Update(r, *sess); err != nil {
			rp.logger.Warn("persist refreshed token", "error", err)
		}
	}
	return tok.AccessToken, nil
}

// IDTokenClaims returns the verified ID token claims of the logged-in user.
func (rp *RelyingParty) IDTokenClaims(r *http.Request) (map[string]any, error) {
	sess, err := rp.session(r)
	if err != nil {
		return nil, err
	}
	return sess.IDTokenClaims, nil
}

// UserField returns a single ID token claim rendered as a string.
func (rp *RelyingParty) UserField(r *http.Request, name string) (string, error) {
	claims, err := rp.IDTokenClaims(r)
	if err != nil {
		return "", err
	}
	v, ok := claims[name]
	if !ok {
		return "", fmt.Errorf("claim %q not present", name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// RequireLogin authenticates every request except the relying-party routes and
// whitelisted endpoints, matched on the first path segment.
func (rp *RelyingParty) RequireLogin(whitelist []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, whitelist) {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := rp.sessions.Fetch(r)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
				return
			}
			if !errors.Is(err, ErrNoSession) {
				rp.logger.Error("session lookup", "error", err)
			}

			if r.Method != http.MethodGet || strings.HasPrefix(r.URL.Path, "/api/") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Unauthorized"})
				return
			}
			http.Redirect(w, r, LoginPath+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		})
	}
}

type sessionKey struct{}

func (rp *RelyingParty) session(r *http.Request) (*Session, error) {
	if sess, ok := r.Context().Value(sessionKey{}).(*Session); ok {
		return sess, nil
	}
	return rp.sessions.Fetch(r)
}

func isPublicPath(path string, whitelist []string) bool {
	switch path {
	case LoginPath, CallbackPath, "/metrics":
		return true
	}
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return first != "" && slices.Contains(whitelist, first)
}
