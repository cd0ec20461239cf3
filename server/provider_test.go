package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	testClientID     = "amundsen-frontend"
	testClientSecret = "s3cret"
	testKeyID        = "test-key"
	testFrontendBase = "http://frontend.test"
)

// testProvider is a minimal OpenID provider: discovery, authorize, token and JWKS.
type testProvider struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu        sync.Mutex
	claims    map[string]any
	codes     map[string]string
	issued    int
	refreshes int
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &testProvider{
		key: key,
		claims: map[string]any{
			"sub":         "user-123",
			"email":       "jdoe@example.com",
			"given_name":  "Jane",
			"family_name": "Doe",
			"name":        "Jane Doe",
		},
		codes: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("/authorize", p.authorize)
	mux.HandleFunc("/token", p.token)
	mux.HandleFunc("/keys", p.keys)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *testProvider) setClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

func (p *testProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *testProvider) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.srv.URL,
		"authorization_endpoint":                p.srv.URL + "/authorize",
		"token_endpoint":                        p.srv.URL + "/token",
		"jwks_uri":                              p.srv.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (p *testProvider) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = q.Get("nonce")
	p.mu.Unlock()

	target, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	rq := target.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	target.RawQuery = rq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *testProvider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued++

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		nonce, ok := p.codes[r.PostForm.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(p.codes, r.PostForm.Get("code"))

		idToken, err := p.signIDToken(nonce)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  fmt.Sprintf("access-%d", p.issued),
			"token_type":    "Bearer",
			"refresh_token": "refresh-token",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "refresh-token" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		p.refreshes++
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("access-%d", p.issued),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *testProvider) signIDToken(nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{}
	maps.Copy(claims, p.claims)
	claims["iss"] = p.srv.URL
	claims["aud"] = testClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(time.Hour).Unix()
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	return tok.SignedString(p.key)
}

func (p *testProvider) keys(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

// writeClientSecrets stores a client_secrets.json pointing at the provider.
func (p *testProvider) writeClientSecrets(t *testing.T) string {
	t.Helper()
	doc := map[string]any{"web": map[string]any{
		"client_id":     testClientID,
		"client_secret": testClientSecret,
		"issuer":        p.srv.URL,
	}}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal client secrets: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client_secrets.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write client secrets: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an app for the test profile against the fake provider.
func newTestApp(t *testing.T, p *testProvider, mutate func(*Config)) *App {
	t.Helper()
	cfg, err := DefaultConfig(ProfileTest)
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.Services.FrontendBase = testFrontendBase
	cfg.OIDC.ClientSecrets = p.writeClientSecrets(t)
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

// login drives the authorization code flow and returns the session cookie.
func login(t *testing.T, app *App, next string) (*http.Cookie, string) {
	t.Helper()
	handler := app.Routes()

	loginURL := LoginPath
	if next != "" {
		loginURL += "?next=" + url.QueryEscape(next)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, loginURL, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login: unexpected status %d", rec.Code)
	}

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Get(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	callback, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse callback: %v", err)
	}
	if callback.Path != CallbackPath {
		t.Fatalf("provider redirected to %q, want %q", callback.Path, CallbackPath)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callback.RequestURI(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c, rec.Header().Get("Location")
		}
	}
	t.Fatalf("callback did not set the session cookie")
	return nil, ""
}

func authedRequest(method, target string, cookie *http.Cookie, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}
