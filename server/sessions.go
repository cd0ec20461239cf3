package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionCookieName = "amundsen_session"

// ErrNoSession is returned when the request carries no valid session cookie.
var ErrNoSession = errors.New("no session")

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionManager binds stored sessions to a signed cookie.
type SessionManager struct {
	store  SessionStore
	logger *slog.Logger
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		logger: logger,
		secret: []byte(cfg.OIDC.SecretKey),
		ttl:    cfg.OIDC.SessionTTL,
		secure: !cfg.Debug && !cfg.Testing && len(cfg.Server.TLS.Domains) > 0,
	}
}

// Store exposes the underlying store.
func (sm *SessionManager) Store() SessionStore {
	return sm.store
}

// Fetch returns the session associated with the request cookie.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	sid, err := sm.parseCookie(cookie.Value)
	if err != nil {
		sm.logger.Debug("rejected session cookie", "error", err)
		return nil, ErrNoSession
	}
	sess, err := sm.store.GetSession(r.Context(), sid)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Create stores a new session for the verified identity and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, claims map[string]any, tok StoredToken) (*Session, error) {
	now := time.Now()
	sess := Session{
		ID:            uuid.NewString(),
		IDTokenClaims: claims,
		Token:         tok,
		AuthTime:      now,
		ExpiresAt:     now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), sess); err != nil {
		return nil, err
	}

	value, err := sm.signCookie(sess.ID, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess, nil
}

// Update persists changes to an existing session, e.g. a refreshed token.
func (sm *SessionManager) Update(r *http.Request, sess Session) error {
	return sm.store.SaveSession(r.Context(), sess)
}

// Destroy deletes the request's session, if any, and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) {
	if sess, err := sm.Fetch(r); err == nil {
		if err := sm.store.DeleteSession(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) signCookie(sid string, expires time.Time) (string, error) {
	claims := sessionClaims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}

func (sm *SessionManager) parseCookie(value string) (string, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.SessionID == "" {
		return "", errors.New("session id missing")
	}
	return claims.SessionID, nil
}
