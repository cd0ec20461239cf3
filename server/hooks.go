package server

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ErrMissingEmail is returned when an identity token carries no email claim.
var ErrMissingEmail = errors.New("identity token has no email claim")

const logoutMessage = `Hi, you have been logged out! <a href="/">Return</a>`

// Hooks are the per-request functions selected by HooksConfig.
type Hooks struct {
	// RequestHeaders builds headers for downstream service calls. Nil means the
	// static headers configured per service are used instead.
	RequestHeaders func(r *http.Request) http.Header
	AuthUser       func(r *http.Request) (*User, error)
	CustomRoutes   func(r chi.Router)
}

// AccessHeaders builds the Authorization header expected by the downstream
// services. Any failure to obtain a token yields nil.
func AccessHeaders(tokens TokenProvider, r *http.Request) http.Header {
	if tokens == nil {
		return nil
	}
	token, err := tokens.AccessToken(r)
	if err != nil || token == "" {
		return nil
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h
}

// UserFromClaims maps identity token claims onto a User. The email doubles as the user ID.
func UserFromClaims(claims map[string]any) (*User, error) {
	str := func(key string) string {
		s, _ := claims[key].(string)
		return s
	}

	email := str("email")
	if email == "" {
		return nil, ErrMissingEmail
	}

	u := &User{
		UserID:          email,
		Email:           email,
		FirstName:       firstOf(str("first_name"), str("given_name")),
		LastName:        firstOf(str("last_name"), str("family_name")),
		FullName:        firstOf(str("full_name"), str("name")),
		IsActive:        true,
		GithubUsername:  str("github_username"),
		TeamName:        str("team_name"),
		SlackID:         str("slack_id"),
		EmployeeType:    str("employee_type"),
		ManagerFullname: str("manager_fullname"),
		ManagerEmail:    str("manager_email"),
		ManagerID:       str("manager_id"),
		RoleName:        str("role_name"),
		Claims:          maps.Clone(claims),
	}
	if active, ok := claims["is_active"].(bool); ok {
		u.IsActive = active
	}
	if u.FullName == "" && (u.FirstName != "" || u.LastName != "") {
		u.FullName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	u.DisplayName = firstOf(u.FullName, u.Email)
	return u, nil
}

// TestUser is the fixed identity used by the test profiles.
func TestUser() *User {
	return &User{
		UserID:      "test_user_id",
		Email:       "test@email.com",
		FirstName:   "Firstname",
		LastName:    "Lastname",
		FullName:    "Firstname Lastname",
		DisplayName: "Firstname Lastname",
		IsActive:    true,
	}
}

// CustomRoutes registers the diagnostic and secondary logout routes.
func CustomRoutes(r chi.Router, rp *RelyingParty) {
	r.Get("/private", func(w http.ResponseWriter, req *http.Request) {
		email, err := rp.UserField(req, "email")
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, email)
	})
	r.Get("/logout2", func(w http.ResponseWriter, req *http.Request) {
		rp.Logout(w, req)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, logoutMessage)
	})
}

// ResolveHooks turns hook names into functions. rp may be nil when no hook needs OIDC.
func ResolveHooks(cfg HooksConfig, rp *RelyingParty) (Hooks, error) {
	needOIDC := func(field string) error {
		if rp == nil {
			return fmt.Errorf("%s is %q but no OIDC relying party is configured", field, HookOIDC)
		}
		return nil
	}

	var hooks Hooks

	switch cfg.RequestHeaders {
	case HookOIDC:
		if err := needOIDC("hooks.request_headers"); err != nil {
			return Hooks{}, err
		}
		hooks.RequestHeaders = func(r *http.Request) http.Header { return AccessHeaders(rp, r) }
	case HookNone, "":
	default:
		return Hooks{}, fmt.Errorf("hooks.request_headers: unknown hook %q", cfg.RequestHeaders)
	}

	switch cfg.AuthUser {
	case HookOIDC:
		if err := needOIDC("hooks.auth_user"); err != nil {
			return Hooks{}, err
		}
		hooks.AuthUser = func(r *http.Request) (*User, error) {
			claims, err := rp.IDTokenClaims(r)
			if err != nil {
				return nil, err
			}
			return UserFromClaims(claims)
		}
	case HookTest:
		hooks.AuthUser = func(*http.Request) (*User, error) { return TestUser(), nil }
	default:
		return Hooks{}, fmt.Errorf("hooks.auth_user: unknown hook %q", cfg.AuthUser)
	}

	if tmpl := cfg.ProfileURL; tmpl != "" {
		authUser := hooks.AuthUser
		hooks.AuthUser = func(r *http.Request) (*User, error) {
			u, err := authUser(r)
			if err != nil {
				return nil, err
			}
			u.ProfileURL = strings.ReplaceAll(tmpl, "{user_id}", u.UserID)
			return u, nil
		}
	}

	switch cfg.CustomRoutes {
	case HookOIDC:
		if err := needOIDC("hooks.custom_routes"); err != nil {
			return Hooks{}, err
		}
		hooks.CustomRoutes = func(r chi.Router) { CustomRoutes(r, rp) }
	case HookNone, "":
	default:
		return Hooks{}, fmt.Errorf("hooks.custom_routes: unknown hook %q", cfg.CustomRoutes)
	}

	return hooks, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
