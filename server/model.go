package server

import (
	"time"

	"golang.org/x/oauth2"
)

// User is the per-request identity projection handed to the rest of the frontend.
type User struct {
	UserID          string         `json:"user_id"`
	Email           string         `json:"email"`
	FirstName       string         `json:"first_name,omitempty"`
	LastName        string         `json:"last_name,omitempty"`
	FullName        string         `json:"full_name,omitempty"`
	DisplayName     string         `json:"display_name"`
	IsActive        bool           `json:"is_active"`
	GithubUsername  string         `json:"github_username,omitempty"`
	TeamName        string         `json:"team_name,omitempty"`
	SlackID         string         `json:"slack_id,omitempty"`
	EmployeeType    string         `json:"employee_type,omitempty"`
	ManagerFullname string         `json:"manager_fullname,omitempty"`
	ManagerEmail    string         `json:"manager_email,omitempty"`
	ManagerID       string         `json:"manager_id,omitempty"`
	RoleName        string         `json:"role_name,omitempty"`
	ProfileURL      string         `json:"profile_url,omitempty"`
	Claims          map[string]any `json:"-"`
}

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID            string         `json:"id"`
	IDTokenClaims map[string]any `json:"id_token_claims"`
	Token         StoredToken    `json:"token"`
	AuthTime      time.Time      `json:"auth_time"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// StoredToken is the serialisable part of an oauth2.Token.
type StoredToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// OAuth2 converts the stored token back for use with a TokenSource.
func (t StoredToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

func storedToken(tok *oauth2.Token) StoredToken {
	return StoredToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// PendingLogin tracks an outstanding upstream authentication request keyed by state.
type PendingLogin struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	Next      string    `json:"next"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
