package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ClientSecrets mirrors the "web" section of a client_secrets.json file.
type ClientSecrets struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Issuer       string   `json:"issuer"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	UserinfoURI  string   `json:"userinfo_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadClientSecrets reads the relying-party credentials registered with the provider.
func LoadClientSecrets(path string) (ClientSecrets, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ClientSecrets{}, fmt.Errorf("read client secrets: %w", err)
	}
	var doc struct {
		Web *ClientSecrets `json:"web"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return ClientSecrets{}, fmt.Errorf("parse client secrets %s: %w", path, err)
	}
	if doc.Web == nil {
		return ClientSecrets{}, fmt.Errorf("client secrets %s: missing \"web\" section", path)
	}
	if doc.Web.ClientID == "" {
		return ClientSecrets{}, errors.New("client secrets: client_id is required")
	}
	if doc.Web.Issuer == "" {
		return ClientSecrets{}, errors.New("client secrets: issuer is required")
	}
	for _, uri := range doc.Web.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			return ClientSecrets{}, fmt.Errorf("client secrets: unsafe redirect_uri %q", uri)
		}
	}
	return *doc.Web, nil
}
