package server

import (
	"fmt"
	"time"
)

// Profile names.
const (
	ProfileLocal                     = "local"
	ProfileTest                      = "test"
	ProfileTestNotificationsDisabled = "test_notifications_disabled"
)

// Defaults shared by every profile.
const (
	DefaultPopularTableCount = 4
	DefaultRequestTimeout    = 3 * time.Second
	DefaultSessionTTL        = 12 * time.Hour
	DefaultLogDateFormat     = "2006-01-02T15:04:05.000Z0700"

	defaultSecretKey = "base-flask-oidc-secret-key"
)

// Profiles lists the profile names accepted by DefaultConfig and LoadConfig.
func Profiles() []string {
	return []string{ProfileLocal, ProfileTest, ProfileTestNotificationsDisabled}
}

func baseConfig() Config {
	return Config{
		Log: LogConfig{
			Format:     "json",
			DateFormat: DefaultLogDateFormat,
			Level:      "info",
		},
		UneditableSchemas:    []string{},
		PopularTableCount:    DefaultPopularTableCount,
		RequestTimeout:       DefaultRequestTimeout,
		NotificationsEnabled: false,
		OIDC: OIDCConfig{
			Enabled:              true,
			SecretKey:            defaultSecretKey,
			WhitelistedEndpoints: []string{"healthcheck"},
			ClientSecrets:        "config/client_secrets.json",
			SessionTTL:           DefaultSessionTTL,
		},
		Hooks: HooksConfig{
			RequestHeaders: HookNone,
			AuthUser:       HookOIDC,
			CustomRoutes:   HookNone,
		},
	}
}

func localConfig() Config {
	cfg := baseConfig()
	cfg.Profile = ProfileLocal
	cfg.Debug = false
	cfg.Testing = false
	cfg.Log.Level = "debug"
	cfg.Local = LocalConfig{
		// Point at the docker host when running the docker bootstrap.
		Host:         "0.0.0.0",
		FrontendPort: "5000",
		SearchPort:   "5001",
		MetadataPort: "5002",
	}
	cfg.Hooks = HooksConfig{
		RequestHeaders: HookOIDC,
		AuthUser:       HookOIDC,
		CustomRoutes:   HookOIDC,
	}
	return cfg
}

func testConfig() Config {
	cfg := localConfig()
	cfg.Profile = ProfileTest
	cfg.Testing = true
	cfg.Hooks.AuthUser = HookTest
	cfg.NotificationsEnabled = true
	return cfg
}

func testNotificationsDisabledConfig() Config {
	cfg := localConfig()
	cfg.Profile = ProfileTestNotificationsDisabled
	cfg.Testing = true
	cfg.Hooks.AuthUser = HookTest
	cfg.NotificationsEnabled = false
	return cfg
}

func profileDefaults(profile string) (Config, error) {
	switch profile {
	case "", ProfileLocal:
		return localConfig(), nil
	case ProfileTest:
		return testConfig(), nil
	case ProfileTestNotificationsDisabled:
		return testNotificationsDisabledConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown config profile %q (valid: %v)", profile, Profiles())
	}
}
