package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigLocalFallbacks(t *testing.T) {
	cfg, err := DefaultConfig(ProfileLocal)
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}

	want := ServicesConfig{
		FrontendBase: "http://0.0.0.0:5000",
		SearchBase:   "http://0.0.0.0:5001",
		MetadataBase: "http://0.0.0.0:5002",
	}
	if diff := cmp.Diff(want, cfg.Services); diff != "" {
		t.Fatalf("services mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.ListenAddr != ":5000" {
		t.Fatalf("listen addr mismatch, got %q", cfg.Server.ListenAddr)
	}
	if cfg.PopularTableCount != DefaultPopularTableCount || cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("unexpected defaults: %d %s", cfg.PopularTableCount, cfg.RequestTimeout)
	}
	if cfg.Debug || cfg.Testing {
		t.Fatalf("local profile must not enable debug or testing")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("local defaults should validate: %v", err)
	}
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		profile       string
		testing       bool
		notifications bool
		authUser      string
	}{
		{ProfileLocal, false, false, HookOIDC},
		{ProfileTest, true, true, HookTest},
		{ProfileTestNotificationsDisabled, true, false, HookTest},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cfg, err := DefaultConfig(tt.profile)
			if err != nil {
				t.Fatalf("DefaultConfig: %v", err)
			}
			if cfg.Profile != tt.profile {
				t.Fatalf("profile = %q", cfg.Profile)
			}
			if cfg.Testing != tt.testing || cfg.NotificationsEnabled != tt.notifications {
				t.Fatalf("testing=%v notifications=%v", cfg.Testing, cfg.NotificationsEnabled)
			}
			if cfg.Hooks.AuthUser != tt.authUser {
				t.Fatalf("auth_user hook = %q", cfg.Hooks.AuthUser)
			}
			if cfg.Hooks.RequestHeaders != HookOIDC || cfg.Hooks.CustomRoutes != HookOIDC {
				t.Fatalf("request_headers and custom_routes should use oidc: %+v", cfg.Hooks)
			}
			if !cfg.OIDC.Enabled || cfg.OIDC.SecretKey != defaultSecretKey {
				t.Fatalf("unexpected oidc defaults: %+v", cfg.OIDC)
			}
		})
	}

	if _, err := DefaultConfig("production"); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("FRONTEND_BASE", "https://amundsen.example.com")
	t.Setenv("SEARCHSERVICE_BASE", "http://search.internal:8080")
	t.Setenv("METADATASERVICE_BASE", "http://metadata.internal:8080")
	t.Setenv("OIDC_WHITELISTED_ENDPOINTS", "healthcheck, static ,")
	t.Setenv("AMUNDSEN_REQUEST_TIMEOUT", "750ms")

	cfg, err := LoadConfig("", ProfileLocal)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Services.FrontendBase != "https://amundsen.example.com" {
		t.Fatalf("FrontendBase override mismatch, got %q", cfg.Services.FrontendBase)
	}
	if cfg.Services.SearchBase != "http://search.internal:8080" {
		t.Fatalf("SearchBase override mismatch, got %q", cfg.Services.SearchBase)
	}
	if cfg.Services.MetadataBase != "http://metadata.internal:8080" {
		t.Fatalf("MetadataBase override mismatch, got %q", cfg.Services.MetadataBase)
	}
	if diff := cmp.Diff([]string{"healthcheck", "static"}, cfg.OIDC.WhitelistedEndpoints); diff != "" {
		t.Fatalf("whitelist mismatch (-want +got):\n%s", diff)
	}
	if cfg.RequestTimeout != 750*time.Millisecond {
		t.Fatalf("timeout override mismatch, got %s", cfg.RequestTimeout)
	}
}

func TestLoadConfigEnvOverridesOnlyTheirOwnService(t *testing.T) {
	t.Setenv("SEARCHSERVICE_BASE", "http://search.internal:8080")

	cfg, err := LoadConfig("", ProfileLocal)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Services.SearchBase != "http://search.internal:8080" {
		t.Fatalf("SearchBase override mismatch, got %q", cfg.Services.SearchBase)
	}
	if cfg.Services.MetadataBase != "http://0.0.0.0:5002" {
		t.Fatalf("MetadataBase should fall back, got %q", cfg.Services.MetadataBase)
	}
	if cfg.Services.FrontendBase != "http://0.0.0.0:5000" {
		t.Fatalf("FrontendBase should fall back, got %q", cfg.Services.FrontendBase)
	}
}

func TestLoadConfigFallbacksFollowLocalHost(t *testing.T) {
	path := writeConfig(t, `local:
  host: 10.1.2.3
  frontend_port: "8000"
  search_port: "8001"
  metadata_port: "8002"
`)

	cfg, err := LoadConfig(path, "")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	want := ServicesConfig{
		FrontendBase: "http://10.1.2.3:8000",
		SearchBase:   "http://10.1.2.3:8001",
		MetadataBase: "http://10.1.2.3:8002",
	}
	if diff := cmp.Diff(want, cfg.Services); diff != "" {
		t.Fatalf("services mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.ListenAddr != ":8000" {
		t.Fatalf("listen addr should follow the frontend port, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigProfileSelection(t *testing.T) {
	path := writeConfig(t, "profile: test_notifications_disabled\n")

	cfg, err := LoadConfig(path, "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Profile != ProfileTestNotificationsDisabled {
		t.Fatalf("file profile should apply, got %q", cfg.Profile)
	}

	t.Setenv(ProfileEnvVar, ProfileTest)
	cfg, err = LoadConfig(path, "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Profile != ProfileTest || !cfg.NotificationsEnabled {
		t.Fatalf("env profile should win over the file, got %q", cfg.Profile)
	}

	cfg, err = LoadConfig(path, ProfileLocal)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Profile != ProfileLocal || cfg.Testing {
		t.Fatalf("explicit profile should win, got %q", cfg.Profile)
	}
}

func TestLoadConfigFileOverridesProfileDefaults(t *testing.T) {
	path := writeConfig(t, `popular_table_count: 10
uneditable_schemas: [core, raw]
services:
  search_base: https://search.example.com
  search_headers:
    X-Api-Key: abc
hooks:
  request_headers: none
  auth_user: oidc
  custom_routes: none
  profile_url: https://people.example.com/{user_id}
`)

	cfg, err := LoadConfig(path, ProfileLocal)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PopularTableCount != 10 {
		t.Fatalf("popular_table_count = %d", cfg.PopularTableCount)
	}
	if cfg.Services.SearchBase != "https://search.example.com" || cfg.Services.SearchHeaders["X-Api-Key"] != "abc" {
		t.Fatalf("unexpected services %+v", cfg.Services)
	}
	if cfg.Hooks.RequestHeaders != HookNone || cfg.Hooks.CustomRoutes != HookNone {
		t.Fatalf("unexpected hooks %+v", cfg.Hooks)
	}
	if cfg.IsEditableSchema("core") || !cfg.IsEditableSchema("analytics") {
		t.Fatalf("uneditable schemas not honoured: %v", cfg.UneditableSchemas)
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := LoadConfig(path, ProfileTest)
	if err != nil {
		t.Fatalf("empty file should load defaults: %v", err)
	}
	if cfg.Profile != ProfileTest {
		t.Fatalf("profile = %q", cfg.Profile)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `services:
  search_base: http://localhost:5001
  serach_headers:
    X-Api-Key: abc
`)

	_, err := LoadConfig(path, ProfileLocal)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	testChdir(t, t.TempDir())
	if err := os.WriteFile(".env", []byte("METADATASERVICE_BASE=http://from-dotenv:5002\nSEARCHSERVICE_BASE=http://from-dotenv:5001\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// Variables already in the environment win over .env.
	t.Setenv("SEARCHSERVICE_BASE", "http://from-env:5001")
	t.Cleanup(func() { os.Unsetenv("METADATASERVICE_BASE") })

	cfg, err := LoadConfig("", ProfileLocal)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Services.MetadataBase != "http://from-dotenv:5002" {
		t.Fatalf("MetadataBase from .env mismatch, got %q", cfg.Services.MetadataBase)
	}
	if cfg.Services.SearchBase != "http://from-env:5001" {
		t.Fatalf("environment should win over .env, got %q", cfg.Services.SearchBase)
	}
}

func TestLoadConfigRejectsInvalidEnv(t *testing.T) {
	t.Setenv("AMUNDSEN_POPULAR_TABLE_COUNT", "many")
	if _, err := LoadConfig("", ProfileLocal); err == nil {
		t.Fatalf("expected error for non-numeric override")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad_search_scheme", func(c *Config) { c.Services.SearchBase = "search:5001" }, "services.search_base"},
		{"empty_metadata", func(c *Config) { c.Services.MetadataBase = "" }, "services.metadata_base"},
		{"zero_popular_tables", func(c *Config) { c.PopularTableCount = 0 }, "popular_table_count"},
		{"zero_timeout", func(c *Config) { c.RequestTimeout = 0 }, "request_timeout"},
		{"bad_log_level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad_log_format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown_hook", func(c *Config) { c.Hooks.AuthUser = "ldap" }, "hooks.auth_user"},
		{"oidc_hook_without_oidc", func(c *Config) { c.OIDC.Enabled = false }, "oidc.enabled is false"},
		{"profile_url_without_placeholder", func(c *Config) { c.Hooks.ProfileURL = "https://people/" }, "hooks.profile_url"},
		{"missing_secret_key", func(c *Config) { c.OIDC.SecretKey = "" }, "oidc.secret_key"},
		{"missing_client_secrets", func(c *Config) { c.OIDC.ClientSecrets = "" }, "oidc.client_secrets"},
		{"zero_session_ttl", func(c *Config) { c.OIDC.SessionTTL = 0 }, "oidc.session_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := DefaultConfig(ProfileLocal)
			if err != nil {
				t.Fatalf("DefaultConfig: %v", err)
			}
			tt.mutate(&cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateAllowsOIDCOff(t *testing.T) {
	cfg, err := DefaultConfig(ProfileTest)
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.OIDC = OIDCConfig{}
	cfg.Hooks = HooksConfig{RequestHeaders: HookNone, AuthUser: HookTest, CustomRoutes: HookNone}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("OIDC-less config with non-oidc hooks should validate: %v", err)
	}
}

func TestTrimAllRemovesEmpty(t *testing.T) {
	out := trimAll([]string{" a ", "", "b", "  "})
	if diff := cmp.Diff([]string{"a", "b"}, out); diff != "" {
		t.Fatalf("trimAll mismatch (-want +got):\n%s", diff)
	}
	if trimAll(nil) != nil {
		t.Fatalf("nil input should stay nil")
	}
}

// testChdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}
