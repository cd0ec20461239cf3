package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Hook names accepted in the hooks section.
const (
	HookOIDC = "oidc"
	HookNone = "none"
	HookTest = "test"
)

// ProfileEnvVar selects the configuration profile when no flag is given.
const ProfileEnvVar = "AMUNDSEN_CONFIG_PROFILE"

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Profile              string         `yaml:"profile,omitempty"`
	Debug                bool           `yaml:"debug" env:"AMUNDSEN_DEBUG"`
	Testing              bool           `yaml:"testing"`
	Log                  LogConfig      `yaml:"log"`
	ColumnStatOrder      map[string]int `yaml:"column_stat_order,omitempty"`
	UneditableSchemas    []string       `yaml:"uneditable_schemas" env:"AMUNDSEN_UNEDITABLE_SCHEMAS" envSeparator:","`
	PopularTableCount    int            `yaml:"popular_table_count" env:"AMUNDSEN_POPULAR_TABLE_COUNT"`
	RequestTimeout       time.Duration  `yaml:"request_timeout" env:"AMUNDSEN_REQUEST_TIMEOUT"`
	MailClient           string         `yaml:"mail_client"`
	NotificationsEnabled bool           `yaml:"notifications_enabled" env:"AMUNDSEN_NOTIFICATIONS_ENABLED"`
	OIDC                 OIDCConfig     `yaml:"oidc"`
	Local                LocalConfig    `yaml:"local"`
	Services             ServicesConfig `yaml:"services"`
	Hooks                HooksConfig    `yaml:"hooks"`
	Server               ServerConfig   `yaml:"server"`
}

// LogConfig controls the slog handler built at startup.
type LogConfig struct {
	Format     string `yaml:"format" env:"AMUNDSEN_LOG_FORMAT"`
	DateFormat string `yaml:"date_format" env:"AMUNDSEN_LOG_DATE_FORMAT"`
	Level      string `yaml:"level" env:"AMUNDSEN_LOG_LEVEL"`
	File       string `yaml:"file" env:"AMUNDSEN_LOG_FILE"`
}

// OIDCConfig configures the relying party and its session storage.
type OIDCConfig struct {
	Enabled              bool          `yaml:"enabled" env:"OIDC_ENABLED"`
	SecretKey            string        `yaml:"secret_key" env:"OIDC_SECRET_KEY"`
	WhitelistedEndpoints []string      `yaml:"whitelisted_endpoints" env:"OIDC_WHITELISTED_ENDPOINTS" envSeparator:","`
	ClientSecrets        string        `yaml:"client_secrets" env:"OIDC_CLIENT_SECRETS"`
	SessionDatabaseURI   string        `yaml:"session_database_uri" env:"OIDC_SESSION_DATABASE_URI"`
	SessionTTL           time.Duration `yaml:"session_ttl" env:"OIDC_SESSION_TTL"`
}

// LocalConfig describes a same-host deployment; it feeds the service URL fallbacks.
type LocalConfig struct {
	Host         string `yaml:"host"`
	FrontendPort string `yaml:"frontend_port"`
	SearchPort   string `yaml:"search_port"`
	MetadataPort string `yaml:"metadata_port"`
}

// ServicesConfig holds the base URLs and static headers of dependent services.
type ServicesConfig struct {
	FrontendBase       string            `yaml:"frontend_base" env:"FRONTEND_BASE"`
	SearchBase         string            `yaml:"search_base" env:"SEARCHSERVICE_BASE"`
	MetadataBase       string            `yaml:"metadata_base" env:"METADATASERVICE_BASE"`
	SearchHeaders      map[string]string `yaml:"search_headers,omitempty"`
	MetadataHeaders    map[string]string `yaml:"metadata_headers,omitempty"`
	// InsecureSkipVerify disables TLS verification towards search and metadata.
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify" env:"AMUNDSEN_SERVICES_INSECURE_SKIP_VERIFY"`
}

// HooksConfig names the per-request hooks. When RequestHeaders is set, the static
// service headers are ignored.
type HooksConfig struct {
	RequestHeaders string `yaml:"request_headers"`
	AuthUser       string `yaml:"auth_user"`
	CustomRoutes   string `yaml:"custom_routes"`
	ProfileURL     string `yaml:"profile_url"`
}

// ServerConfig controls the listener and optional autocert TLS.
type ServerConfig struct {
	ListenAddr string    `yaml:"listen_addr" env:"AMUNDSEN_LISTEN_ADDR"`
	TLS        TLSConfig `yaml:"tls"`
}

// TLSConfig enables autocert when Domains is non-empty.
type TLSConfig struct {
	Domains  []string `yaml:"domains" env:"AMUNDSEN_TLS_DOMAINS" envSeparator:","`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// The profile is taken from the argument, then AMUNDSEN_CONFIG_PROFILE, then the
// file's profile key, then "local".
func LoadConfig(path, profile string) (Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		raw = b
	}

	if profile == "" {
		profile = os.Getenv(ProfileEnvVar)
	}
	if profile == "" && len(raw) > 0 {
		var peek struct {
			Profile string `yaml:"profile"`
		}
		if err := yaml.Unmarshal(raw, &peek); err == nil {
			profile = peek.Profile
		}
	}

	cfg, err := profileDefaults(profile)
	if err != nil {
		return Config{}, err
	}

	if len(raw) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		// the file cannot switch profile after defaults were applied
		cfg.Profile = profile
		if cfg.Profile == "" {
			cfg.Profile = ProfileLocal
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	applyServiceFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the named profile with service URL fallbacks resolved.
func DefaultConfig(profile string) (Config, error) {
	cfg, err := profileDefaults(profile)
	if err != nil {
		return Config{}, err
	}
	applyServiceFallbacks(&cfg)
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		slog.Error("Invalid environment override", "error", err)
		return fmt.Errorf("parse environment: %w", err)
	}
	cfg.UneditableSchemas = trimAll(cfg.UneditableSchemas)
	cfg.OIDC.WhitelistedEndpoints = trimAll(cfg.OIDC.WhitelistedEndpoints)
	cfg.Server.TLS.Domains = trimAll(cfg.Server.TLS.Domains)
	return nil
}

// applyServiceFallbacks fills unset service bases from the local host and ports.
func applyServiceFallbacks(cfg *Config) {
	local := cfg.Local
	if cfg.Services.FrontendBase == "" {
		cfg.Services.FrontendBase = localURL(local.Host, local.FrontendPort)
	}
	if cfg.Services.SearchBase == "" {
		cfg.Services.SearchBase = localURL(local.Host, local.SearchPort)
	}
	if cfg.Services.MetadataBase == "" {
		cfg.Services.MetadataBase = localURL(local.Host, local.MetadataPort)
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":" + local.FrontendPort
	}
}

func localURL(host, port string) string {
	return fmt.Sprintf("http://%s:%s", host, port)
}

func trimAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsEditableSchema reports whether metadata in the schema may be edited from the UI.
func (c Config) IsEditableSchema(schema string) bool {
	return !slices.Contains(c.UneditableSchemas, schema)
}

// Validate checks that required keys are present and well formed.
func (c Config) Validate() error {
	bases := []struct {
		field string
		value string
	}{
		{"services.frontend_base", c.Services.FrontendBase},
		{"services.search_base", c.Services.SearchBase},
		{"services.metadata_base", c.Services.MetadataBase},
	}
	for _, b := range bases {
		if b.value == "" {
			slog.Error("Missing required configuration", "field", b.field)
			return fmt.Errorf("%s is required", b.field)
		}
		if !strings.HasPrefix(b.value, "http://") && !strings.HasPrefix(b.value, "https://") {
			slog.Error("Invalid configuration value", "field", b.field, "value", b.value, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", b.field, b.value)
		}
	}

	if c.PopularTableCount <= 0 {
		slog.Error("Invalid configuration value", "field", "popular_table_count", "value", c.PopularTableCount)
		return fmt.Errorf("popular_table_count must be positive, got: %d", c.PopularTableCount)
	}
	if c.RequestTimeout <= 0 {
		slog.Error("Invalid configuration value", "field", "request_timeout", "value", c.RequestTimeout)
		return fmt.Errorf("request_timeout must be positive, got: %s", c.RequestTimeout)
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		slog.Error("Invalid log level", "field", "log.level", "value", c.Log.Level)
		return fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		slog.Error("Invalid log format", "field", "log.format", "value", c.Log.Format, "valid_values", []string{"json", "text"})
		return fmt.Errorf("log.format must be 'json' or 'text', got: %s", c.Log.Format)
	}

	hooks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"hooks.request_headers", c.Hooks.RequestHeaders, []string{HookOIDC, HookNone}},
		{"hooks.auth_user", c.Hooks.AuthUser, []string{HookOIDC, HookTest}},
		{"hooks.custom_routes", c.Hooks.CustomRoutes, []string{HookOIDC, HookNone}},
	}
	for _, h := range hooks {
		if !slices.Contains(h.allowed, h.value) {
			slog.Error("Unknown hook", "field", h.field, "value", h.value, "valid_values", h.allowed)
			return fmt.Errorf("%s must be one of %v, got: %q", h.field, h.allowed, h.value)
		}
		if h.value == HookOIDC && !c.OIDC.Enabled {
			slog.Error("Hook requires OIDC", "field", h.field, "reason", "oidc.enabled is false")
			return fmt.Errorf("%s is %q but oidc.enabled is false", h.field, HookOIDC)
		}
	}
	if c.Hooks.ProfileURL != "" && !strings.Contains(c.Hooks.ProfileURL, "{user_id}") {
		slog.Error("Invalid profile URL template", "field", "hooks.profile_url", "value", c.Hooks.ProfileURL)
		return fmt.Errorf("hooks.profile_url must contain {user_id}, got: %s", c.Hooks.ProfileURL)
	}

	if c.OIDC.Enabled {
		if c.OIDC.SecretKey == "" {
			slog.Error("Missing required configuration", "field", "oidc.secret_key")
			return errors.New("oidc.secret_key is required when oidc is enabled")
		}
		if c.OIDC.ClientSecrets == "" {
			slog.Error("Missing required configuration", "field", "oidc.client_secrets")
			return errors.New("oidc.client_secrets is required when oidc is enabled")
		}
		if c.OIDC.SessionTTL <= 0 {
			slog.Error("Invalid configuration value", "field", "oidc.session_ttl", "value", c.OIDC.SessionTTL)
			return fmt.Errorf("oidc.session_ttl must be positive, got: %s", c.OIDC.SessionTTL)
		}
		if c.OIDC.SecretKey == defaultSecretKey && !c.Testing {
			slog.Warn("Using the built-in oidc.secret_key; set OIDC_SECRET_KEY outside development")
		}
	}

	return nil
}
