package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"amundsenfe/client"
	"amundsenfe/server"
)

const defaultConfigFile = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("AMUNDSEN_CONFIG"), "Path to YAML config")
	profile := flag.String("profile", "", "Config profile (local, test, test_notifications_disabled)")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "", "Logging level (debug, info, warn, error); overrides log.level")
	flag.StringVar(logLevel, "l", "", "Alias for -log-level")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, *profile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			bootLogger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, *profile, bootLogger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			bootLogger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(resolveConfigPath(*configPath), *profile, bootLogger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *logLevel != "" {
		if _, err := server.ParseLogLevel(*logLevel); err != nil {
			log.Fatalf("invalid log level %q: %v", *logLevel, err)
		}
		cfg.Log.Level = *logLevel
	}

	logger, logCloser, err := server.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if flag.Arg(0) == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := runCheck(ctx, cfg, logger, nil)
		cancel()
		if err != nil {
			logger.Error("dependency check failed", "error", err)
			exit(logCloser, 1)
		}
		logger.Info("dependency check succeeded")
		return
	}

	// Unreachable dependencies are reported but do not block startup.
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := runCheck(startupCtx, cfg, logger, nil); err != nil {
		logger.Warn("dependencies may not be reachable", "error", err, "note", "server will continue but requests may fail")
	}
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = serve(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server failed", "error", err)
		exit(logCloser, 1)
	}
}

// exit closes the log sink before leaving so rotated file output is not lost.
func exit(logCloser io.Closer, code int) {
	_ = logCloser.Close()
	os.Exit(code)
}

// serve runs the frontend until ctx is cancelled.
func serve(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if len(cfg.Server.TLS.Domains) == 0 {
		srv := &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", cfg.Server.ListenAddr, "profile", cfg.Profile)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		cacheDir := cfg.Server.TLS.CacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join("secrets", "tls")
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}

		httpRedirect := &http.Server{
			Addr:    ":80",
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:    ":443",
			Handler: withHSTS(handler),
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "https", "addr", httpsSrv.Addr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func withHSTS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.ServeHTTP(w, r)
	})
}

// resolveConfigPath falls back to ./config.yaml when it exists. An empty result
// means profile defaults plus environment only.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func loadConfig(path, profile string, logger *slog.Logger) (server.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
			}
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
	}
	logger.Debug("loading config", "path", path, "profile", profile)
	return server.LoadConfig(path, profile)
}

// runConfigInit writes the profile defaults. Service URLs and the listen address
// are left empty so they keep following local.host and the local ports.
func runConfigInit(path, profile string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	if profile == "" {
		profile = os.Getenv(server.ProfileEnvVar)
	}
	cfg, err := server.DefaultConfig(profile)
	if err != nil {
		return err
	}
	cfg.Services.FrontendBase = ""
	cfg.Services.SearchBase = ""
	cfg.Services.MetadataBase = ""
	cfg.Server.ListenAddr = ""
	return writeConfigFile(path, cfg)
}

func runConfigValidate(path, profile string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, profile, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	if err := runCheck(ctx, cfg, logger, nil); err != nil {
		logger.Warn("some configured URLs are not reachable", "error", err)
	}
	logger.Info("configuration validation complete")
	return nil
}

// runCheck probes the identity provider discovery document and the search and
// metadata services. All failures are joined into the returned error.
func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	var errs []error

	if cfg.OIDC.Enabled {
		secrets, err := server.LoadClientSecrets(cfg.OIDC.ClientSecrets)
		if err != nil {
			errs = append(errs, err)
		} else {
			wellKnown := strings.TrimSuffix(secrets.Issuer, "/") + "/.well-known/openid-configuration"
			if err := probeURL(ctx, httpClient, wellKnown); err != nil {
				errs = append(errs, fmt.Errorf("identity provider %s: %w", secrets.Issuer, err))
			} else {
				logger.Info("identity provider is accessible", "issuer", secrets.Issuer)
			}
		}
	}

	services := []*client.Service{
		client.NewService(client.ServiceConfig{Name: "search", BaseURL: cfg.Services.SearchBase, Timeout: cfg.RequestTimeout, HTTPClient: httpClient}),
		client.NewService(client.ServiceConfig{Name: "metadata", BaseURL: cfg.Services.MetadataBase, Timeout: cfg.RequestTimeout, HTTPClient: httpClient}),
	}
	for _, svc := range services {
		if err := svc.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s service %s: %w", svc.Name(), svc.BaseURL(), err))
			continue
		}
		logger.Info("service is accessible", "service", svc.Name(), "base_url", svc.BaseURL())
	}

	return errors.Join(errs...)
}

func probeURL(ctx context.Context, httpClient *http.Client, urlStr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
