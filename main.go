package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
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
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"netgate/controller"
	"netgate/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("NETGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if flag.Arg(0) == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg, logger, nil); err != nil {
			logger.Error("connectivity check failed", "error", err)
			os.Exit(1)
		}
		logger.Info("connectivity check succeeded")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// run serves until ctx is cancelled or a listener fails.
func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	servers, err := buildServers(cfg, application.Routes(), logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ls := range servers {
		g.Go(func() error {
			logger.Info("server listening", "name", ls.name, "addr", ls.srv.Addr)
			if err := ls.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", ls.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return application.RunReaper(gctx, cfg.OAuth.ReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		application.Close()
		for _, ls := range servers {
			if err := ls.srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown error", "name", ls.name, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

type listener struct {
	name  string
	srv   *http.Server
	serve func() error
}

// buildServers returns one plain listener in dev mode, or the autocert TLS
// listener plus its HTTP challenge/redirect companion in production.
func buildServers(cfg server.Config, handler http.Handler, logger *slog.Logger) ([]listener, error) {
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          errLog,
		}
		return []listener{{name: "dev", srv: srv, serve: srv.ListenAndServe}}, nil
	}

	minVersion, err := tlsVersion(cfg.Server.TLS.MinVersion)
	if err != nil {
		return nil, err
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}

	httpRedirect := &http.Server{
		Addr:              cfg.Server.HTTPListenAddr,
		Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          errLog,
	}
	// Event streams are long-lived, so no WriteTimeout.
	httpsSrv := &http.Server{
		Addr:    cfg.Server.HTTPSListenAddr,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     minVersion,
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		},
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          errLog,
	}

	return []listener{
		{name: "http", srv: httpRedirect, serve: httpRedirect.ListenAndServe},
		{name: "https", srv: httpsSrv, serve: func() error { return httpsSrv.ListenAndServeTLS("", "") }},
	}, nil
}

func tlsVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runCheck probes the identity edge and the network controller.
func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var errs []error
	if err := checkIdentity(ctx, cfg, logger, client); err != nil {
		errs = append(errs, fmt.Errorf("identity edge: %w", err))
	}
	if err := checkController(ctx, cfg, logger); err != nil {
		errs = append(errs, fmt.Errorf("controller: %w", err))
	}
	return errors.Join(errs...)
}

func checkIdentity(ctx context.Context, cfg server.Config, logger *slog.Logger, client *http.Client) error {
	switch cfg.Identity.Mode {
	case server.IdentityModeRedirect:
		strategy, err := server.NewRedirectStrategy(ctx, cfg.Identity, cfg.URL(cfg.Path("/callback")), logger)
		if err != nil {
			return fmt.Errorf("discover edge: %w", err)
		}
		authURL := strategy.AuthCodeURL(randomHex(8))
		logger.Info("check.identity.start", "auth_url", authURL)
		return followAuthorize(ctx, client, authURL, logger)
	case server.IdentityModeHeader:
		if cfg.Identity.JWKSURL == "" {
			logger.Info("check.identity.skip", "reason", "header mode without assertion verification")
			return nil
		}
		return probeURL(ctx, client, cfg.Identity.JWKSURL)
	default:
		return errors.New("identity.mode is not configured")
	}
}

// followAuthorize walks the edge's redirects and expects to land on a login page.
func followAuthorize(ctx context.Context, client *http.Client, authURL string, logger *slog.Logger) error {
	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("check.identity.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("check.identity.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("edge returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

func probeURL(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, rawURL)
	}
	return nil
}

func checkController(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	ctrl, err := controller.New(cfg.Controller.ClientConfig(), logger)
	if err != nil {
		return err
	}
	if !ctrl.Configured() {
		logger.Info("check.controller.skip", "reason", "no controller url configured")
		return nil
	}
	if err := ctrl.Ping(ctx); err != nil {
		return err
	}
	logger.Info("check.controller.ok", "url", cfg.Controller.URL)
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(os.Stdin, path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	if err := runCheck(ctx, cfg, logger, nil); err != nil {
		logger.Warn("configured endpoints not reachable", "error", err)
	}
	return nil
}

// runSetup asks for the handful of values a first deployment needs and
// writes the config file.
func runSetup(in io.Reader, path string, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, "Gateway dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Gateway public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. net.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	mode := ask(reader, "Identity mode (header or redirect)", server.IdentityModeHeader)
	cfg.Identity.Mode = mode
	switch mode {
	case server.IdentityModeRedirect:
		cfg.Identity.Issuer = askRequired(reader, "Identity edge issuer URL")
		cfg.Identity.ClientID = askRequired(reader, "Edge application client ID")
		cfg.Identity.ClientSecret = ask(reader, "Edge application client secret", "")
	case server.IdentityModeHeader:
		cfg.Identity.EmailHeader = ask(reader, "Header carrying the user email", cfg.Identity.EmailHeader)
	default:
		return server.Config{}, fmt.Errorf("unknown identity mode %q", mode)
	}
	cfg.Identity.AllowedEmails = normalizeList(ask(reader, "Allowed emails (comma separated, empty for any)", ""), nil)

	cfg.Controller.URL = ask(reader, "Network controller URL (empty to skip)", "")
	if cfg.Controller.URL != "" {
		cfg.Controller.APIKey = askRequired(reader, "Controller API key")
		cfg.Controller.Site = ask(reader, "Controller site", cfg.Controller.Site)
		cfg.Controller.UniFiOS = askYesNo(reader, "Controller runs UniFi OS?", true)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" || err != nil {
			return input
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
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
