package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"netgate/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func redirectConfig(edgeURL string) server.Config {
	cfg := server.DefaultConfig()
	cfg.Identity.Mode = server.IdentityModeRedirect
	cfg.Identity.AuthURL = edgeURL + "/start"
	cfg.Identity.TokenURL = edgeURL + "/token"
	cfg.Identity.UserInfoURL = edgeURL + "/userinfo"
	cfg.Identity.ClientID = "netgate"
	return cfg
}

func TestRunCheckSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			if r.URL.Query().Get("client_id") != "netgate" || r.URL.Query().Get("state") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), redirectConfig(srv.URL), testLogger(), nil); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
}

func TestRunCheckFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := runCheck(context.Background(), redirectConfig(srv.URL), testLogger(), nil)
	if err == nil || !strings.Contains(err.Error(), "identity edge") {
		t.Fatalf("expected identity edge failure, got %v", err)
	}
}

func TestRunCheckMissingIdentity(t *testing.T) {
	if err := runCheck(context.Background(), server.DefaultConfig(), testLogger(), nil); err == nil {
		t.Fatal("expected error for unconfigured identity mode")
	}
}

func TestRunCheckController(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/s/default/stat/health" || r.Header.Get("X-API-KEY") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]string{"rc": "ok"}, "data": []any{}})
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.Identity.Mode = server.IdentityModeHeader
	cfg.Controller.URL = srv.URL
	cfg.Controller.APIKey = "k"

	if err := runCheck(context.Background(), cfg, testLogger(), nil); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("controller probed %d times", calls)
	}

	cfg.Controller.APIKey = "wrong"
	if err := runCheck(context.Background(), cfg, testLogger(), nil); err == nil || !strings.Contains(err.Error(), "controller") {
		t.Fatalf("expected controller failure, got %v", err)
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"y",                     // dev mode
		"127.0.0.1:9090",        // listen addr
		"http://127.0.0.1:9090", // public url
		"header",                // identity mode
		"",                      // email header default
		"alice@example.com, bob@example.com",
		"", // no controller
	}, "\n") + "\n"

	cfg, err := runSetup(strings.NewReader(answers), path, testLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Server.DevListenAddr != "127.0.0.1:9090" || cfg.Server.PublicURL != "http://127.0.0.1:9090" {
		t.Fatalf("server section = %+v", cfg.Server)
	}
	if cfg.Identity.Mode != server.IdentityModeHeader || len(cfg.Identity.AllowedEmails) != 2 {
		t.Fatalf("identity section = %+v", cfg.Identity)
	}
	if cfg.OAuth.AccessTTL != server.DefaultAccessTTL {
		t.Fatalf("access ttl = %v", cfg.OAuth.AccessTTL)
	}
}

func TestBuildServers(t *testing.T) {
	cfg := server.DefaultConfig()
	servers, err := buildServers(cfg, http.NotFoundHandler(), testLogger())
	if err != nil || len(servers) != 1 || servers[0].srv.Addr != cfg.Server.DevListenAddr {
		t.Fatalf("dev servers = %v, %v", servers, err)
	}

	cfg.Server.DevMode = false
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Server.TLS.MinVersion = "1.3"
	servers, err = buildServers(cfg, http.NotFoundHandler(), testLogger())
	if err != nil || len(servers) != 2 {
		t.Fatalf("prod servers = %v, %v", servers, err)
	}
	if servers[1].srv.TLSConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version = %x", servers[1].srv.TLSConfig.MinVersion)
	}

	cfg.Server.TLS.MinVersion = "1.0"
	if _, err := buildServers(cfg, http.NotFoundHandler(), testLogger()); err == nil {
		t.Fatal("expected error for TLS 1.0")
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	w := httptest.NewRecorder()
	redirectToHTTPS(w, httptest.NewRequest(http.MethodGet, "http://net.example.com/authorize?x=1", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://net.example.com/authorize?x=1" {
		t.Fatalf("location = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"err":     slog.LevelError,
	}
	for input, want := range cases {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}
