package server

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	allow := func(origin string) bool { return origin == "http://localhost:3000" }

	tests := []struct {
		name               string
		requestOrigin      string
		method             string
		preflight          bool
		expectAllowOrigin  string
		expectStatus       int
		expectBodyExecuted bool
	}{
		{
			name:               "allowed_origin_post",
			requestOrigin:      "http://localhost:3000",
			method:             "POST",
			expectAllowOrigin:  "http://localhost:3000",
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
		{
			name:               "allowed_origin_preflight",
			requestOrigin:      "http://localhost:3000",
			method:             "OPTIONS",
			preflight:          true,
			expectAllowOrigin:  "http://localhost:3000",
			expectStatus:       http.StatusNoContent,
			expectBodyExecuted: false,
		},
		{
			name:               "disallowed_origin",
			requestOrigin:      "http://evil.com",
			method:             "POST",
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
		{
			name:               "no_origin_header",
			method:             "GET",
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
		{
			name:               "plain_options_passes_through",
			requestOrigin:      "http://localhost:3000",
			method:             "OPTIONS",
			expectAllowOrigin:  "http://localhost:3000",
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bodyExecuted := false
			handler := CORSMiddleware(allow)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				bodyExecuted = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/mcp", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectStatus {
				t.Errorf("status = %d, expected %d", w.Code, tt.expectStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, expected %q", got, tt.expectAllowOrigin)
			}
			if bodyExecuted != tt.expectBodyExecuted {
				t.Errorf("handler executed = %v, expected %v", bodyExecuted, tt.expectBodyExecuted)
			}
			if tt.expectAllowOrigin != "" && !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "Mcp-Session-Id") {
				t.Error("session header not exposed to browsers")
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(600)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set on plain HTTP")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff missing")
	}

	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=600; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "abc-123" || w.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("request id = %q / %q", seen, w.Header().Get("X-Request-ID"))
	}

	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) == 0 || len(seen) > 64 {
		t.Errorf("oversized request id not replaced: %q", seen)
	}
}

func TestLoggingMiddlewareRecordsCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		noteClient(r, "desktop")
		noteUser(r, "alice@example.com")
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/token", nil))

	out := buf.String()
	for _, want := range []string{"http_request", "status=418", "client_id=desktop", "user=alice@example.com", "path=/token"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value leaked to client")
	}
}

func TestClientIP(t *testing.T) {
	app := &App{}
	req := httptest.NewRequest(http.MethodPost, "/register", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	if got := app.clientIP(req); got != "203.0.113.9" {
		t.Errorf("untrusted proxy headers honoured: %q", got)
	}

	app.Config.Server.TrustProxyHeaders = true
	if got := app.clientIP(req); got != "198.51.100.1" {
		t.Errorf("forwarded ip = %q", got)
	}
	req.Header.Set("Cf-Connecting-Ip", "192.0.2.44")
	if got := app.clientIP(req); got != "192.0.2.44" {
		t.Errorf("edge ip = %q", got)
	}
}
