package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

type userKey struct{}

// UserFromContext returns the identity the bearer gate resolved.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userKey{}).(string); ok {
		return v
	}
	return ""
}

// UserFromRequest is UserFromContext for request-shaped callers.
func UserFromRequest(r *http.Request) string {
	return UserFromContext(r.Context())
}

// BearerGate admits requests that present a live access token. Everything
// else gets a 401 whose challenge points at the protected-resource metadata.
func (a *App) BearerGate(next http.Handler) http.Handler {
	challenge := fmt.Sprintf(`Bearer resource_metadata=%q, scope=%q`,
		resourceMetadataURL(a.Config), strings.Join(a.Config.OAuth.Scopes, " "))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			w.Header().Set("WWW-Authenticate", challenge)
			writeOAuthError(w, newOAuthError(ErrCodeInvalidToken, "bearer token required"))
			return
		}

		at, err := a.Tokens.ValidateAccessToken(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
			writeOAuthError(w, newOAuthError(ErrCodeInvalidToken, "token invalid or expired"))
			return
		}

		noteClient(r, at.ClientID)
		noteUser(r, at.User)
		ctx := context.WithValue(r.Context(), userKey{}, at.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OriginFilter rejects browser requests from origins that could be a
// DNS-rebinding vector. Requests without an Origin header pass.
func (a *App) OriginFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !a.originAllowed(origin) {
			a.Logger.Warn("origin rejected", "origin", origin, "path", r.URL.Path)
			writeOAuthError(w, errAccessDenied("origin not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts loopback hosts, the public host, configured
// origins and the identity edge's domains. Anything unparseable is refused.
func (a *App) originAllowed(origin string) bool {
	host, ok := originHost(origin)
	if !ok {
		return false
	}
	if isLoopbackHost(host) {
		return true
	}
	if pub, err := url.Parse(a.Config.Server.PublicURL); err == nil && strings.EqualFold(pub.Hostname(), host) {
		return true
	}
	for _, allowed := range a.Config.Server.AllowedOrigins {
		if h, ok := originHost(allowed); ok && h == host {
			return true
		}
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	for _, domain := range a.Config.Identity.EdgeDomains {
		domain = strings.ToLower(strings.TrimPrefix(domain, "."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func originHost(origin string) (string, bool) {
	if origin == "null" {
		return "", false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", false
	}
	return host, true
}

// clientIP returns the caller address used for rate limiting.
func (a *App) clientIP(r *http.Request) string {
	if a.Config.Server.TrustProxyHeaders {
		if ip := strings.TrimSpace(r.Header.Get("Cf-Connecting-Ip")); ip != "" {
			return ip
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
