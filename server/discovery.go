package server

import (
	"net/http"
	"strings"
)

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildAuthorizationServerMetadata constructs the RFC 8414 document.
func BuildAuthorizationServerMetadata(cfg Config) DiscoveryDocument {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	grants := []string{"authorization_code"}
	if cfg.OAuth.RefreshTTL > 0 {
		grants = append(grants, "refresh_token")
	}
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                cfg.URL(cfg.Path("/authorize")),
		"token_endpoint":                        cfg.URL(cfg.Path("/token")),
		"registration_endpoint":                 cfg.URL(cfg.Path("/register")),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 grants,
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      cfg.OAuth.Scopes,
		"token_endpoint_auth_methods_supported": []string{authMethodNone, authMethodSecretPost, authMethodBasic},
	}
}

// BuildProtectedResourceMetadata constructs the RFC 9728 document for the
// protocol endpoint.
func BuildProtectedResourceMetadata(cfg Config) DiscoveryDocument {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	return DiscoveryDocument{
		"resource":                 cfg.URL(cfg.MCP.Path),
		"authorization_servers":    []string{issuer},
		"scopes_supported":         cfg.OAuth.Scopes,
		"bearer_methods_supported": []string{"header"},
	}
}

// resourceMetadataURL is the URL advertised in bearer challenges.
func resourceMetadataURL(cfg Config) string {
	return cfg.URL("/.well-known/oauth-protected-resource" + cfg.MCP.Path)
}

func (a *App) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildAuthorizationServerMetadata(a.Config))
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildProtectedResourceMetadata(a.Config))
}
