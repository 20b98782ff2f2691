package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the OAuth, discovery and protocol endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.originAllowed))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", a.handleProtectedResourceMetadata)
	r.Get("/health", a.handleHealth)

	r.Post(a.Config.Path("/register"), a.handleRegister)
	r.Get(a.Config.Path("/authorize"), a.handleAuthorize)
	r.Post(a.Config.Path("/authorize/consent"), a.handleConsent)
	r.Get(a.Config.Path("/callback"), a.handleCallback)
	r.Post(a.Config.Path("/token"), a.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(a.OriginFilter)
		r.Use(a.BearerGate)
		r.Handle(a.Config.MCP.Path, a.Sessions)
	})

	return r
}
