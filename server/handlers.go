package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"netgate/controller"
	"netgate/mcpsession"
	"netgate/tools"
)

const (
	maxRegisterBody  = 64 << 10
	limiterIdleLimit = 10 * time.Minute
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      *InMemoryStore
	Clients    *ClientRegistry
	Tokens     *TokenService
	Identity   IdentityStrategy
	Controller *controller.Client
	Tools      *tools.Registry
	Sessions   *mcpsession.Manager

	registerLimiter *RateLimiter
	allowedEmails   map[string]bool

	// healthDecorate lets tests inject fields into the health payload.
	healthDecorate func(map[string]any)
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()
	clients := NewClientRegistry(store)
	tokens := NewTokenService(cfg.OAuth, store, clients, logger)

	identity, err := BuildIdentityStrategy(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init identity edge: %w", err)
	}

	ctrl, err := controller.New(cfg.Controller.ClientConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init controller: %w", err)
	}
	var nc tools.NetworkController
	if ctrl != nil {
		nc = ctrl
	} else {
		logger.Warn("network controller not configured; tools will report errors")
	}
	registry := tools.NewRegistry(nc, logger, cfg.MCP.ServerName, cfg.MCP.ServerVersion)

	allowed := make(map[string]bool, len(cfg.Identity.AllowedEmails))
	for _, e := range cfg.Identity.AllowedEmails {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}

	app := &App{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Clients:         clients,
		Tokens:          tokens,
		Identity:        identity,
		Controller:      ctrl,
		Tools:           registry,
		registerLimiter: NewRateLimiter(cfg.OAuth.RegisterPerMinute, cfg.OAuth.RegisterBurst, logger),
		allowedEmails:   allowed,
	}

	app.Sessions = mcpsession.NewManager(mcpsession.Options{
		NewTransport: app.newTransport,
		Identify:     UserFromRequest,
		Logger:       logger,
	})

	return app, nil
}

// newTransport gives each session its own tool-dispatch server.
func (a *App) newTransport(id string) (mcpsession.Transport, error) {
	t, err := mcpsession.NewStreamableTransport(id, a.Tools.NewServer(), mcpsession.TransportOptions{
		ContextFunc: func(ctx context.Context, r *http.Request) context.Context {
			return tools.WithActor(ctx, UserFromRequest(r))
		},
		IdleTimeout: a.Config.MCP.SessionIdleTimeout,
		Logger:      a.Logger,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

type registerRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registerResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)
	if !a.registerLimiter.Allow(ip) {
		a.Logger.Warn("registration rate limited", "ip", ip)
		w.Header().Set("Retry-After", "60")
		writeOAuthError(w, newOAuthError(ErrCodeSlowDown, "too many registration requests"))
		return
	}

	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody))
	if err := dec.Decode(&req); err != nil {
		writeOAuthError(w, errInvalidRequest("body must be a JSON client metadata document"))
		return
	}

	client, oerr := a.Clients.Register(req.RedirectURIs, req.ClientName, req.TokenEndpointAuthMethod)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	noteClient(r, client.ClientID)
	a.Logger.Info("client registered", "client_id", client.ClientID, "client_name", client.Name, "auth_method", client.AuthMethod)

	grants := []string{"authorization_code"}
	if a.Config.OAuth.RefreshTTL > 0 {
		grants = append(grants, "refresh_token")
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, http.StatusCreated, registerResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.AuthMethod,
		GrantTypes:              grants,
		ResponseTypes:           []string{"code"},
	})
}

// AuthorizeRequest holds the validated /authorize parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// parseAuthorizeRequest validates parameters in a fixed order; PKCE is
// checked before anything is stored or any redirect happens.
func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, *OAuthError) {
	q := r.URL.Query()
	req := AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if req.ClientID == "" {
		return req, errInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return req, errInvalidRequest("redirect_uri is required")
	}
	if req.ResponseType == "" {
		return req, errInvalidRequest("response_type is required")
	}
	if req.ResponseType != "code" {
		return req, newOAuthError(ErrCodeUnsupportedResponseType, "response_type must be code")
	}
	if req.CodeChallenge == "" {
		return req, errInvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != "S256" {
		return req, errInvalidRequest("code_challenge_method must be S256")
	}
	if !validCodeChallenge(req.CodeChallenge) {
		return req, errInvalidRequest("code_challenge is malformed")
	}
	if req.Scope == "" {
		req.Scope = strings.Join(a.Config.OAuth.Scopes, " ")
	} else if !scopesAllowed(req.Scope, a.Config.OAuth.Scopes) {
		return req, newOAuthError(ErrCodeInvalidScope, "unsupported scope requested")
	}
	return req, nil
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, oerr := a.parseAuthorizeRequest(r)
	if oerr != nil {
		a.Logger.Warn("authorize invalid request", "client_id", req.ClientID, "error", oerr)
		writeOAuthError(w, oerr)
		return
	}
	noteClient(r, req.ClientID)

	client, oerr := a.Clients.ResolveForAuthorize(req.ClientID, req.RedirectURI)
	if oerr != nil {
		a.Logger.Warn("authorize rejected", "client_id", req.ClientID, "redirect_uri", req.RedirectURI, "error", oerr)
		writeOAuthError(w, oerr)
		return
	}

	if a.Identity == nil {
		a.Logger.Error("authorize with no identity edge configured", "client_id", req.ClientID)
		writeOAuthError(w, newOAuthError(ErrCodeServerError, "identity edge not configured").withStatus(http.StatusServiceUnavailable))
		return
	}

	pending := a.Tokens.NewPending(client, req.RedirectURI, req.Scope, req.CodeChallenge, req.CodeChallengeMethod, req.State)

	if id, ok := a.Identity.(Identifier); ok {
		user, err := id.Identify(r)
		if err != nil {
			a.Logger.Warn("identity missing at authorize", "client_id", client.ClientID, "error", err)
			writeOAuthError(w, errAccessDenied("identity edge did not assert a user"))
			return
		}
		if !a.userAllowed(user.Email) {
			a.Logger.Warn("user not on allow-list", "user", user.Email)
			writeOAuthError(w, errAccessDenied("user not permitted"))
			return
		}
		pending.User = user.Email
		noteUser(r, user.Email)
	}

	a.Store.SavePending(pending)
	if err := a.Identity.Start(w, r, pending); err != nil {
		a.Store.ConsumePending(pending.State)
		a.Logger.Error("identity start failed", "mode", a.Identity.Mode(), "error", err)
		writeOAuthError(w, newOAuthError(ErrCodeServerError, "could not start identity confirmation"))
	}
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil || a.Identity.Mode() != IdentityModeRedirect {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		writeOAuthError(w, newOAuthError(ErrCodeInvalidState, "state is required"))
		return
	}
	pending, ok := a.Store.ConsumePending(state)
	if !ok {
		writeOAuthError(w, newOAuthError(ErrCodeInvalidState, "unknown or expired state"))
		return
	}
	noteClient(r, pending.ClientID)

	if edgeErr := q.Get("error"); edgeErr != "" {
		a.Logger.Warn("identity edge returned error", "client_id", pending.ClientID, "error", edgeErr)
		oauthError(w, pending.RedirectURI, pending.ClientState, errAccessDenied("identity edge denied the request"))
		return
	}

	a.completeAuthorization(w, r, pending)
}

func (a *App) handleConsent(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil || a.Identity.Mode() != IdentityModeHeader {
		http.NotFound(w, r)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !a.originAllowed(origin) {
		writeOAuthError(w, errAccessDenied("origin not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, errInvalidRequest("invalid form"))
		return
	}

	state := r.PostFormValue("state")
	if state == "" {
		writeOAuthError(w, newOAuthError(ErrCodeInvalidState, "state is required"))
		return
	}
	pending, ok := a.Store.ConsumePending(state)
	if !ok {
		writeOAuthError(w, newOAuthError(ErrCodeInvalidState, "unknown or expired state"))
		return
	}
	noteClient(r, pending.ClientID)

	switch r.PostFormValue("action") {
	case "approve":
		a.completeAuthorization(w, r, pending)
	case "deny":
		a.Logger.Info("consent denied", "client_id", pending.ClientID, "user", pending.User)
		oauthError(w, pending.RedirectURI, pending.ClientState, errAccessDenied("user denied the request"))
	default:
		writeOAuthError(w, errInvalidRequest("action must be approve or deny"))
	}
}

// completeAuthorization is the shared return leg: confirm the user, mint a
// code, and send the user agent back to the client.
func (a *App) completeAuthorization(w http.ResponseWriter, r *http.Request, pending PendingAuthorization) {
	user, err := a.Identity.Finish(r, pending)
	if err != nil {
		switch {
		case errors.Is(err, ErrIdentityMismatch), errors.Is(err, ErrNoIdentity):
			a.Logger.Warn("identity not confirmed", "client_id", pending.ClientID, "error", err)
			writeOAuthError(w, errAccessDenied("identity could not be confirmed"))
		default:
			a.Logger.Error("identity exchange failed", "client_id", pending.ClientID, "error", err)
			writeOAuthError(w, newOAuthError(ErrCodeServerError, "token exchange with identity edge failed").withStatus(http.StatusBadGateway))
		}
		return
	}
	if !a.userAllowed(user.Email) {
		a.Logger.Warn("user not on allow-list", "user", user.Email)
		writeOAuthError(w, errAccessDenied("user not permitted"))
		return
	}
	noteUser(r, user.Email)

	code := a.Tokens.IssueCode(pending, user.Email)
	a.Logger.Info("authorization code issued", "client_id", pending.ClientID, "user", user.Email)

	dest, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeOAuthError(w, newOAuthError(ErrCodeServerError, "stored redirect_uri unusable"))
		return
	}
	params := dest.Query()
	params.Set("code", code)
	if pending.ClientState != "" {
		params.Set("state", pending.ClientState)
	}
	dest.RawQuery = params.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func (a *App) userAllowed(email string) bool {
	if len(a.allowedEmails) == 0 {
		return true
	}
	return a.allowedEmails[strings.ToLower(email)]
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, errInvalidRequest("invalid form"))
		return
	}

	clientID, clientSecret, basic := clientCredentials(r)
	noteClient(r, clientID)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	var (
		resp TokenResponse
		oerr *OAuthError
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, oerr = a.Tokens.ExchangeCode(CodeExchange{
			Code:         r.PostFormValue("code"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case "refresh_token":
		if a.Config.OAuth.RefreshTTL <= 0 {
			oerr = newOAuthError(ErrCodeUnsupportedGrantType, "refresh tokens are disabled")
			break
		}
		resp, oerr = a.Tokens.Refresh(r.PostFormValue("refresh_token"), clientID, clientSecret, r.PostFormValue("scope"))
	case "":
		oerr = errInvalidRequest("grant_type is required")
	default:
		oerr = newOAuthError(ErrCodeUnsupportedGrantType, "unsupported grant_type "+grantType)
	}

	if oerr != nil {
		a.Logger.Warn("token request rejected", "client_id", clientID, "error", oerr)
		// 401 only when the client authenticated through the Authorization header.
		if basic && oerr.Code == ErrCodeInvalidClient {
			oerr = oerr.withStatus(http.StatusUnauthorized)
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		writeOAuthError(w, oerr)
		return
	}
	writeJSON(w, resp)
}

// clientCredentials reads client_secret_basic first, then the form body.
func clientCredentials(r *http.Request) (id, secret string, basic bool) {
	if u, p, ok := r.BasicAuth(); ok {
		if du, err := url.QueryUnescape(u); err == nil {
			u = du
		}
		if dp, err := url.QueryUnescape(p); err == nil {
			p = dp
		}
		return u, p, true
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false
}

// Reap drops expired authorization state and idle rate limiters.
func (a *App) Reap() {
	removed := a.Store.SweepExpired()
	idle := a.registerLimiter.Cleanup(limiterIdleLimit)
	if removed > 0 || idle > 0 {
		a.Logger.Debug("reaped expired state", "entries", removed, "limiters", idle)
	}
}

// RunReaper calls Reap every interval until ctx ends.
func (a *App) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Reap()
		}
	}
}

// Close terminates every live protocol session.
func (a *App) Close() {
	a.Sessions.CloseAll()
}
