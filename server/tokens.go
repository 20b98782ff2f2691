package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const tokenTypeBearer = "Bearer"

// ErrInvalidToken is returned for unknown or expired access tokens.
var ErrInvalidToken = errors.New("access token invalid or expired")

var codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// TokenService issues and redeems codes and tokens.
type TokenService struct {
	store   *InMemoryStore
	clients *ClientRegistry
	cfg     OAuthConfig
	logger  *slog.Logger
}

// NewTokenService wires the token service.
func NewTokenService(cfg OAuthConfig, store *InMemoryStore, clients *ClientRegistry, logger *slog.Logger) *TokenService {
	return &TokenService{store: store, clients: clients, cfg: cfg, logger: logger}
}

// NewPending builds a pending authorization with a fresh state token.
func (ts *TokenService) NewPending(client Client, redirectURI, scope, challenge, method, clientState string) PendingAuthorization {
	now := ts.store.Now()
	return PendingAuthorization{
		State:               ts.store.NewToken(),
		ClientID:            client.ClientID,
		ClientName:          client.Name,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ClientState:         clientState,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ts.cfg.PendingTTL),
	}
}

// IssueCode mints a single-use authorization code for user.
func (ts *TokenService) IssueCode(p PendingAuthorization, user string) string {
	code := AuthorizationCode{
		Code:          ts.store.NewToken(),
		ClientID:      p.ClientID,
		User:          user,
		RedirectURI:   p.RedirectURI,
		Scope:         p.Scope,
		CodeChallenge: p.CodeChallenge,
		ExpiresAt:     ts.store.Now().Add(ts.cfg.CodeTTL),
	}
	ts.store.SaveCode(code)
	return code.Code
}

// CodeExchange carries the authorization_code grant parameters.
type CodeExchange struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeCode redeems an authorization code. The code is consumed before
// any other check so a failed attempt cannot be retried.
func (ts *TokenService) ExchangeCode(req CodeExchange) (TokenResponse, *OAuthError) {
	if req.Code == "" {
		return TokenResponse{}, errInvalidRequest("code is required")
	}
	code, ok := ts.store.ConsumeCode(req.Code)
	if !ok {
		return TokenResponse{}, errInvalidGrant("code invalid or expired")
	}
	if req.ClientID != code.ClientID {
		return TokenResponse{}, errInvalidClient("client_id does not match code")
	}
	if _, oerr := ts.clients.Authenticate(req.ClientID, req.ClientSecret); oerr != nil {
		return TokenResponse{}, oerr
	}
	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return TokenResponse{}, errInvalidGrant("redirect_uri mismatch")
	}
	if err := verifyPKCE(code.CodeChallenge, req.CodeVerifier); err != nil {
		return TokenResponse{}, errInvalidGrant(err.Error())
	}

	ts.logger.Info("token issued", "grant_type", "authorization_code", "client_id", code.ClientID, "user", code.User)
	return ts.mint(code.ClientID, code.User, code.Scope), nil
}

// Refresh rotates a refresh token into a new access and refresh token pair.
func (ts *TokenService) Refresh(refreshToken, clientID, clientSecret, scope string) (TokenResponse, *OAuthError) {
	if refreshToken == "" {
		return TokenResponse{}, errInvalidRequest("refresh_token is required")
	}
	rt, ok := ts.store.ConsumeRefreshToken(refreshToken)
	if !ok {
		return TokenResponse{}, errInvalidGrant("refresh token invalid or expired")
	}
	if clientID != rt.ClientID {
		return TokenResponse{}, errInvalidClient("client_id does not match refresh token")
	}
	if _, oerr := ts.clients.Authenticate(clientID, clientSecret); oerr != nil {
		return TokenResponse{}, oerr
	}
	granted := rt.Scope
	if scope != "" {
		if !scopesAllowed(scope, strings.Fields(rt.Scope)) {
			return TokenResponse{}, newOAuthError(ErrCodeInvalidScope, "scope exceeds original grant")
		}
		granted = scope
	}

	ts.logger.Info("token issued", "grant_type", "refresh_token", "client_id", rt.ClientID, "user", rt.User)
	return ts.mint(rt.ClientID, rt.User, granted), nil
}

func (ts *TokenService) mint(clientID, user, scope string) TokenResponse {
	now := ts.store.Now()
	access := AccessToken{
		Token:     ts.store.NewToken(),
		ClientID:  clientID,
		User:      user,
		Scope:     scope,
		ExpiresAt: now.Add(ts.cfg.AccessTTL),
	}
	ts.store.SaveAccessToken(access)

	resp := TokenResponse{
		AccessToken: access.Token,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(ts.cfg.AccessTTL / time.Second),
		Scope:       scope,
	}
	if ts.cfg.RefreshTTL > 0 {
		refresh := RefreshToken{
			Token:     ts.store.NewToken(),
			ClientID:  clientID,
			User:      user,
			Scope:     scope,
			ExpiresAt: now.Add(ts.cfg.RefreshTTL),
		}
		ts.store.SaveRefreshToken(refresh)
		resp.RefreshToken = refresh.Token
	}
	return resp
}

// ValidateAccessToken resolves a presented bearer token.
func (ts *TokenService) ValidateAccessToken(token string) (AccessToken, error) {
	if token == "" {
		return AccessToken{}, ErrInvalidToken
	}
	at, ok := ts.store.LookupAccessToken(token)
	if !ok {
		return AccessToken{}, ErrInvalidToken
	}
	return at, nil
}

// validCodeChallenge reports whether challenge looks like an S256 digest.
func validCodeChallenge(challenge string) bool {
	return codeChallengePattern.MatchString(challenge)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return errors.New("code_verifier has invalid length")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errors.New("pkce verification failed")
	}
	return nil
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
