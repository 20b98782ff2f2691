package server

import "time"

// Client records OAuth client metadata.
type Client struct {
	ClientID     string
	ClientSecret string
	Name         string
	RedirectURIs []string
	// AuthMethod is the token endpoint auth method the client registered
	// with. "none" marks a public client that relies on PKCE alone.
	AuthMethod string
	CreatedAt  time.Time
}

// Public reports whether the client authenticates at /token by PKCE only.
func (c Client) Public() bool {
	return c.ClientSecret == "" || c.AuthMethod == authMethodNone
}

// PendingAuthorization tracks an /authorize request awaiting identity
// confirmation, keyed by an internal state token.
type PendingAuthorization struct {
	State               string
	ClientID            string
	ClientName          string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	// ClientState is the caller's own state value, echoed back unchanged.
	ClientState string
	// User is the identity the edge asserted when the consent page was
	// rendered. Empty for the redirect strategy.
	User      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode represents a short-lived, single-use code issued to a client.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	User          string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	ExpiresAt     time.Time
}

// AccessToken is an opaque bearer credential.
type AccessToken struct {
	Token     string
	ClientID  string
	User      string
	Scope     string
	ExpiresAt time.Time
}

// RefreshToken is rotated on every use.
type RefreshToken struct {
	Token     string
	ClientID  string
	User      string
	Scope     string
	ExpiresAt time.Time
}

// TokenResponse is the /token success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ProviderUser is the identity confirmed by the access edge.
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
}
