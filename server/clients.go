package server

import (
	"crypto/subtle"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
)

const (
	authMethodNone       = "none"
	authMethodSecretPost = "client_secret_post"
	authMethodBasic      = "client_secret_basic"
)

// ClientRegistry holds registered OAuth clients. It grows through dynamic
// registration and loopback auto-registration and is never pruned.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]*Client
	store   *InMemoryStore
}

// NewClientRegistry builds an empty registry that draws identifiers from store.
func NewClientRegistry(store *InMemoryStore) *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client), store: store}
}

// Get retrieves a copy of a client definition.
func (cr *ClientRegistry) Get(id string) (Client, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.clients[id]
	if !ok {
		return Client{}, false
	}
	return c.clone(), true
}

// Len reports the number of registered clients.
func (cr *ClientRegistry) Len() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.clients)
}

// Register creates a client with freshly minted credentials.
func (cr *ClientRegistry) Register(redirectURIs []string, name, authMethod string) (Client, *OAuthError) {
	if len(redirectURIs) == 0 {
		return Client{}, errInvalidRequest("redirect_uris is required")
	}
	for _, uri := range redirectURIs {
		if !isSafeRedirectURI(uri) {
			return Client{}, errInvalidRequest("invalid redirect_uri: " + uri)
		}
	}
	switch authMethod {
	case "":
		authMethod = authMethodSecretPost
	case authMethodNone, authMethodSecretPost, authMethodBasic:
	default:
		return Client{}, errInvalidRequest("unsupported token_endpoint_auth_method")
	}

	c := &Client{
		ClientID:     cr.store.NewID(),
		ClientSecret: cr.store.NewToken(),
		Name:         name,
		RedirectURIs: slices.Clone(redirectURIs),
		AuthMethod:   authMethod,
		CreatedAt:    cr.store.Now(),
	}

	cr.mu.Lock()
	cr.clients[c.ClientID] = c
	cr.mu.Unlock()
	return c.clone(), nil
}

// ResolveForAuthorize returns the client that may use redirectURI. Unknown
// clients are auto-registered as public clients, and new redirect URIs are
// appended to known clients, but only for loopback redirect targets.
func (cr *ClientRegistry) ResolveForAuthorize(clientID, redirectURI string) (Client, *OAuthError) {
	if !isSafeRedirectURI(redirectURI) {
		return Client{}, errInvalidRequest("invalid redirect_uri")
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, ok := cr.clients[clientID]
	if !ok {
		if !isLoopbackRedirect(redirectURI) {
			return Client{}, errInvalidRequest("unknown client_id; only loopback redirect URIs may be auto-registered")
		}
		c = &Client{
			ClientID:     clientID,
			Name:         clientID,
			RedirectURIs: []string{redirectURI},
			AuthMethod:   authMethodNone,
			CreatedAt:    cr.store.Now(),
		}
		cr.clients[clientID] = c
		return c.clone(), nil
	}

	if c.ValidRedirect(redirectURI) {
		return c.clone(), nil
	}
	if !isLoopbackRedirect(redirectURI) {
		return Client{}, errInvalidRequest("redirect_uri is not registered for this client")
	}
	c.RedirectURIs = append(c.RedirectURIs, redirectURI)
	return c.clone(), nil
}

// Authenticate validates client credentials. Public clients pass on
// client_id alone; PKCE carries their proof.
func (cr *ClientRegistry) Authenticate(id, secret string) (Client, *OAuthError) {
	c, ok := cr.Get(id)
	if !ok {
		return Client{}, errInvalidClient("unknown client")
	}
	if c.Public() {
		return c, nil
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(c.ClientSecret)) != 1 {
		return Client{}, errInvalidClient("client authentication failed")
	}
	return c, nil
}

func (c *Client) clone() Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return cp
}

// ValidRedirect reports whether uri is registered and safe.
func (c Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// isLoopbackRedirect reports whether uri targets localhost or a loopback IP.
func isLoopbackRedirect(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isSafeRedirectURI validates that a redirect URI is safe to use
// Prevents open redirect vulnerabilities by blocking dangerous schemes and malformed URIs
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	// Only http(s); javascript:, data: and friends never parse as such.
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.Hostname() == "" {
		return false
	}
	// user:pass@host and path@domain tricks
	if u.User != nil || strings.Contains(uri[len(u.Scheme)+3:], "@") {
		return false
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return false
	}
	return true
}

// scopesAllowed ensures every requested scope is in allowed.
func scopesAllowed(scope string, allowed []string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(allowed, sc) {
			return false
		}
	}
	return true
}
