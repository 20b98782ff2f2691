package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"netgate/controller"
)

// OAuth artifact lifetimes.
const (
	DefaultCodeTTL    = 10 * time.Minute
	DefaultPendingTTL = 10 * time.Minute
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 24 * time.Hour
	DefaultScope      = "mcp:tools"
)

// Identity modes.
const (
	IdentityModeRedirect = "redirect"
	IdentityModeHeader   = "header"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Identity   IdentityConfig   `yaml:"identity"`
	Controller ControllerConfig `yaml:"controller"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	SecretsPath       string    `yaml:"secrets_path"`
	RoutePrefix       string    `yaml:"route_prefix"`
	AllowedOrigins    []string  `yaml:"allowed_origins"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OAuthConfig sets artifact lifetimes, scopes and registration limits.
type OAuthConfig struct {
	CodeTTL           time.Duration `yaml:"code_ttl"`
	PendingTTL        time.Duration `yaml:"pending_ttl"`
	AccessTTL         time.Duration `yaml:"access_ttl"`
	RefreshTTL        time.Duration `yaml:"refresh_ttl"`
	Scopes            []string      `yaml:"scopes"`
	RegisterPerMinute int           `yaml:"register_per_minute"`
	RegisterBurst     int           `yaml:"register_burst"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
}

// IdentityConfig describes the access edge that confirms user identity.
type IdentityConfig struct {
	// Mode is "redirect" (edge authorization-code + user-info) or "header"
	// (trusted header with consent page). Empty leaves identity unconfigured.
	Mode string `yaml:"mode"`

	// Redirect mode.
	Issuer       string   `yaml:"issuer"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// Header mode.
	EmailHeader     string   `yaml:"email_header"`
	AssertionHeader string   `yaml:"assertion_header"`
	JWKSURL         string   `yaml:"jwks_url"`
	Audiences       []string `yaml:"audiences"`

	AllowedEmails []string `yaml:"allowed_emails"`
	EdgeDomains   []string `yaml:"edge_domains"`
}

// ControllerConfig points at the managed network controller.
type ControllerConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Site               string        `yaml:"site"`
	UniFiOS            bool          `yaml:"unifi_os"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// MCPConfig shapes the protocol endpoint.
type MCPConfig struct {
	Path               string        `yaml:"path"`
	ServerName         string        `yaml:"server_name"`
	ServerVersion      string        `yaml:"server_version"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// ClientConfig converts to the controller client's configuration.
func (c ControllerConfig) ClientConfig() controller.Config {
	return controller.Config{
		URL:                c.URL,
		APIKey:             c.APIKey,
		Username:           c.Username,
		Password:           c.Password,
		Site:               c.Site,
		UniFiOS:            c.UniFiOS,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Timeout:            c.Timeout,
	}
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		OAuth: OAuthConfig{
			CodeTTL:           DefaultCodeTTL,
			PendingTTL:        DefaultPendingTTL,
			AccessTTL:         DefaultAccessTTL,
			RefreshTTL:        DefaultRefreshTTL,
			Scopes:            []string{DefaultScope},
			RegisterPerMinute: 10,
			RegisterBurst:     5,
			ReapInterval:      time.Minute,
		},
		Identity: IdentityConfig{
			Scopes:          []string{"openid", "email", "profile"},
			EmailHeader:     "Cf-Access-Authenticated-User-Email",
			AssertionHeader: "Cf-Access-Jwt-Assertion",
			EdgeDomains:     []string{"cloudflareaccess.com"},
		},
		Controller: ControllerConfig{
			Site:    "default",
			Timeout: 15 * time.Second,
		},
		MCP: MCPConfig{
			Path:               "/mcp",
			ServerName:         "netgate",
			ServerVersion:      "dev",
			SessionIdleTimeout: 30 * time.Minute,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"NETGATE_SERVER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"NETGATE_SERVER_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"NETGATE_SERVER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"NETGATE_SERVER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"NETGATE_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"NETGATE_SERVER_ROUTE_PREFIX":         func(v string) { cfg.Server.RoutePrefix = v },
		"NETGATE_SERVER_ALLOWED_ORIGINS":      func(v string) { cfg.Server.AllowedOrigins = splitAndTrim(v) },
		"NETGATE_SERVER_TRUST_PROXY_HEADERS":  func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"NETGATE_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"NETGATE_SERVER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"NETGATE_SERVER_SECRETS_PATH":         func(v string) { cfg.Server.SecretsPath = v },
		"NETGATE_OAUTH_ACCESS_TTL":            func(v string) { cfg.OAuth.AccessTTL = parseDuration(v, cfg.OAuth.AccessTTL) },
		"NETGATE_OAUTH_REFRESH_TTL":           func(v string) { cfg.OAuth.RefreshTTL = parseDuration(v, cfg.OAuth.RefreshTTL) },
		"NETGATE_IDENTITY_MODE":               func(v string) { cfg.Identity.Mode = v },
		"NETGATE_IDENTITY_ISSUER":             func(v string) { cfg.Identity.Issuer = v },
		"NETGATE_IDENTITY_CLIENT_ID":          func(v string) { cfg.Identity.ClientID = v },
		"NETGATE_IDENTITY_CLIENT_SECRET":      func(v string) { cfg.Identity.ClientSecret = v },
		"NETGATE_IDENTITY_JWKS_URL":           func(v string) { cfg.Identity.JWKSURL = v },
		"NETGATE_IDENTITY_AUDIENCES":          func(v string) { cfg.Identity.Audiences = splitAndTrim(v) },
		"NETGATE_IDENTITY_ALLOWED_EMAILS":     func(v string) { cfg.Identity.AllowedEmails = splitAndTrim(v) },
		"NETGATE_IDENTITY_EDGE_DOMAINS":       func(v string) { cfg.Identity.EdgeDomains = splitAndTrim(v) },
		"NETGATE_CONTROLLER_URL":              func(v string) { cfg.Controller.URL = v },
		"NETGATE_CONTROLLER_API_KEY":          func(v string) { cfg.Controller.APIKey = v },
		"NETGATE_CONTROLLER_USERNAME":         func(v string) { cfg.Controller.Username = v },
		"NETGATE_CONTROLLER_PASSWORD":         func(v string) { cfg.Controller.Password = v },
		"NETGATE_CONTROLLER_SITE":             func(v string) { cfg.Controller.Site = v },
		"NETGATE_CONTROLLER_UNIFI_OS":         func(v string) { cfg.Controller.UniFiOS = parseBool(v, cfg.Controller.UniFiOS) },
		"NETGATE_CONTROLLER_INSECURE_SKIP_VERIFY": func(v string) {
			cfg.Controller.InsecureSkipVerify = parseBool(v, cfg.Controller.InsecureSkipVerify)
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an http(s) URL")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if p := c.Server.RoutePrefix; p != "" && (!strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/")) {
		slog.Error("Invalid route prefix", "field", "server.route_prefix", "value", p)
		return fmt.Errorf("server.route_prefix must start with '/' and not end with '/', got: %s", p)
	}

	if !strings.HasPrefix(c.MCP.Path, "/") {
		slog.Error("Invalid MCP path", "field", "mcp.path", "value", c.MCP.Path)
		return fmt.Errorf("mcp.path must start with '/', got: %q", c.MCP.Path)
	}

	ttls := map[string]time.Duration{
		"oauth.code_ttl":    c.OAuth.CodeTTL,
		"oauth.pending_ttl": c.OAuth.PendingTTL,
		"oauth.access_ttl":  c.OAuth.AccessTTL,
	}
	for field, d := range ttls {
		if d <= 0 {
			slog.Error("Invalid lifetime", "field", field, "value", d)
			return fmt.Errorf("%s must be positive", field)
		}
	}
	if c.OAuth.RefreshTTL < 0 {
		return errors.New("oauth.refresh_ttl must not be negative")
	}
	if len(c.OAuth.Scopes) == 0 {
		slog.Error("Missing required configuration", "field", "oauth.scopes")
		return errors.New("oauth.scopes must list at least one scope")
	}

	if err := c.Identity.validate(c.Server.DevMode); err != nil {
		return err
	}

	if c.Controller.URL != "" {
		if !isHTTPURL(c.Controller.URL) {
			slog.Error("Invalid controller URL", "field", "controller.url", "value", c.Controller.URL)
			return fmt.Errorf("controller.url must start with http:// or https://, got: %s", c.Controller.URL)
		}
		if c.Controller.APIKey == "" && (c.Controller.Username == "" || c.Controller.Password == "") {
			slog.Error("Missing controller credentials", "fields", []string{"controller.api_key", "controller.username", "controller.password"})
			return errors.New("controller requires api_key or username and password")
		}
	}

	return nil
}

func (ic IdentityConfig) validate(devMode bool) error {
	switch ic.Mode {
	case "":
		if !devMode {
			slog.Error("Missing required identity configuration", "field", "identity.mode", "reason", "required in production mode")
			return errors.New("identity.mode is required in production mode")
		}
	case IdentityModeRedirect:
		if ic.ClientID == "" {
			slog.Error("Identity edge missing client_id", "field", "identity.client_id")
			return errors.New("identity.client_id is required in redirect mode")
		}
		if ic.Issuer == "" && (ic.AuthURL == "" || ic.TokenURL == "" || ic.UserInfoURL == "") {
			slog.Error("Identity edge endpoints missing", "fields", []string{"identity.issuer", "identity.auth_url", "identity.token_url", "identity.userinfo_url"})
			return errors.New("identity.issuer or auth_url, token_url and userinfo_url are required in redirect mode")
		}
	case IdentityModeHeader:
		if ic.EmailHeader == "" && ic.JWKSURL == "" {
			slog.Error("Identity header missing", "field", "identity.email_header")
			return errors.New("identity.email_header or identity.jwks_url is required in header mode")
		}
		if ic.JWKSURL != "" && ic.AssertionHeader == "" {
			return errors.New("identity.assertion_header is required when identity.jwks_url is set")
		}
	default:
		slog.Error("Unknown identity mode", "field", "identity.mode", "value", ic.Mode, "valid_values", []string{IdentityModeRedirect, IdentityModeHeader})
		return fmt.Errorf("identity.mode must be %q or %q, got: %s", IdentityModeRedirect, IdentityModeHeader, ic.Mode)
	}
	return nil
}

// Path joins the configured route prefix with an OAuth endpoint path.
func (c Config) Path(p string) string {
	return c.Server.RoutePrefix + p
}

// URL returns the absolute public URL of path p.
func (c Config) URL(p string) string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + p
}
