package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"netgate/edgeauth"
)

var (
	// ErrIdentityMismatch means the identity at approval differs from the one
	// recorded when the consent page was rendered.
	ErrIdentityMismatch = errors.New("identity changed during consent")
	// ErrNoIdentity means the edge did not assert any identity.
	ErrNoIdentity = errors.New("identity edge asserted no user")
)

// IdentityStrategy confirms who the user is for a pending authorization.
// Implementations differ only in where the confirmation happens; code and
// token issuance is shared.
type IdentityStrategy interface {
	Mode() string
	// Start hands the user agent to the confirmation step.
	Start(w http.ResponseWriter, r *http.Request, p PendingAuthorization) error
	// Finish resolves the confirmed user on the return leg.
	Finish(r *http.Request, p PendingAuthorization) (ProviderUser, error)
}

// Identifier is implemented by strategies that can read the user up front,
// before the pending authorization is stored.
type Identifier interface {
	Identify(r *http.Request) (ProviderUser, error)
}

// RedirectStrategy sends the user through the edge's authorization endpoint
// and resolves the identity with a code exchange plus a user-info fetch.
type RedirectStrategy struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	logger      *slog.Logger
}

// NewRedirectStrategy builds the strategy. With an issuer configured the edge
// endpoints come from discovery; otherwise the explicit URLs are used.
func NewRedirectStrategy(ctx context.Context, ic IdentityConfig, callbackURL string, logger *slog.Logger) (*RedirectStrategy, error) {
	var (
		op  *oidc.Provider
		err error
	)
	if ic.AuthURL != "" && ic.TokenURL != "" && ic.UserInfoURL != "" {
		pc := oidc.ProviderConfig{
			IssuerURL:   ic.Issuer,
			AuthURL:     ic.AuthURL,
			TokenURL:    ic.TokenURL,
			UserInfoURL: ic.UserInfoURL,
			JWKSURL:     ic.JWKSURL,
		}
		op = pc.NewProvider(ctx)
	} else {
		if ic.Issuer == "" {
			return nil, errors.New("identity edge issuer or explicit endpoints required")
		}
		op, err = oidc.NewProvider(ctx, ic.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover identity edge: %w", err)
		}
	}

	// Edge codes are single use, so the exchange must not probe auth styles.
	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if ic.ClientSecret != "" {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	scopes := ic.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email"}
	}

	return &RedirectStrategy{
		provider: op,
		oauthConfig: &oauth2.Config{
			ClientID:     ic.ClientID,
			ClientSecret: ic.ClientSecret,
			RedirectURL:  callbackURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		logger: logger,
	}, nil
}

func (s *RedirectStrategy) Mode() string { return IdentityModeRedirect }

// AuthCodeURL is the edge authorization URL for state.
func (s *RedirectStrategy) AuthCodeURL(state string) string {
	return s.oauthConfig.AuthCodeURL(state)
}

// Start redirects to the edge, carrying the internal state token as the edge's state.
func (s *RedirectStrategy) Start(w http.ResponseWriter, r *http.Request, p PendingAuthorization) error {
	http.Redirect(w, r, s.AuthCodeURL(p.State), http.StatusFound)
	return nil
}

// Finish exchanges the edge code and fetches user-info.
func (s *RedirectStrategy) Finish(r *http.Request, _ PendingAuthorization) (ProviderUser, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		return ProviderUser{}, errors.New("edge callback missing code")
	}

	ctx := r.Context()
	tok, err := s.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	info, err := s.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return ProviderUser{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	user := ProviderUser{Subject: info.Subject, Email: strings.ToLower(strings.TrimSpace(info.Email))}
	var claims struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := info.Claims(&claims); err == nil {
		user.Name = claims.Name
		if user.Name == "" {
			user.Name = claims.PreferredUsername
		}
	}
	if user.Email == "" {
		return ProviderUser{}, ErrNoIdentity
	}
	return user, nil
}

// HeaderStrategy trusts an identity the edge has already verified and placed
// on the request, and asks the user to approve on a consent page.
type HeaderStrategy struct {
	emailHeader     string
	assertionHeader string
	validator       *edgeauth.Validator
	consentAction   string
	logger          *slog.Logger
}

// NewHeaderStrategy builds the header strategy. When a JWKS URL is configured
// the signed assertion is verified and the plain email header is ignored.
func NewHeaderStrategy(ic IdentityConfig, consentAction string, logger *slog.Logger) *HeaderStrategy {
	s := &HeaderStrategy{
		emailHeader:     ic.EmailHeader,
		assertionHeader: ic.AssertionHeader,
		consentAction:   consentAction,
		logger:          logger,
	}
	if ic.JWKSURL != "" {
		s.validator = edgeauth.NewValidator(edgeauth.ValidatorConfig{
			Issuer:            ic.Issuer,
			JWKSURL:           ic.JWKSURL,
			ExpectedAudiences: ic.Audiences,
		})
	}
	return s
}

func (s *HeaderStrategy) Mode() string { return IdentityModeHeader }

// Identify reads the edge-asserted user.
func (s *HeaderStrategy) Identify(r *http.Request) (ProviderUser, error) {
	if s.validator != nil {
		id, err := s.validator.ValidateRequest(r, s.assertionHeader)
		if err != nil {
			if errors.Is(err, edgeauth.ErrNoAssertion) {
				return ProviderUser{}, ErrNoIdentity
			}
			return ProviderUser{}, fmt.Errorf("verify assertion: %w", err)
		}
		email := strings.ToLower(strings.TrimSpace(id.Email))
		if email == "" {
			return ProviderUser{}, ErrNoIdentity
		}
		return ProviderUser{Subject: id.Subject, Email: email}, nil
	}

	email := strings.ToLower(strings.TrimSpace(r.Header.Get(s.emailHeader)))
	if email == "" {
		return ProviderUser{}, ErrNoIdentity
	}
	return ProviderUser{Subject: email, Email: email}, nil
}

// Start renders the consent page.
func (s *HeaderStrategy) Start(w http.ResponseWriter, _ *http.Request, p PendingAuthorization) error {
	return renderConsent(w, consentView{
		Action:     s.consentAction,
		State:      p.State,
		ClientName: p.ClientName,
		ClientID:   p.ClientID,
		Redirect:   p.RedirectURI,
		Scope:      p.Scope,
		User:       p.User,
	})
}

// Finish re-reads the identity and requires it to match the one shown on the
// consent page.
func (s *HeaderStrategy) Finish(r *http.Request, p PendingAuthorization) (ProviderUser, error) {
	user, err := s.Identify(r)
	if err != nil {
		return ProviderUser{}, err
	}
	if p.User != "" && user.Email != p.User {
		return ProviderUser{}, ErrIdentityMismatch
	}
	return user, nil
}

// BuildIdentityStrategy selects the strategy named by identity.mode. A nil
// strategy with a nil error means identity is not configured.
func BuildIdentityStrategy(ctx context.Context, cfg Config, logger *slog.Logger) (IdentityStrategy, error) {
	switch cfg.Identity.Mode {
	case "":
		logger.Warn("identity edge not configured; authorization requests will fail closed")
		return nil, nil
	case IdentityModeHeader:
		return NewHeaderStrategy(cfg.Identity, cfg.Path("/authorize/consent"), logger), nil
	case IdentityModeRedirect:
		s, err := NewRedirectStrategy(ctx, cfg.Identity, cfg.URL(cfg.Path("/callback")), logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("identity edge init failed", "mode", cfg.Identity.Mode, "error", err)
				return nil, nil
			}
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Identity.Mode)
	}
}
