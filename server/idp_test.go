package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const edgeCode = "edge-code"

// fakeEdge stands in for the access edge: token, user-info and JWKS endpoints.
type fakeEdge struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu         sync.Mutex
	email      string
	failing    bool
	tokenPosts []url.Values
	basicUser  string
}

func newFakeEdge(t *testing.T) *fakeEdge {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := &fakeEdge{key: key, email: "alice@example.com"}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		user, _, _ := r.BasicAuth()
		e.mu.Lock()
		fail := e.failing
		e.tokenPosts = append(e.tokenPosts, r.PostForm)
		e.basicUser = user
		e.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fail || r.PostFormValue("code") != edgeCode {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"edge-at","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer edge-at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		e.mu.Lock()
		email := e.email
		e.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sub": "user-1", "email": email, "name": "Alice"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &e.key.PublicKey,
			KeyID:     "k1",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})

	e.server = httptest.NewServer(mux)
	t.Cleanup(e.server.Close)
	return e
}

func (e *fakeEdge) setEmail(email string) {
	e.mu.Lock()
	e.email = email
	e.mu.Unlock()
}

// failExchange makes every later token request fail.
func (e *fakeEdge) failExchange() {
	e.mu.Lock()
	e.failing = true
	e.mu.Unlock()
}

func (e *fakeEdge) tokenRequests() ([]url.Values, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]url.Values(nil), e.tokenPosts...), e.basicUser
}

func (e *fakeEdge) identityConfig() IdentityConfig {
	return IdentityConfig{
		Mode:         IdentityModeRedirect,
		AuthURL:      e.server.URL + "/authorize",
		TokenURL:     e.server.URL + "/token",
		UserInfoURL:  e.server.URL + "/userinfo",
		ClientID:     "edge-client",
		ClientSecret: "edge-secret",
		Scopes:       []string{"openid", "email"},
	}
}

func (e *fakeEdge) assertion(t *testing.T, email string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   "https://team.cloudflareaccess.com",
		"aud":   []string{"netgate-aud"},
		"email": email,
		"sub":   "user-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(e.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedirectStrategyStartCarriesState(t *testing.T) {
	edge := newFakeEdge(t)
	s, err := NewRedirectStrategy(context.Background(), edge.identityConfig(), "http://gateway.test/callback", discardLogger())
	if err != nil {
		t.Fatalf("NewRedirectStrategy: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if err := s.Start(rec, req, PendingAuthorization{State: "internal-state"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	q := loc.Query()
	if q.Get("state") != "internal-state" {
		t.Fatalf("edge state = %q", q.Get("state"))
	}
	if q.Get("redirect_uri") != "http://gateway.test/callback" || q.Get("client_id") != "edge-client" {
		t.Fatalf("unexpected edge params: %v", q)
	}
}

func TestRedirectStrategyFinish(t *testing.T) {
	edge := newFakeEdge(t)
	edge.setEmail("Alice@Example.com")
	s, err := NewRedirectStrategy(context.Background(), edge.identityConfig(), "http://gateway.test/callback", discardLogger())
	if err != nil {
		t.Fatalf("NewRedirectStrategy: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/callback?code="+edgeCode+"&state=x", nil)
	user, err := s.Finish(req, PendingAuthorization{})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if user.Email != "alice@example.com" || user.Subject != "user-1" || user.Name != "Alice" {
		t.Fatalf("unexpected user: %+v", user)
	}

	bad := httptest.NewRequest(http.MethodGet, "/callback?code=wrong&state=x", nil)
	if _, err := s.Finish(bad, PendingAuthorization{}); err == nil {
		t.Fatal("expected exchange failure")
	}

	missing := httptest.NewRequest(http.MethodGet, "/callback?state=x", nil)
	if _, err := s.Finish(missing, PendingAuthorization{}); err == nil {
		t.Fatal("expected error without code")
	}
}

func TestRedirectStrategyExchangeAuthStyle(t *testing.T) {
	t.Run("confidential client uses basic auth once", func(t *testing.T) {
		edge := newFakeEdge(t)
		edge.failExchange()
		s, err := NewRedirectStrategy(context.Background(), edge.identityConfig(), "http://gateway.test/callback", discardLogger())
		if err != nil {
			t.Fatalf("NewRedirectStrategy: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/callback?code="+edgeCode+"&state=x", nil)
		if _, err := s.Finish(req, PendingAuthorization{}); err == nil {
			t.Fatal("expected exchange failure")
		}
		posts, basicUser := edge.tokenRequests()
		if len(posts) != 1 {
			t.Fatalf("edge code posted %d times, want 1", len(posts))
		}
		if basicUser != "edge-client" || posts[0].Get("client_secret") != "" {
			t.Fatalf("basic user = %q, form = %v", basicUser, posts[0])
		}
	})

	t.Run("public client sends client_id in form", func(t *testing.T) {
		edge := newFakeEdge(t)
		ic := edge.identityConfig()
		ic.ClientSecret = ""
		s, err := NewRedirectStrategy(context.Background(), ic, "http://gateway.test/callback", discardLogger())
		if err != nil {
			t.Fatalf("NewRedirectStrategy: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/callback?code="+edgeCode+"&state=x", nil)
		if _, err := s.Finish(req, PendingAuthorization{}); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		posts, basicUser := edge.tokenRequests()
		if len(posts) != 1 || posts[0].Get("client_id") != "edge-client" || basicUser != "" {
			t.Fatalf("posts = %v, basic user = %q", posts, basicUser)
		}
	})
}

func TestRedirectStrategyRequiresEmail(t *testing.T) {
	edge := newFakeEdge(t)
	edge.setEmail("")
	s, _ := NewRedirectStrategy(context.Background(), edge.identityConfig(), "http://gateway.test/callback", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/callback?code="+edgeCode, nil)
	if _, err := s.Finish(req, PendingAuthorization{}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestHeaderStrategyIdentify(t *testing.T) {
	s := NewHeaderStrategy(DefaultConfig().Identity, "/authorize/consent", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if _, err := s.Identify(req); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("missing header err = %v", err)
	}

	req.Header.Set("Cf-Access-Authenticated-User-Email", " Bob@Example.com ")
	user, err := s.Identify(req)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if user.Email != "bob@example.com" {
		t.Fatalf("email = %q", user.Email)
	}
}

func TestHeaderStrategyFinishRequiresSameUser(t *testing.T) {
	s := NewHeaderStrategy(DefaultConfig().Identity, "/authorize/consent", discardLogger())
	pending := PendingAuthorization{User: "bob@example.com"}

	req := httptest.NewRequest(http.MethodPost, "/authorize/consent", nil)
	req.Header.Set("Cf-Access-Authenticated-User-Email", "mallory@example.com")
	if _, err := s.Finish(req, pending); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}

	req.Header.Set("Cf-Access-Authenticated-User-Email", "bob@example.com")
	if _, err := s.Finish(req, pending); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestHeaderStrategyVerifiesAssertion(t *testing.T) {
	edge := newFakeEdge(t)
	ic := DefaultConfig().Identity
	ic.Issuer = "https://team.cloudflareaccess.com"
	ic.JWKSURL = edge.server.URL + "/jwks"
	ic.Audiences = []string{"netgate-aud"}
	s := NewHeaderStrategy(ic, "/authorize/consent", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	// The plain header is not trusted once assertions are configured.
	req.Header.Set("Cf-Access-Authenticated-User-Email", "spoofed@example.com")
	if _, err := s.Identify(req); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}

	req.Header.Set("Cf-Access-Jwt-Assertion", edge.assertion(t, "carol@example.com"))
	user, err := s.Identify(req)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if user.Email != "carol@example.com" {
		t.Fatalf("email = %q", user.Email)
	}

	req.Header.Set("Cf-Access-Jwt-Assertion", "not-a-jwt")
	if _, err := s.Identify(req); err == nil || errors.Is(err, ErrNoIdentity) {
		t.Fatalf("garbage assertion err = %v", err)
	}
}

func TestHeaderStrategyStartRendersConsent(t *testing.T) {
	s := NewHeaderStrategy(DefaultConfig().Identity, "/oauth/authorize/consent", discardLogger())
	rec := httptest.NewRecorder()
	err := s.Start(rec, httptest.NewRequest(http.MethodGet, "/", nil), PendingAuthorization{
		State:    "st<ate>",
		ClientID: "desktop",
		User:     "bob@example.com",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{`action="/oauth/authorize/consent"`, "bob@example.com", "st&lt;ate&gt;", `value="approve"`, `value="deny"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("consent page missing %q", want)
		}
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("consent page must not be framable")
	}
}

func TestBuildIdentityStrategy(t *testing.T) {
	cfg := DefaultConfig()
	s, err := BuildIdentityStrategy(context.Background(), cfg, discardLogger())
	if err != nil || s != nil {
		t.Fatalf("unconfigured mode = %v, %v", s, err)
	}

	cfg.Identity.Mode = IdentityModeHeader
	s, err = BuildIdentityStrategy(context.Background(), cfg, discardLogger())
	if err != nil || s == nil || s.Mode() != IdentityModeHeader {
		t.Fatalf("header mode = %v, %v", s, err)
	}

	edge := newFakeEdge(t)
	cfg.Identity = edge.identityConfig()
	s, err = BuildIdentityStrategy(context.Background(), cfg, discardLogger())
	if err != nil || s == nil || s.Mode() != IdentityModeRedirect {
		t.Fatalf("redirect mode = %v, %v", s, err)
	}
}
