package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps the process-lifetime authorization tables. Each table
// has its own lock; entries are expiry-checked on every read and swept
// periodically by SweepExpired.
type InMemoryStore struct {
	now func() time.Time

	pendingMu sync.Mutex
	pending   map[string]PendingAuthorization

	codesMu sync.Mutex
	codes   map[string]AuthorizationCode

	accessMu sync.Mutex
	access   map[string]AccessToken

	refreshMu sync.Mutex
	refresh   map[string]RefreshToken
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:     time.Now,
		pending: make(map[string]PendingAuthorization),
		codes:   make(map[string]AuthorizationCode),
		access:  make(map[string]AccessToken),
		refresh: make(map[string]RefreshToken),
	}
}

// Now returns the store clock.
func (s *InMemoryStore) Now() time.Time { return s.now() }

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// NewToken generates a 256-bit URL-safe secret for codes, tokens and state.
func (s *InMemoryStore) NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// SavePending stores a pending authorization under its state token.
func (s *InMemoryStore) SavePending(p PendingAuthorization) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[p.State] = p
}

// ConsumePending fetches and removes a pending authorization. The record is
// removed whether or not it is still valid.
func (s *InMemoryStore) ConsumePending(state string) (PendingAuthorization, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(s.pending, state)
	if !s.now().Before(p.ExpiresAt) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// SaveCode persists an authorization code.
func (s *InMemoryStore) SaveCode(c AuthorizationCode) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	s.codes[c.Code] = c
}

// ConsumeCode fetches and removes an authorization code. Expired codes are
// purged and reported as absent.
func (s *InMemoryStore) ConsumeCode(code string) (AuthorizationCode, bool) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.codes, code)
	if !s.now().Before(c.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return c, true
}

// SaveAccessToken stores an access token.
func (s *InMemoryStore) SaveAccessToken(t AccessToken) {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	s.access[t.Token] = t
}

// LookupAccessToken returns a live access token. An expired token is evicted.
func (s *InMemoryStore) LookupAccessToken(token string) (AccessToken, bool) {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	t, ok := s.access[token]
	if !ok {
		return AccessToken{}, false
	}
	if !s.now().Before(t.ExpiresAt) {
		delete(s.access, token)
		return AccessToken{}, false
	}
	return t, true
}

// SaveRefreshToken stores a refresh token.
func (s *InMemoryStore) SaveRefreshToken(t RefreshToken) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.refresh[t.Token] = t
}

// ConsumeRefreshToken fetches and removes a refresh token.
func (s *InMemoryStore) ConsumeRefreshToken(token string) (RefreshToken, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	t, ok := s.refresh[token]
	if !ok {
		return RefreshToken{}, false
	}
	delete(s.refresh, token)
	if !s.now().Before(t.ExpiresAt) {
		return RefreshToken{}, false
	}
	return t, true
}

// SweepExpired drops every expired entry and returns how many were removed.
func (s *InMemoryStore) SweepExpired() int {
	now := s.now()
	removed := 0

	s.pendingMu.Lock()
	for k, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			delete(s.pending, k)
			removed++
		}
	}
	s.pendingMu.Unlock()

	s.codesMu.Lock()
	for k, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, k)
			removed++
		}
	}
	s.codesMu.Unlock()

	s.accessMu.Lock()
	for k, t := range s.access {
		if !now.Before(t.ExpiresAt) {
			delete(s.access, k)
			removed++
		}
	}
	s.accessMu.Unlock()

	s.refreshMu.Lock()
	for k, t := range s.refresh {
		if !now.Before(t.ExpiresAt) {
			delete(s.refresh, k)
			removed++
		}
	}
	s.refreshMu.Unlock()

	return removed
}

// Counts reports table sizes: pending, codes, access tokens, refresh tokens.
func (s *InMemoryStore) Counts() (pending, codes, access, refresh int) {
	s.pendingMu.Lock()
	pending = len(s.pending)
	s.pendingMu.Unlock()
	s.codesMu.Lock()
	codes = len(s.codes)
	s.codesMu.Unlock()
	s.accessMu.Lock()
	access = len(s.access)
	s.accessMu.Unlock()
	s.refreshMu.Lock()
	refresh = len(s.refresh)
	s.refreshMu.Unlock()
	return
}
