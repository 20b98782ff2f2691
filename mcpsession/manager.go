// Package mcpsession multiplexes MCP protocol sessions over one HTTP endpoint.
//
// A session is created by an "initialize" POST, addressed afterwards through
// the Mcp-Session-Id header, and removed on DELETE or when its transport
// reports closure.
package mcpsession

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HeaderSessionID carries the session identifier on every request after initialize.
const HeaderSessionID = "Mcp-Session-Id"

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	maxBodyBytes      = 4 << 20
)

// Transport is the per-session protocol transport. The manager treats it as
// opaque: it only forwards requests and listens for closure.
type Transport interface {
	SessionID() string
	HandlePost(w http.ResponseWriter, r *http.Request, body []byte)
	HandleStream(w http.ResponseWriter, r *http.Request)
	OnClose(fn func())
	Close() error
}

// TransportFactory builds the transport for a freshly minted session id.
type TransportFactory func(id string) (Transport, error)

// Session is one live protocol session.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time
	transport Transport
}

// Options configures a Manager.
type Options struct {
	NewTransport TransportFactory
	// Identify returns the authenticated user for a request. Sessions are
	// bound to the user that created them.
	Identify func(*http.Request) string
	Logger   *slog.Logger
	NewID    func() string
}

// Manager owns the session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	newTransport TransportFactory
	identify     func(*http.Request) string
	newID        func() string
	logger       *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		newTransport: opts.NewTransport,
		identify:     opts.Identify,
		newID:        opts.NewID,
		logger:       opts.Logger,
	}
	if m.identify == nil {
		m.identify = func(*http.Request) string { return "" }
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// ServeHTTP routes GET, POST and DELETE on the protocol endpoint.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.handlePost(w, r)
	case http.MethodGet:
		m.handleGet(w, r)
	case http.MethodDelete:
		m.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (m *Manager) handlePost(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeJSON) && !accepts(r, contentTypeStream) {
		writeRPCError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != contentTypeJSON {
			writeRPCError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeRPCError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	isInit, err := isInitialize(body)
	if err != nil {
		writeRPCParseError(w)
		return
	}

	if isInit {
		sess, err := m.create(r)
		if err != nil {
			m.logger.Error("session create failed", "error", err)
			writeRPCError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		w.Header().Set(HeaderSessionID, sess.ID)
		sess.transport.HandlePost(w, r, body)
		return
	}

	sess, ok := m.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set(HeaderSessionID, sess.ID)
	sess.transport.HandlePost(w, r, body)
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeStream) {
		writeRPCError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}
	sess, ok := m.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set(HeaderSessionID, sess.ID)
	sess.transport.HandleStream(w, r)
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.lookup(w, r)
	if !ok {
		return
	}
	m.Close(sess.ID)
	m.logger.Info("session terminated", "session_id", sess.ID, "user", sess.User)
	w.WriteHeader(http.StatusOK)
}

// lookup resolves the session named by the request header, writing 400/404 on failure.
func (m *Manager) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
		return nil, false
	}
	sess, ok := m.Get(id)
	if !ok || sess.User != m.identify(r) {
		writeRPCError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (m *Manager) create(r *http.Request) (*Session, error) {
	id := m.newID()
	t, err := m.newTransport(id)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:        id,
		User:      m.identify(r),
		CreatedAt: time.Now(),
		transport: t,
	}
	t.OnClose(func() { m.remove(id) })

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "user", sess.User)
	return sess, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close terminates one session. It reports whether the session existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := sess.transport.Close(); err != nil {
		m.logger.Warn("session close failed", "session_id", id, "error", err)
	}
	return true
}

// CloseAll terminates every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		if err := s.transport.Close(); err != nil {
			m.logger.Warn("session close failed", "session_id", s.ID, "error", err)
		}
	}
	if len(all) > 0 {
		m.logger.Info("sessions closed", "count", len(all))
	}
}

// isInitialize reports whether body is an initialize request, or a batch containing one.
func isInitialize(body []byte) (bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false, io.ErrUnexpectedEOF
	}
	type probe struct {
		Method string `json:"method"`
	}
	if trimmed[0] == '[' {
		var batch []probe
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return false, err
		}
		for _, p := range batch {
			if p.Method == "initialize" {
				return true, nil
			}
		}
		return false, nil
	}
	var p probe
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return false, err
	}
	return p.Method == "initialize", nil
}

// accepts reports whether the Accept header admits mediaType.
func accepts(r *http.Request, mediaType string) bool {
	major := mediaType[:strings.Index(mediaType, "/")]
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == mediaType || mt == "*/*" || mt == major+"/*" {
			return true
		}
	}
	return false
}

func writeRPCError(w http.ResponseWriter, status int, msg string) {
	writeRPC(w, status, -32000, msg)
}

func writeRPCParseError(w http.ResponseWriter) {
	writeRPC(w, http.StatusBadRequest, -32700, "parse error")
}

func writeRPC(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error":   map[string]any{"code": code, "message": msg},
	})
}
