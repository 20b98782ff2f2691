package mcpsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	notificationBuffer = 64
	keepAliveInterval  = 25 * time.Second
)

// TransportOptions tunes a StreamableTransport.
type TransportOptions struct {
	// ContextFunc decorates the context of every dispatched message.
	ContextFunc func(ctx context.Context, r *http.Request) context.Context
	// IdleTimeout closes the transport after this long without a POST while
	// no event stream is open. Zero disables the idle close.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// StreamableTransport carries one session over the streamable HTTP binding:
// POSTs are answered with JSON, server notifications flow over a single GET
// event stream. It is registered with the MCP server as a client session.
type StreamableTransport struct {
	id   string
	srv  *server.MCPServer
	opts TransportOptions

	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool
	streaming     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	onClose []func()
	idle    *time.Timer
}

var _ server.ClientSession = (*StreamableTransport)(nil)

// NewStreamableTransport registers a new session on srv.
func NewStreamableTransport(id string, srv *server.MCPServer, opts TransportOptions) (*StreamableTransport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &StreamableTransport{
		id:            id,
		srv:           srv,
		opts:          opts,
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		done:          make(chan struct{}),
	}
	if err := srv.RegisterSession(context.Background(), t); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	if opts.IdleTimeout > 0 {
		t.idle = time.AfterFunc(opts.IdleTimeout, func() {
			t.opts.Logger.Info("session idle", "session_id", t.id)
			_ = t.Close()
		})
	}
	return t, nil
}

// SessionID implements server.ClientSession.
func (t *StreamableTransport) SessionID() string { return t.id }

// NotificationChannel implements server.ClientSession.
func (t *StreamableTransport) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return t.notifications
}

// Initialize implements server.ClientSession.
func (t *StreamableTransport) Initialize() { t.initialized.Store(true) }

// Initialized implements server.ClientSession.
func (t *StreamableTransport) Initialized() bool { return t.initialized.Load() }

// OnClose registers fn to run once when the transport closes.
func (t *StreamableTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Close unregisters the session and fires the close callbacks. Safe to call repeatedly.
func (t *StreamableTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.srv.UnregisterSession(context.Background(), t.id)

		t.mu.Lock()
		if t.idle != nil {
			t.idle.Stop()
		}
		callbacks := t.onClose
		t.onClose = nil
		t.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	})
	return nil
}

// touch restarts the idle timer unless an event stream holds the session open.
func (t *StreamableTransport) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idle != nil && !t.streaming.Load() {
		t.idle.Reset(t.opts.IdleTimeout)
	}
}

func (t *StreamableTransport) pauseIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idle != nil {
		t.idle.Stop()
	}
}

func (t *StreamableTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *StreamableTransport) dispatchContext(r *http.Request) context.Context {
	ctx := t.srv.WithContext(r.Context(), t)
	if t.opts.ContextFunc != nil {
		ctx = t.opts.ContextFunc(ctx, r)
	}
	return ctx
}

// HandlePost dispatches one JSON-RPC message (or batch) and writes the reply.
// Notifications and responses from the client get 202 with no body.
func (t *StreamableTransport) HandlePost(w http.ResponseWriter, r *http.Request, body []byte) {
	if t.closed() {
		writeRPCError(w, http.StatusNotFound, "session not found")
		return
	}
	t.touch()
	ctx := t.dispatchContext(r)

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeRPCParseError(w)
			return
		}
		var replies []mcp.JSONRPCMessage
		for _, msg := range batch {
			if resp := t.srv.HandleMessage(ctx, msg); resp != nil {
				replies = append(replies, resp)
			}
		}
		if len(replies) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, replies)
		return
	}

	resp := t.srv.HandleMessage(ctx, trimmed)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

// HandleStream serves the server-to-client event stream. Only one stream may
// be open per session.
func (t *StreamableTransport) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if !t.streaming.CompareAndSwap(false, true) {
		writeRPCError(w, http.StatusConflict, "stream already open for session")
		return
	}
	t.pauseIdle()
	defer func() {
		t.streaming.Store(false)
		t.touch()
	}()

	w.Header().Set("Content-Type", contentTypeStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()

	for {
		select {
		case n := <-t.notifications:
			b, err := json.Marshal(n)
			if err != nil {
				t.opts.Logger.Warn("notification encode failed", "session_id", t.id, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
