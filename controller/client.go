// Package controller is a thin authenticated client for the local network
// controller API. It fetches clients, devices, health and events, maps the
// controller's field names into stable records and posts management actions.
package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned by every call on a client built without a controller URL.
var ErrNotConfigured = errors.New("network controller not configured")

const defaultTimeout = 15 * time.Second

// Config describes how to reach and authenticate against the controller.
type Config struct {
	URL                string
	APIKey             string
	Username           string
	Password           string
	Site               string
	UniFiOS            bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// StatusError reports a non-2xx answer from the controller.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("controller %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("controller %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client talks to the controller. A nil *Client is valid and reports ErrNotConfigured.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	loggedIn bool
	csrf     string
}

// New builds a client. An empty URL yields (nil, nil) so callers can keep a
// typed nil and surface ErrNotConfigured at call time.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("controller url must be http or https, got %q", cfg.URL)
	}
	if cfg.APIKey == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("controller requires api_key or username and password")
	}
	if cfg.Site == "" {
		cfg.Site = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Transport: newTransport(cfg),
			Timeout:   cfg.Timeout,
			Jar:       jar,
		},
		logger: logger,
	}, nil
}

func newTransport(cfg Config) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Appliances ship with self-signed certificates.
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// Configured reports whether the client can reach a controller.
func (c *Client) Configured() bool {
	return c != nil
}

// Ping performs a cheap authenticated read to confirm the controller answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// ListClients returns the currently connected stations.
func (c *Client) ListClients(ctx context.Context) ([]NetworkClient, error) {
	var raw []map[string]any
	if err := c.get(ctx, "/stat/sta", &raw); err != nil {
		return nil, err
	}
	out := make([]NetworkClient, 0, len(raw))
	for _, m := range raw {
		out = append(out, mapClient(m))
	}
	return out, nil
}

// ListDevices returns adopted network devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var raw []map[string]any
	if err := c.get(ctx, "/stat/device", &raw); err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(raw))
	for _, m := range raw {
		out = append(out, mapDevice(m))
	}
	return out, nil
}

// Health returns per-subsystem health.
func (c *Client) Health(ctx context.Context) ([]Subsystem, error) {
	var raw []map[string]any
	if err := c.get(ctx, "/stat/health", &raw); err != nil {
		return nil, err
	}
	out := make([]Subsystem, 0, len(raw))
	for _, m := range raw {
		out = append(out, mapSubsystem(m))
	}
	return out, nil
}

// Events returns the most recent controller events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	path := fmt.Sprintf("/stat/event?_limit=%d&_sort=-time", limit)
	var raw []map[string]any
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}
	out := make([]Event, 0, len(raw))
	for _, m := range raw {
		out = append(out, mapEvent(m))
	}
	return out, nil
}

// BlockClient prevents the station from joining the network.
func (c *Client) BlockClient(ctx context.Context, mac string) error {
	return c.command(ctx, "/cmd/stamgr", "block-sta", mac)
}

// UnblockClient lifts a previous block.
func (c *Client) UnblockClient(ctx context.Context, mac string) error {
	return c.command(ctx, "/cmd/stamgr", "unblock-sta", mac)
}

// ReconnectClient forces the station to reassociate.
func (c *Client) ReconnectClient(ctx context.Context, mac string) error {
	return c.command(ctx, "/cmd/stamgr", "kick-sta", mac)
}

// RestartDevice reboots an adopted device.
func (c *Client) RestartDevice(ctx context.Context, mac string) error {
	return c.command(ctx, "/cmd/devmgr", "restart", mac)
}

func (c *Client) command(ctx context.Context, path, cmd, mac string) error {
	if c == nil {
		return ErrNotConfigured
	}
	body := map[string]string{"cmd": cmd, "mac": mac}
	if err := c.do(ctx, http.MethodPost, c.sitePath(path), body, nil); err != nil {
		return err
	}
	c.logger.Info("controller.action", "cmd", cmd, "mac", mac)
	return nil
}

// get reads a site-relative path.
func (c *Client) get(ctx context.Context, path string, out any) error {
	if c == nil {
		return ErrNotConfigured
	}
	return c.do(ctx, http.MethodGet, c.sitePath(path), nil, out)
}

func (c *Client) sitePath(p string) string {
	return c.prefix() + "/api/s/" + url.PathEscape(c.cfg.Site) + p
}

func (c *Client) prefix() string {
	if c.cfg.UniFiOS {
		return "/proxy/network"
	}
	return ""
}

// envelope is the controller's standard response wrapper.
type envelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.usesSession() {
		drain(resp)
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		if err := c.ensureLogin(ctx); err != nil {
			return err
		}
		if resp, err = c.send(ctx, method, path, body); err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) && out == nil {
			return nil
		}
		return fmt.Errorf("decode controller response: %w", err)
	}
	if env.Meta.RC != "" && env.Meta.RC != "ok" {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: env.Meta.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode controller data: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode controller request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create controller request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}
	c.mu.Lock()
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controller %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) usesSession() bool {
	return c.cfg.APIKey == ""
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if !c.usesSession() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	path := "/api/login"
	if c.cfg.UniFiOS {
		path = "/api/auth/login"
	}
	buf, err := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller login: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodPost, Path: path, StatusCode: resp.StatusCode, Message: "login failed"}
	}
	c.csrf = resp.Header.Get("X-CSRF-Token")
	c.loggedIn = true
	c.logger.Debug("controller.login", "unifi_os", c.cfg.UniFiOS)
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
