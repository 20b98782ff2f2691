package controller

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"meta": map[string]string{"rc": "ok"},
		"data": data,
	})
}

func TestNewWithoutURLIsNotConfigured(t *testing.T) {
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.False(t, c.Configured())

	ctx := context.Background()
	_, err = c.ListClients(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.ListDevices(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.Health(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.Events(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, c.Ping(ctx), ErrNotConfigured)
	assert.ErrorIs(t, c.BlockClient(context.Background(), "aa:bb:cc:dd:ee:ff"), ErrNotConfigured)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{URL: "https://unifi.local"}, testLogger())
	require.Error(t, err)

	_, err = New(Config{URL: "ftp://unifi.local", APIKey: "k"}, testLogger())
	require.Error(t, err)
}

func TestListClientsMapsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/proxy/network/api/s/home/stat/sta", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-API-KEY"))
		writeEnvelope(w, []map[string]any{
			{"mac": "AA:BB:CC:00:00:01", "hostname": "laptop", "ip": "10.0.0.5", "essid": "home", "signal": -52, "rx_bytes": 100, "tx_bytes": 200, "uptime": 3600, "last_seen": 1700000000},
			{"mac": "aa:bb:cc:00:00:02", "name": "NAS", "last_ip": "10.0.0.9", "is_wired": true, "signal": -10, "wired-rx_bytes": 5},
		})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "secret-key", Site: "home", UniFiOS: true}, testLogger())
	require.NoError(t, err)

	clients, err := c.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 2)

	assert.Equal(t, "aa:bb:cc:00:00:01", clients[0].MAC)
	assert.Equal(t, "laptop", clients[0].Name)
	assert.Equal(t, "home", clients[0].Network)
	assert.Equal(t, -52, clients[0].Signal)
	assert.Equal(t, int64(3600), clients[0].Uptime)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), clients[0].LastSeen)

	assert.Equal(t, "NAS", clients[1].Name)
	assert.Equal(t, "10.0.0.9", clients[1].IP)
	assert.True(t, clients[1].Wired)
	assert.Zero(t, clients[1].Signal)
	assert.Equal(t, int64(5), clients[1].RxBytes)
}

func TestListDevicesMapsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/s/default/stat/device", r.URL.Path)
		writeEnvelope(w, []map[string]any{
			{"mac": "F0:9F:C2:00:00:01", "model": "U6LR", "type": "uap", "state": 1, "adopted": true, "num_sta": 7},
			{"mac": "f0:9f:c2:00:00:02", "name": "core-switch", "state": 42},
		})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k"}, testLogger())
	require.NoError(t, err)

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "U6LR", devices[0].Name)
	assert.Equal(t, "connected", devices[0].State)
	assert.Equal(t, 7, devices[0].Clients)
	assert.Equal(t, "unknown", devices[1].State)
}

func TestActionsPostCommands(t *testing.T) {
	var got []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["path"] = r.URL.Path
		got = append(got, body)
		writeEnvelope(w, []any{})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k"}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.BlockClient(ctx, "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, c.UnblockClient(ctx, "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, c.ReconnectClient(ctx, "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, c.RestartDevice(ctx, "11:22:33:44:55:66"))

	require.Len(t, got, 4)
	assert.Equal(t, "block-sta", got[0]["cmd"])
	assert.Equal(t, "/api/s/default/cmd/stamgr", got[0]["path"])
	assert.Equal(t, "unblock-sta", got[1]["cmd"])
	assert.Equal(t, "kick-sta", got[2]["cmd"])
	assert.Equal(t, "restart", got[3]["cmd"])
	assert.Equal(t, "/api/s/default/cmd/devmgr", got[3]["path"])
}

func TestSessionLoginAndRelogin(t *testing.T) {
	var logins atomic.Int32
	var reads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			logins.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "s", Path: "/"})
			writeEnvelope(w, []any{})
		case "/api/s/default/stat/health":
			if reads.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, err := r.Cookie("unifises")
			assert.NoError(t, err)
			writeEnvelope(w, []map[string]any{{"subsystem": "wlan", "status": "ok", "num_user": 3, "num_adopted": 2}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Username: "admin", Password: "pw"}, testLogger())
	require.NoError(t, err)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, "wlan", health[0].Name)
	assert.Equal(t, 3, health[0].Users)
	assert.Equal(t, 2, health[0].Devices)
	assert.Equal(t, int32(2), logins.Load())
}

func TestErrorEnvelopeAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/s/default/stat/event" {
			_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]string{"rc": "error", "msg": "api.err.NoSiteContext"}})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k"}, testLogger())
	require.NoError(t, err)

	_, err = c.Events(context.Background(), 10)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "api.err.NoSiteContext", statusErr.Message)

	_, err = c.ListDevices(context.Background())
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestEventsMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("_limit"))
		writeEnvelope(w, []map[string]any{
			{"key": "EVT_WU_Connected", "msg": "User connected", "subsystem": "wlan", "user": "AA:BB:CC:DD:EE:FF", "time": 1700000000000},
			{"key": "EVT_SW_Restarted", "message": "Switch restarted", "datetime": "2024-01-02T03:04:05Z"},
			{"key": "x"}, {"key": "y"},
		})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k"}, testLogger())
	require.NoError(t, err)

	events, err := c.Events(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", events[0].Client)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), events[0].Time)
	assert.Equal(t, "Switch restarted", events[1].Message)
	assert.Equal(t, 2024, events[1].Time.Year())
}
