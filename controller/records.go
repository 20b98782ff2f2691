package controller

import (
	"encoding/json"
	"strings"
	"time"
)

// NetworkClient is a connected station.
type NetworkClient struct {
	MAC      string    `json:"mac"`
	Name     string    `json:"name"`
	Hostname string    `json:"hostname,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Network  string    `json:"network,omitempty"`
	Wired    bool      `json:"wired"`
	Signal   int       `json:"signal_dbm,omitempty"`
	RxBytes  int64     `json:"rx_bytes"`
	TxBytes  int64     `json:"tx_bytes"`
	Uptime   int64     `json:"uptime_seconds"`
	Blocked  bool      `json:"blocked"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Device is an adopted switch, access point or gateway.
type Device struct {
	MAC     string `json:"mac"`
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Type    string `json:"type,omitempty"`
	IP      string `json:"ip,omitempty"`
	Version string `json:"version,omitempty"`
	State   string `json:"state"`
	Adopted bool   `json:"adopted"`
	Uptime  int64  `json:"uptime_seconds"`
	Clients int    `json:"clients"`
}

// Subsystem is one row of controller health.
type Subsystem struct {
	Name    string `json:"subsystem"`
	Status  string `json:"status"`
	Users   int    `json:"users"`
	Guests  int    `json:"guests"`
	Devices int    `json:"devices"`
	WANIP   string `json:"wan_ip,omitempty"`
}

// Event is a controller log entry.
type Event struct {
	Key       string    `json:"key"`
	Message   string    `json:"message"`
	Subsystem string    `json:"subsystem,omitempty"`
	Client    string    `json:"client,omitempty"`
	Device    string    `json:"device,omitempty"`
	Time      time.Time `json:"time"`
}

var deviceStates = map[int]string{
	0:  "disconnected",
	1:  "connected",
	2:  "pending",
	4:  "upgrading",
	5:  "provisioning",
	6:  "heartbeat_missed",
	7:  "adopting",
	9:  "adoption_failed",
	10: "isolated",
	11: "isolated",
}

func mapClient(m map[string]any) NetworkClient {
	hostname := str(m, "hostname")
	c := NetworkClient{
		MAC:      strings.ToLower(str(m, "mac")),
		Name:     firstNonEmpty(str(m, "name", "display_name"), hostname, str(m, "oui")),
		Hostname: hostname,
		IP:       str(m, "ip", "last_ip", "fixed_ip"),
		Network:  str(m, "network", "essid", "last_connection_network_name"),
		Wired:    boolean(m, "is_wired", "wired"),
		Signal:   int(num(m, "signal", "rssi")),
		RxBytes:  int64(num(m, "rx_bytes", "wired-rx_bytes")),
		TxBytes:  int64(num(m, "tx_bytes", "wired-tx_bytes")),
		Uptime:   int64(num(m, "uptime", "_uptime_by_uap", "_uptime_by_usw")),
		Blocked:  boolean(m, "blocked"),
	}
	if ts := int64(num(m, "last_seen")); ts > 0 {
		c.LastSeen = time.Unix(ts, 0).UTC()
	}
	if c.Wired {
		c.Signal = 0
	}
	return c
}

func mapDevice(m map[string]any) Device {
	state, ok := deviceStates[int(num(m, "state"))]
	if !ok {
		state = "unknown"
	}
	return Device{
		MAC:     strings.ToLower(str(m, "mac")),
		Name:    firstNonEmpty(str(m, "name"), str(m, "model"), str(m, "mac")),
		Model:   str(m, "model", "model_name"),
		Type:    str(m, "type"),
		IP:      str(m, "ip"),
		Version: str(m, "version", "firmware_version"),
		State:   state,
		Adopted: boolean(m, "adopted"),
		Uptime:  int64(num(m, "uptime")),
		Clients: int(num(m, "num_sta", "user-num_sta")),
	}
}

func mapSubsystem(m map[string]any) Subsystem {
	return Subsystem{
		Name:    str(m, "subsystem"),
		Status:  firstNonEmpty(str(m, "status"), "unknown"),
		Users:   int(num(m, "num_user")),
		Guests:  int(num(m, "num_guest")),
		Devices: int(num(m, "num_adopted", "num_ap", "num_sw", "num_gw")),
		WANIP:   str(m, "wan_ip"),
	}
}

func mapEvent(m map[string]any) Event {
	e := Event{
		Key:       str(m, "key"),
		Message:   str(m, "msg", "message"),
		Subsystem: str(m, "subsystem"),
		Client:    strings.ToLower(str(m, "user", "guest", "client")),
		Device:    strings.ToLower(str(m, "ap", "sw", "gw", "device")),
	}
	if ms := int64(num(m, "time")); ms > 0 {
		e.Time = time.UnixMilli(ms).UTC()
	} else if dt := str(m, "datetime"); dt != "" {
		if t, err := time.Parse(time.RFC3339, dt); err == nil {
			e.Time = t.UTC()
		}
	}
	return e
}

// str returns the first non-empty string value found under keys.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return 0
}

func boolean(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
