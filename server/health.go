package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const healthProbeTimeout = 3 * time.Second

// healthStringFields are the only string-valued fields /health may emit.
var healthStringFields = map[string]bool{
	"status":    true,
	"timestamp": true,
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":                "ok",
		"timestamp":             a.Store.Now().UTC().Format(time.RFC3339),
		"identity_configured":   a.Identity != nil,
		"controller_configured": a.Controller.Configured(),
		"controller_reachable":  false,
	}
	if a.Controller.Configured() {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		err := a.Controller.Ping(ctx)
		cancel()
		payload["controller_reachable"] = err == nil
		if err != nil {
			a.Logger.Warn("controller probe failed", "error", err)
		}
	}
	if a.healthDecorate != nil {
		a.healthDecorate(payload)
	}

	if err := checkHealthPayload(payload); err != nil {
		a.Logger.Error("health payload rejected", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, payload)
}

// checkHealthPayload refuses anything but booleans, numbers and the
// whitelisted status strings.
func checkHealthPayload(payload map[string]any) error {
	for k, v := range payload {
		switch v.(type) {
		case bool, int, int64, float64, nil:
		case string:
			if !healthStringFields[k] {
				return fmt.Errorf("string field %q not allowed", k)
			}
		default:
			return fmt.Errorf("field %q has disallowed type %T", k, v)
		}
	}
	return nil
}
