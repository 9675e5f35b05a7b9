package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sawt-health/sawt/pkg/engine/calls"
	"github.com/sawt-health/sawt/pkg/engine/config"
	"github.com/sawt-health/sawt/pkg/engine/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this engine should receive new calls. A
// draining engine answers 503 so the gateway places calls elsewhere while
// in-flight surveys finish.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     *calls.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		AuthMode    string   `json:"auth_mode"`
		ActiveCalls int      `json:"active_calls"`
		MaxCalls    int      `json:"max_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	switch h.Config.AuthMode {
	case config.AuthModeSetup, config.AuthModeHeader, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode != config.AuthModeDisabled && len(h.Config.GatewayTokens) == 0 {
		issues = append(issues, "no gateway tokens configured")
	}
	if h.Config.MaxCalls <= 0 {
		issues = append(issues, "max_calls must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		AuthMode:    string(h.Config.AuthMode),
		ActiveCalls: h.Calls.Count(),
		MaxCalls:    h.Config.MaxCalls,
		Issues:      issues,
	})
}
