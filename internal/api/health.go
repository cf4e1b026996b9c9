package api

import (
	"net/http"

	"github.com/tradegate/backend/internal/stats"
)

// GET /api/v1/health reports per-component health plus the pre-live
// readiness checklist.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{}
	healthy := true

	if _, err := s.deps.Store.Stats(); err != nil {
		components["audit_store"] = map[string]interface{}{"status": "down", "error": err.Error()}
		healthy = false
	} else {
		components["audit_store"] = map[string]interface{}{"status": "up"}
	}

	if s.deps.Adapter.IsConnected() {
		components["broker"] = map[string]interface{}{"status": "up"}
	} else {
		components["broker"] = map[string]interface{}{"status": "down"}
		healthy = false
	}

	components["kill_switch"] = map[string]interface{}{
		"status":  "up",
		"enabled": s.deps.Kill.IsEnabled(),
	}
	components["proposals"] = s.deps.Approvals.Stats()
	if s.deps.Hub != nil {
		components["audit_stream"] = s.deps.Hub.Stats()
	}

	body := map[string]interface{}{
		"status":     "ok",
		"components": components,
	}
	if !healthy {
		body["status"] = "degraded"
	}

	if s.deps.Collector != nil {
		body["statistics"] = s.deps.Collector.Summary()
		body["readiness"] = s.deps.Collector.PreLive(stats.ServiceProbes{
			AuditHealthy: func() error {
				_, err := s.deps.Store.Stats()
				return err
			},
			BrokerConnected: s.deps.Adapter.IsConnected,
			PolicyLoaded:    func() bool { return s.deps.Risk != nil },
			KillSwitch: func() error {
				s.deps.Kill.GetState()
				return nil
			},
		})
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
