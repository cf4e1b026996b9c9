package api

import (
	"net/http"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/correlation"
)

// GET /api/v1/kill-switch reports the current state.
func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": s.deps.Kill.GetState(),
	})
}

// POST /api/v1/kill-switch/activate halts all trading operations.
func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivatedBy string `json:"activated_by"`
		Reason      string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ActivatedBy == "" || req.Reason == "" {
		badRequest(w, "activated_by and reason are required")
		return
	}

	state := s.deps.Kill.Activate(req.ActivatedBy, req.Reason)

	if _, err := s.deps.Store.Append(audit.EventCreate{
		EventType:     audit.EventKillSwitchActivated,
		CorrelationID: correlation.FromContext(r.Context()),
		Data: map[string]interface{}{
			"activated_by": req.ActivatedBy,
			"reason":       req.Reason,
		},
	}); err != nil {
		// The switch is engaged regardless; surface the audit failure.
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

// POST /api/v1/kill-switch/deactivate releases the switch. Refused while
// the KILL_SWITCH_ENABLED environment override is set.
func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeactivatedBy string `json:"deactivated_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.DeactivatedBy == "" {
		badRequest(w, "deactivated_by is required")
		return
	}

	state, err := s.deps.Kill.Deactivate(req.DeactivatedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.deps.Store.Append(audit.EventCreate{
		EventType:     audit.EventKillSwitchReleased,
		CorrelationID: correlation.FromContext(r.Context()),
		Data: map[string]interface{}{
			"deactivated_by": req.DeactivatedBy,
		},
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}
