package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tradegate/backend/internal/audit"
)

// GET /api/v1/audit/events filters the audit log. Query parameters:
// correlation_id, event_type (repeatable), start, end (RFC3339), limit,
// offset.
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := audit.Query{
		CorrelationID: params.Get("correlation_id"),
	}
	for _, et := range params["event_type"] {
		q.EventTypes = append(q.EventTypes, audit.EventType(et))
	}
	if raw := params.Get("start"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "start must be RFC3339")
			return
		}
		q.StartTime = ts
	}
	if raw := params.Get("end"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "end must be RFC3339")
			return
		}
		q.EndTime = ts
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if raw := params.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "offset must be an integer")
			return
		}
		q.Offset = n
	}

	events, err := s.deps.Store.Query(q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GET /api/v1/audit/stats summarizes the audit log.
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
