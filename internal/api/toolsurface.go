package api

import (
	"encoding/json"
	"net/http"
)

// GET /api/v1/tools lists the fixed allow-list.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": list,
		"count": len(list),
	})
}

// POST /api/v1/tools/call dispatches one agent tool invocation through
// the gated registry.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool      string          `json:"tool"`
		SessionID string          `json:"session_id"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		badRequest(w, "tool is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "anonymous"
	}

	result, err := s.deps.Registry.Call(r.Context(), req.Tool, req.SessionID, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool":   req.Tool,
		"result": result,
	})
}
