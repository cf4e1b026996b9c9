package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type proposalRef struct {
	ProposalID string `json:"proposal_id"`
}

// POST /api/v1/approval/request moves a risk-approved proposal into the
// human approval queue.
func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Kill.CheckOrRaise("request_approval"); err != nil {
		writeError(w, err)
		return
	}
	var req proposalRef
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ProposalID == "" {
		badRequest(w, "proposal_id is required")
		return
	}

	p, err := s.deps.Approvals.RequestApproval(r.Context(), req.ProposalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposal": p})
}

// POST /api/v1/approval/grant issues a single-use token bound to the
// intent hash the approver saw.
func (s *Server) handleApprovalGrant(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Kill.CheckOrRaise("grant_approval"); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProposalID string `json:"proposal_id"`
		GrantedBy  string `json:"granted_by"`
		Note       string `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ProposalID == "" || req.GrantedBy == "" {
		badRequest(w, "proposal_id and granted_by are required")
		return
	}

	p, tok, err := s.deps.Approvals.Grant(r.Context(), req.ProposalID, req.GrantedBy, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposal":      p,
		"token_id":      tok.ID,
		"token_expires": tok.ExpiresAt,
	})
}

// POST /api/v1/approval/deny records a denial; the reason is mandatory.
func (s *Server) handleApprovalDeny(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		DeniedBy   string `json:"denied_by"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ProposalID == "" || req.DeniedBy == "" {
		badRequest(w, "proposal_id and denied_by are required")
		return
	}

	p, err := s.deps.Approvals.Deny(r.Context(), req.ProposalID, req.DeniedBy, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposal": p})
}

// GET /api/v1/approval/pending lists non-terminal proposals.
func (s *Server) handleApprovalPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	pending := s.deps.Approvals.ListPending(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": pending,
		"count":     len(pending),
	})
}

// GET /api/v1/approval/{proposal_id} returns one proposal.
func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Approvals.Get(mux.Vars(r)["proposal_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposal": p})
}

// POST /api/v1/orders/submit consumes the approval token and hands the
// order to the broker.
func (s *Server) handleOrderSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		TokenID    string `json:"token_id"`
		AccountID  string `json:"account_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ProposalID == "" || req.TokenID == "" || req.AccountID == "" {
		badRequest(w, "proposal_id, token_id and account_id are required")
		return
	}

	order, err := s.deps.Submitter.Submit(r.Context(), req.ProposalID, req.TokenID, req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

// POST /api/v1/orders/cancel requests cancellation of a live order.
func (s *Server) handleOrderCancel(w http.ResponseWriter, r *http.Request) {
	var req proposalRef
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ProposalID == "" {
		badRequest(w, "proposal_id is required")
		return
	}

	state, err := s.deps.Submitter.Cancel(r.Context(), req.ProposalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": state})
}
