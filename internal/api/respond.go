package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/submit"
	"github.com/tradegate/backend/internal/tools"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError maps the error taxonomy to HTTP statuses. Callers never see
// internal detail beyond the message; context lives in the audit log
// under the request's correlation id.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	body := errorBody{Code: code, Message: err.Error()}

	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}

	writeJSON(w, status, map[string]interface{}{"error": body})
}

func classify(err error) (int, string) {
	var (
		verr     *schema.ValidationError
		argErr   *tools.ArgumentError
		itErr    *approval.IllegalTransitionError
		killErr  *killswitch.ActiveError
		toolErr  *tools.UnknownToolError
		rlErr    *tools.RateLimitError
		openErr  *tools.CircuitOpenError
		rejected *broker.RejectedError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.As(err, &argErr):
		return http.StatusUnprocessableEntity, "invalid_arguments"
	case errors.Is(err, approval.ErrReasonRequired):
		return http.StatusUnprocessableEntity, "reason_required"
	case errors.As(err, &itErr):
		return http.StatusBadRequest, "illegal_transition"
	case errors.Is(err, approval.ErrTokenInvalid):
		return http.StatusBadRequest, "token_invalid"
	case errors.Is(err, approval.ErrTokenExpired):
		return http.StatusBadRequest, "token_expired"
	case errors.Is(err, approval.ErrTokenAlreadyConsumed):
		return http.StatusBadRequest, "token_already_consumed"
	case errors.Is(err, approval.ErrIntentHashMismatch):
		return http.StatusBadRequest, "intent_hash_mismatch"
	case errors.Is(err, approval.ErrAccountMismatch):
		return http.StatusBadRequest, "account_mismatch"
	case errors.Is(err, approval.ErrProposalNotFound):
		return http.StatusNotFound, "proposal_not_found"
	case errors.Is(err, submit.ErrNotCancellable):
		return http.StatusBadRequest, "not_cancellable"
	case errors.As(err, &killErr):
		return http.StatusServiceUnavailable, "trading_halted"
	case errors.Is(err, killswitch.ErrEnvOverride):
		return http.StatusBadRequest, "env_override"
	case errors.As(err, &toolErr):
		return http.StatusNotFound, "unknown_tool"
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &openErr):
		return http.StatusTooManyRequests, "circuit_open"
	case errors.As(err, &rejected):
		return http.StatusBadRequest, "broker_rejected"
	case errors.Is(err, broker.ErrUnknownOrder):
		return http.StatusNotFound, "unknown_order"
	case errors.Is(err, broker.ErrUnavailable):
		return http.StatusBadGateway, "broker_unavailable"
	case errors.Is(err, audit.ErrPersistenceFailed):
		return http.StatusInternalServerError, "persistence_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// decodeBody rejects unknown fields so operator typos surface instead of
// being silently ignored.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": errorBody{Code: "bad_request", Message: msg},
	})
}
