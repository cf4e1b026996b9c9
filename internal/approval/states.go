// Package approval owns the proposal store, the order lifecycle state
// machine, and the single-use approval token table. Every order that
// reaches the broker passes through here: risk approval, human (or
// policy) approval, token issuance, and atomic token consumption.
package approval

import (
	"errors"
	"fmt"
)

// State is a proposal lifecycle state.
type State string

const (
	StateRiskRejected      State = "RISK_REJECTED"
	StateRiskApproved      State = "RISK_APPROVED"
	StateApprovalRequested State = "APPROVAL_REQUESTED"
	StateApprovalGranted   State = "APPROVAL_GRANTED"
	StateApprovalDenied    State = "APPROVAL_DENIED"
	StateSubmitted         State = "SUBMITTED"
	StateFilled            State = "FILLED"
	StateCancelled         State = "CANCELLED"
	StateRejected          State = "REJECTED"
)

// IsTerminal reports whether the state admits no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateRiskRejected, StateApprovalDenied, StateFilled, StateCancelled, StateRejected:
		return true
	}
	return false
}

// transitions is the legality matrix. Anything absent here fails with
// IllegalTransitionError.
var transitions = map[State]map[State]bool{
	StateRiskApproved: {
		StateApprovalRequested: true,
	},
	StateApprovalRequested: {
		StateApprovalGranted: true,
		StateApprovalDenied:  true,
	},
	StateApprovalGranted: {
		StateSubmitted: true,
	},
	StateSubmitted: {
		StateFilled:    true,
		StateCancelled: true,
		StateRejected:  true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// IllegalTransitionError reports an attempted edge outside the matrix.
type IllegalTransitionError struct {
	ProposalID string
	From, To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("approval: illegal transition %s -> %s for proposal %s", e.From, e.To, e.ProposalID)
}

// Named failures of the proposal and token operations. Each is distinct
// so callers and the HTTP layer can tell the cases apart.
var (
	ErrProposalNotFound     = errors.New("approval: proposal not found")
	ErrReasonRequired       = errors.New("approval: denial reason is required")
	ErrTokenInvalid         = errors.New("approval: token invalid")
	ErrTokenExpired         = errors.New("approval: token expired")
	ErrTokenAlreadyConsumed = errors.New("approval: token already consumed")
	ErrIntentHashMismatch   = errors.New("approval: intent hash mismatch")
	ErrAccountMismatch      = errors.New("approval: account mismatch")
)
