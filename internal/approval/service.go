package approval

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/correlation"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/sim"
)

// AuditSink is the slice of the audit store the service writes to.
type AuditSink interface {
	Append(create audit.EventCreate) (*audit.Event, error)
}

// DefaultTokenTTL bounds how long a granted approval stays usable.
const DefaultTokenTTL = 5 * time.Minute

// DefaultMaxProposals bounds the in-memory proposal store.
const DefaultMaxProposals = 1000

// Config tunes the service.
type Config struct {
	TokenTTL     time.Duration `yaml:"token_ttl"`
	MaxProposals int           `yaml:"max_proposals"`
}

// Service is the proposal store and state machine. Each proposal carries
// its own lock serializing transitions; the service-level lock guards the
// maps and makes proposal mutations visible to map-iterating readers.
// Lock order is always entry lock first, service lock second.
type Service struct {
	mu        sync.RWMutex
	proposals map[string]*entry
	tokens    map[string]*Token

	ttl          time.Duration
	maxProposals int

	audit  AuditSink
	now    func() time.Time
	logger *log.Logger
}

type entry struct {
	mu sync.Mutex
	p  *Proposal
}

// NewService builds the approval service over the given audit sink.
func NewService(sink AuditSink, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = DefaultMaxProposals
	}
	return &Service{
		proposals:    map[string]*entry{},
		tokens:       map[string]*Token{},
		ttl:          cfg.TokenTTL,
		maxProposals: cfg.MaxProposals,
		audit:        sink,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// TokenTTL returns the configured token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.ttl }

// ===== Proposal creation =====

// Store records a new proposal. The initial state follows the risk
// decision: RISK_APPROVED or the terminal RISK_REJECTED. The audit events
// are written before the proposal becomes visible.
func (s *Service) Store(ctx context.Context, intent *schema.OrderIntent, simulation *sim.Result, decision *risk.RiskDecision) (*Proposal, error) {
	now := s.now()
	p := &Proposal{
		ID:            uuid.New().String(),
		CorrelationID: correlation.FromContext(ctx),
		Intent:        intent,
		Simulation:    simulation,
		Risk:          decision,
		State:         StateRiskRejected,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if decision.IsApproved() {
		p.State = StateRiskApproved

		_, err := s.audit.Append(audit.EventCreate{
			EventType:     audit.EventOrderProposed,
			CorrelationID: p.CorrelationID,
			Data: map[string]interface{}{
				"proposal_id": p.ID,
				"account_id":  intent.AccountID,
				"symbol":      intent.Instrument.Symbol,
				"side":        string(intent.Side),
				"quantity":    intent.Quantity.String(),
				"order_type":  string(intent.OrderType),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if simulation != nil && simulation.Status == sim.StatusSuccess {
		_, err := s.audit.Append(audit.EventCreate{
			EventType:     audit.EventOrderSimulated,
			CorrelationID: p.CorrelationID,
			Data: map[string]interface{}{
				"proposal_id":        p.ID,
				"status":             string(simulation.Status),
				"gross_notional":     simulation.GrossNotional.String(),
				"estimated_fee":      simulation.EstimatedFee.String(),
				"estimated_slippage": simulation.EstimatedSlippage.String(),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	_, err := s.audit.Append(audit.EventCreate{
		EventType:     audit.EventRiskGateEvaluated,
		CorrelationID: p.CorrelationID,
		Data: map[string]interface{}{
			"proposal_id":    p.ID,
			"decision":       string(decision.Decision),
			"reason":         decision.Reason,
			"violated_rules": decision.ViolatedRules,
			"state":          string(p.State),
		},
	})
	if err != nil {
		return nil, err
	}

	// Snapshot before publication; afterwards p is only touched under
	// locks.
	snap := s.snapshot(p)

	s.mu.Lock()
	s.proposals[p.ID] = &entry{p: p}
	s.evictLocked()
	s.mu.Unlock()

	s.logger.Printf("stored proposal %s state=%s %s %s %s",
		snap.ID, snap.State, intent.Side, intent.Quantity, intent.Instrument.Symbol)
	return snap, nil
}

// evictLocked drops the oldest terminal proposal once the store exceeds
// its bound. Non-terminal proposals are never evicted.
func (s *Service) evictLocked() {
	for len(s.proposals) > s.maxProposals {
		var victim *Proposal
		for _, e := range s.proposals {
			if !e.p.State.IsTerminal() {
				continue
			}
			if victim == nil || e.p.UpdatedAt.Before(victim.UpdatedAt) {
				victim = e.p
			}
		}
		if victim == nil {
			s.logger.Printf("store over capacity (%d) with no terminal proposals to evict", len(s.proposals))
			return
		}
		delete(s.proposals, victim.ID)
		for id, tok := range s.tokens {
			if tok.ProposalID == victim.ID {
				delete(s.tokens, id)
			}
		}
	}
}

// ===== Reads =====

// Get returns a copy of the proposal, or ErrProposalNotFound.
func (s *Service) Get(proposalID string) (*Proposal, error) {
	e, err := s.entryFor(proposalID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.snapshot(e.p), nil
}

// ListPending returns non-terminal proposals, newest first, capped at
// limit (0 means no cap).
func (s *Service) ListPending(limit int) []*Proposal {
	s.mu.RLock()
	pending := make([]*Proposal, 0, len(s.proposals))
	for _, e := range s.proposals {
		if !e.p.State.IsTerminal() {
			pending = append(pending, s.snapshot(e.p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending
}

// Stats returns per-state counts.
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byState := map[string]int{}
	for _, e := range s.proposals {
		byState[string(e.p.State)]++
	}
	return map[string]interface{}{
		"total_proposals": len(s.proposals),
		"by_state":        byState,
		"active_tokens":   len(s.tokens),
	}
}

// ===== Approval flow =====

// RequestApproval moves RISK_APPROVED -> APPROVAL_REQUESTED.
func (s *Service) RequestApproval(ctx context.Context, proposalID string) (*Proposal, error) {
	e, err := s.entryFor(proposalID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.transitionLocked(e.p, StateApprovalRequested, audit.EventApprovalRequested, map[string]interface{}{
		"proposal_id": e.p.ID,
		"symbol":      e.p.Intent.Instrument.Symbol,
	}); err != nil {
		return nil, err
	}
	return s.snapshot(e.p), nil
}

// Grant moves APPROVAL_REQUESTED -> APPROVAL_GRANTED and issues a fresh
// token committing to the intent hash. Granting an already-granted
// proposal revokes the outstanding token and issues a new one without a
// state transition.
func (s *Service) Grant(ctx context.Context, proposalID, grantedBy, note string) (*Proposal, *Token, error) {
	e, err := s.entryFor(proposalID)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	regrant := e.p.State == StateApprovalGranted
	if !regrant {
		if !CanTransition(e.p.State, StateApprovalGranted) {
			ierr := &IllegalTransitionError{ProposalID: e.p.ID, From: e.p.State, To: StateApprovalGranted}
			s.auditError(e.p.CorrelationID, "grant_approval", ierr)
			return nil, nil, ierr
		}
	}

	now := s.now()
	tok := &Token{
		ID:         newTokenID(),
		ProposalID: e.p.ID,
		AccountID:  e.p.Intent.AccountID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		IntentHash: e.p.Intent.Hash(),
	}

	_, err = s.audit.Append(audit.EventCreate{
		EventType:     audit.EventApprovalGranted,
		CorrelationID: e.p.CorrelationID,
		Data: map[string]interface{}{
			"proposal_id": e.p.ID,
			"granted_by":  grantedBy,
			"note":        note,
			"token_id":    tok.ID,
			"expires_at":  tok.ExpiresAt.Format(time.RFC3339),
			"regrant":     regrant,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.revokeProposalTokensLocked(e.p.ID)
	s.tokens[tok.ID] = tok
	e.p.State = StateApprovalGranted
	e.p.ApprovedBy = grantedBy
	e.p.ApprovalNote = note
	e.p.UpdatedAt = now
	s.mu.Unlock()

	tokCopy := *tok
	return s.snapshot(e.p), &tokCopy, nil
}

// Deny moves APPROVAL_REQUESTED -> APPROVAL_DENIED. A reason is required.
// Any outstanding token is revoked.
func (s *Service) Deny(ctx context.Context, proposalID, deniedBy, reason string) (*Proposal, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	e, err := s.entryFor(proposalID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.transitionLocked(e.p, StateApprovalDenied, audit.EventApprovalDenied, map[string]interface{}{
		"proposal_id": e.p.ID,
		"denied_by":   deniedBy,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e.p.DenialReason = reason
	s.revokeProposalTokensLocked(e.p.ID)
	s.mu.Unlock()

	return s.snapshot(e.p), nil
}

// ===== Token protocol =====

// ValidateToken checks a token without consuming it. The distinct error
// values tell the failure cases apart.
func (s *Service) ValidateToken(tokenID, proposalID, accountID string) error {
	s.mu.RLock()
	tok, ok := s.tokens[tokenID]
	s.mu.RUnlock()
	if !ok {
		return ErrTokenInvalid
	}

	e, err := s.entryFor(tok.ProposalID)
	if err != nil {
		return ErrTokenInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.validateLocked(tok, e.p, proposalID, accountID)
}

func (s *Service) validateLocked(tok *Token, p *Proposal, proposalID, accountID string) error {
	if tok.Revoked || tok.ProposalID != proposalID {
		return ErrTokenInvalid
	}
	if tok.Consumed {
		return ErrTokenAlreadyConsumed
	}
	if !s.now().Before(tok.ExpiresAt) {
		return ErrTokenExpired
	}
	if p.State != StateApprovalGranted {
		return ErrTokenInvalid
	}
	if tok.AccountID != accountID {
		return ErrAccountMismatch
	}
	if p.Intent.Hash() != tok.IntentHash {
		return ErrIntentHashMismatch
	}
	return nil
}

// ConsumeToken atomically consumes the token and moves the proposal
// APPROVAL_GRANTED -> SUBMITTED. Exactly one of two concurrent consumers
// succeeds; the loser sees ErrTokenAlreadyConsumed.
func (s *Service) ConsumeToken(ctx context.Context, tokenID, proposalID, accountID string) (*Proposal, error) {
	s.mu.RLock()
	tok, ok := s.tokens[tokenID]
	s.mu.RUnlock()
	if !ok {
		s.auditError(correlation.FromContext(ctx), "consume_token", ErrTokenInvalid)
		return nil, ErrTokenInvalid
	}

	e, err := s.entryFor(tok.ProposalID)
	if err != nil {
		s.auditError(correlation.FromContext(ctx), "consume_token", ErrTokenInvalid)
		return nil, ErrTokenInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.validateLocked(tok, e.p, proposalID, accountID); err != nil {
		s.auditError(e.p.CorrelationID, "consume_token", err)
		return nil, err
	}

	now := s.now()
	_, err = s.audit.Append(audit.EventCreate{
		EventType:     audit.EventOrderSubmitted,
		CorrelationID: e.p.CorrelationID,
		Data: map[string]interface{}{
			"proposal_id": e.p.ID,
			"token_id":    tok.ID,
			"account_id":  accountID,
			"symbol":      e.p.Intent.Instrument.Symbol,
			"side":        string(e.p.Intent.Side),
			"quantity":    e.p.Intent.Quantity.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	tok.Consumed = true
	tok.ConsumedAt = &now
	e.p.State = StateSubmitted
	e.p.UpdatedAt = now
	s.mu.Unlock()
	return s.snapshot(e.p), nil
}

// ===== Broker-driven transitions =====

// SetBrokerOrderID records the broker's id on a submitted proposal.
func (s *Service) SetBrokerOrderID(proposalID, brokerOrderID string) error {
	e, err := s.entryFor(proposalID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.mu.Lock()
	e.p.BrokerOrderID = brokerOrderID
	e.p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

// terminalEvents maps broker-observed terminal states to audit events.
var terminalEvents = map[State]audit.EventType{
	StateFilled:    audit.EventOrderFilled,
	StateCancelled: audit.EventOrderCancelled,
	StateRejected:  audit.EventOrderRejected,
}

// MarkTerminal drives SUBMITTED -> FILLED/CANCELLED/REJECTED exactly once.
// A repeat observation of the same terminal status is a no-op.
func (s *Service) MarkTerminal(ctx context.Context, proposalID string, terminal State, data map[string]interface{}) (*Proposal, error) {
	eventType, ok := terminalEvents[terminal]
	if !ok {
		return nil, &IllegalTransitionError{ProposalID: proposalID, From: StateSubmitted, To: terminal}
	}
	e, err := s.entryFor(proposalID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Exactly-once: polling may observe the same terminal state twice.
	if e.p.State == terminal {
		return s.snapshot(e.p), nil
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["proposal_id"] = e.p.ID
	data["broker_order_id"] = e.p.BrokerOrderID
	if err := s.transitionLocked(e.p, terminal, eventType, data); err != nil {
		return nil, err
	}
	return s.snapshot(e.p), nil
}

// ===== Internals =====

func (s *Service) entryFor(proposalID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.proposals[proposalID]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return e, nil
}

// transitionLocked performs a legality-checked transition with its audit
// event. The caller holds the proposal lock. The state only changes after
// the audit append succeeds.
func (s *Service) transitionLocked(p *Proposal, to State, eventType audit.EventType, data map[string]interface{}) error {
	if !CanTransition(p.State, to) {
		ierr := &IllegalTransitionError{ProposalID: p.ID, From: p.State, To: to}
		s.auditError(p.CorrelationID, "transition", ierr)
		return ierr
	}
	data["from_state"] = string(p.State)
	data["to_state"] = string(to)
	_, err := s.audit.Append(audit.EventCreate{
		EventType:     eventType,
		CorrelationID: p.CorrelationID,
		Data:          data,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.State = to
	p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Service) revokeProposalTokensLocked(proposalID string) {
	for _, tok := range s.tokens {
		if tok.ProposalID == proposalID && !tok.Consumed {
			tok.Revoked = true
		}
	}
}

// auditError records a failed operation. Best effort: an audit failure on
// the error path is logged, not surfaced over the original error.
func (s *Service) auditError(correlationID, operation string, opErr error) {
	_, err := s.audit.Append(audit.EventCreate{
		EventType:     audit.EventErrorOccurred,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"operation": operation,
			"error":     opErr.Error(),
		},
	})
	if err != nil {
		s.logger.Printf("failed to audit error for %s: %v", operation, err)
	}
}

func (s *Service) snapshot(p *Proposal) *Proposal {
	cp := *p
	return &cp
}
