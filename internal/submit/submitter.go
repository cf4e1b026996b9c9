// Package submit is the only path that hands an order to the broker.
// It gates on the kill switch, atomically consumes the approval token,
// submits with bounded retries, and polls the broker until a terminal
// status drives the proposal's final transition.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/killswitch"
)

// Config tunes retry and polling behavior.
type Config struct {
	// MaxRetries bounds re-submission attempts on BrokerUnavailable.
	MaxRetries uint64 `yaml:"max_retries"`
	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxPolls bounds status polling before giving up softly.
	MaxPolls int `yaml:"max_polls"`
	// PollInterval is the delay between status polls.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig retries 3 times and polls up to a minute at 1s intervals.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxPolls:       60,
		PollInterval:   time.Second,
	}
}

// SubmittedOrder describes a successfully submitted order.
type SubmittedOrder struct {
	ProposalID    string             `json:"proposal_id"`
	BrokerOrderID string             `json:"broker_order_id"`
	Status        broker.OrderStatus `json:"status"`
	Symbol        string             `json:"symbol"`
	Side          broker.OrderSide   `json:"side"`
	Quantity      decimal.Decimal    `json:"quantity"`
	OrderType     broker.OrderType   `json:"order_type"`
	LimitPrice    *decimal.Decimal   `json:"limit_price,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
}

// Submitter orchestrates token consumption, broker submission, and
// terminal-state polling.
type Submitter struct {
	approvals *approval.Service
	adapter   broker.Adapter
	kill      *killswitch.Switch
	sink      approval.AuditSink
	cfg       Config
	logger    *log.Logger
}

// NewSubmitter wires the submitter over its collaborators.
func NewSubmitter(approvals *approval.Service, adapter broker.Adapter, kill *killswitch.Switch, sink approval.AuditSink, cfg Config) *Submitter {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultConfig().MaxPolls
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	return &Submitter{
		approvals: approvals,
		adapter:   adapter,
		kill:      kill,
		sink:      sink,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[SUBMIT] ", log.LstdFlags),
	}
}

// Submit consumes the token, transitions the proposal to SUBMITTED, and
// hands the order to the broker. BrokerUnavailable is retried with
// exponential backoff; a synchronous broker rejection drives the
// proposal to REJECTED.
func (s *Submitter) Submit(ctx context.Context, proposalID, tokenID, accountID string) (*SubmittedOrder, error) {
	if err := s.kill.CheckOrRaise("submit_order"); err != nil {
		return nil, err
	}

	// Atomic with the APPROVAL_GRANTED -> SUBMITTED transition; the
	// ORDER_SUBMITTED audit event is written inside.
	p, err := s.approvals.ConsumeToken(ctx, tokenID, proposalID, accountID)
	if err != nil {
		return nil, err
	}

	ticket := p.Intent.Ticket()
	var state *broker.OrderState

	policy := backoff.WithContext(
		backoff.WithMaxRetries(s.retryBackoff(), s.cfg.MaxRetries), ctx)
	err = backoff.Retry(func() error {
		st, serr := s.adapter.SubmitOrder(ctx, ticket)
		if serr != nil {
			if errors.Is(serr, broker.ErrUnavailable) {
				s.logger.Printf("broker unavailable for proposal %s, retrying", p.ID)
				return serr
			}
			return backoff.Permanent(serr)
		}
		state = st
		return nil
	}, policy)

	if err != nil {
		var rejected *broker.RejectedError
		if errors.As(err, &rejected) {
			if _, terr := s.approvals.MarkTerminal(ctx, p.ID, approval.StateRejected, map[string]interface{}{
				"reason": rejected.Reason,
			}); terr != nil {
				s.logger.Printf("failed to record broker rejection for %s: %v", p.ID, terr)
			}
			return nil, rejected
		}
		// Token is consumed and the proposal is SUBMITTED without a
		// broker id; reconciliation picks this up.
		s.auditError(p.CorrelationID, "submit_order", err)
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	if err := s.approvals.SetBrokerOrderID(p.ID, state.BrokerOrderID); err != nil {
		s.logger.Printf("failed to record broker id %s on %s: %v", state.BrokerOrderID, p.ID, err)
	}

	if _, err := s.sink.Append(audit.EventCreate{
		EventType:     audit.EventOrderConfirmed,
		CorrelationID: p.CorrelationID,
		Data: map[string]interface{}{
			"proposal_id":     p.ID,
			"broker_order_id": state.BrokerOrderID,
			"status":          string(state.Status),
		},
	}); err != nil {
		return nil, err
	}

	s.logger.Printf("submitted proposal %s as broker order %s", p.ID, state.BrokerOrderID)
	return &SubmittedOrder{
		ProposalID:    p.ID,
		BrokerOrderID: state.BrokerOrderID,
		Status:        state.Status,
		Symbol:        p.Intent.Instrument.Symbol,
		Side:          p.Intent.Side,
		Quantity:      p.Intent.Quantity,
		OrderType:     p.Intent.OrderType,
		LimitPrice:    p.Intent.LimitPrice,
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

func (s *Submitter) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	return b
}

// PollUntilTerminal polls broker status until it is terminal or MaxPolls
// is exhausted. Each observed terminal status drives the corresponding
// proposal transition exactly once. Exhaustion without a terminal status
// is a soft failure: the last observed status is returned with no
// fabricated transition.
func (s *Submitter) PollUntilTerminal(ctx context.Context, brokerOrderID, proposalID string) (broker.OrderStatus, error) {
	var last broker.OrderStatus
	for i := 0; i < s.cfg.MaxPolls; i++ {
		state, err := s.adapter.GetOrderStatus(ctx, brokerOrderID)
		if err != nil {
			return last, err
		}
		last = state.Status
		if state.Status.IsTerminal() {
			data := map[string]interface{}{"status": string(state.Status)}
			if state.AverageFillPrice != nil {
				data["fill_price"] = state.AverageFillPrice.String()
				data["filled_quantity"] = state.FilledQuantity.String()
			}
			if state.RejectReason != "" {
				data["reason"] = state.RejectReason
			}
			if _, err := s.approvals.MarkTerminal(ctx, proposalID, terminalState(state.Status), data); err != nil {
				return last, err
			}
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	s.logger.Printf("order %s not terminal after %d polls (last=%s)", brokerOrderID, s.cfg.MaxPolls, last)
	return last, nil
}

func terminalState(status broker.OrderStatus) approval.State {
	switch status {
	case broker.StatusFilled:
		return approval.StateFilled
	case broker.StatusCancelled:
		return approval.StateCancelled
	default:
		return approval.StateRejected
	}
}

// ErrNotCancellable is returned for cancel requests against proposals
// that are not live at the broker.
var ErrNotCancellable = errors.New("submit: proposal has no live broker order")

// Cancel asks the broker to cancel a live order. Cancellation reduces
// exposure so it is allowed even while the kill switch is engaged. If
// the order filled before the cancel landed, the fill wins and the
// proposal goes to FILLED.
func (s *Submitter) Cancel(ctx context.Context, proposalID string) (*broker.OrderState, error) {
	p, err := s.approvals.Get(proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != approval.StateSubmitted || p.BrokerOrderID == "" {
		return nil, ErrNotCancellable
	}

	state, err := s.adapter.CancelOrder(ctx, p.BrokerOrderID)
	if err != nil {
		s.auditError(p.CorrelationID, "cancel_order", err)
		return nil, err
	}

	if state.Status.IsTerminal() {
		data := map[string]interface{}{"status": string(state.Status)}
		if state.AverageFillPrice != nil {
			data["fill_price"] = state.AverageFillPrice.String()
			data["filled_quantity"] = state.FilledQuantity.String()
		}
		if _, err := s.approvals.MarkTerminal(ctx, p.ID, terminalState(state.Status), data); err != nil {
			return nil, err
		}
	}

	s.logger.Printf("cancel requested for proposal %s broker order %s (status=%s)",
		p.ID, p.BrokerOrderID, state.Status)
	return state, nil
}

// Reconcile audits SUBMITTED proposals that never received a broker
// order id, e.g. after a crash between token consumption and broker
// acknowledgement. It never repairs state silently.
func (s *Submitter) Reconcile(ctx context.Context) int {
	var flagged int
	for _, p := range s.approvals.ListPending(0) {
		if p.State == approval.StateSubmitted && p.BrokerOrderID == "" {
			s.auditError(p.CorrelationID, "reconcile",
				fmt.Errorf("proposal %s is SUBMITTED with no broker order id", p.ID))
			flagged++
		}
	}
	return flagged
}

func (s *Submitter) auditError(correlationID, operation string, opErr error) {
	if _, err := s.sink.Append(audit.EventCreate{
		EventType:     audit.EventErrorOccurred,
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"operation": operation,
			"error":     opErr.Error(),
		},
	}); err != nil {
		s.logger.Printf("failed to audit error for %s: %v", operation, err)
	}
}
