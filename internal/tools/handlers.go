package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/correlation"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/schema"
)

func (p *parsedOrder) intent(reason, strategyTag string) *schema.OrderIntent {
	return &schema.OrderIntent{
		AccountID: p.AccountID,
		Instrument: broker.Instrument{
			Type:     broker.InstrumentStock,
			Symbol:   p.Symbol,
			Exchange: "SMART",
			Currency: "USD",
		},
		Side:        broker.OrderSide(p.Side),
		Quantity:    p.Quantity,
		OrderType:   broker.OrderType(p.OrderType),
		LimitPrice:  p.LimitPrice,
		StopPrice:   p.StopPrice,
		TimeInForce: broker.TimeInForce(p.TimeInForce),
		Reason:      reason,
		StrategyTag: strategyTag,
	}
}

// riskInput assembles the evaluation input, pulling daily volume from
// market data when available.
func (r *Registry) riskInput(ctx context.Context, intent *schema.OrderIntent, portfolio *broker.Portfolio) risk.Input {
	in := risk.Input{
		Intent:      intent,
		Portfolio:   portfolio,
		CurrentTime: r.deps.Now(),
		Counters:    r.deps.Counters(),
	}
	if r.deps.Volatility != nil {
		in.Volatility = r.deps.Volatility(intent.Instrument.Symbol)
	}
	if snap, err := r.deps.Broker.GetMarketSnapshot(ctx, intent.Instrument); err == nil && snap.Volume > 0 {
		v := snap.Volume
		in.DailyVolume = &v
	}
	return in
}

// RequestApprovalResult is returned to the agent by request_approval.
type RequestApprovalResult struct {
	ProposalID   string             `json:"proposal_id"`
	State        string             `json:"state"`
	RiskDecision *risk.RiskDecision `json:"risk_decision"`
	Simulation   interface{}        `json:"simulation"`
	AutoApproved bool               `json:"auto_approved"`
	TokenID      string             `json:"token_id,omitempty"`
	TokenExpires *time.Time         `json:"token_expires_at,omitempty"`
}

// requestApproval is the single gated write tool: validate, simulate,
// risk-check, store the proposal, and queue it for a human. Small orders
// inside the auto-approval policy are granted immediately.
func (r *Registry) requestApproval(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args requestApprovalArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "request_approval", Err: err}
	}
	if err := r.deps.Kill.CheckOrRaise("request_approval"); err != nil {
		return nil, err
	}
	po, err := args.parse()
	if err != nil {
		return nil, &ArgumentError{Tool: "request_approval", Err: err}
	}

	tag := args.StrategyTag
	if tag == "" {
		tag = "agent"
	}
	intent := po.intent(args.Reason, tag)
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	portfolio, err := r.deps.Broker.GetPortfolio(ctx, po.AccountID)
	if err != nil {
		return nil, err
	}

	simRes := r.deps.Simulator.Simulate(intent, portfolio, po.MarketPrice)
	in := r.riskInput(ctx, intent, portfolio)
	in.Simulation = &simRes
	decision := r.deps.Risk.Evaluate(in)

	p, err := r.deps.Approvals.Store(ctx, intent, &simRes, decision)
	if err != nil {
		return nil, err
	}

	result := &RequestApprovalResult{
		ProposalID:   p.ID,
		State:        string(p.State),
		RiskDecision: decision,
		Simulation:   &simRes,
	}
	if !decision.IsApproved() {
		return result, nil
	}

	p, err = r.deps.Approvals.RequestApproval(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	result.State = string(p.State)

	if ok, _ := r.deps.AutoApprove.Evaluate(intent, &simRes); ok {
		granted, tok, gerr := r.deps.Approvals.Grant(ctx, p.ID, approval.GrantedBy, "within auto-approval policy")
		if gerr != nil {
			r.logger.Printf("auto-approval of %s failed: %v", p.ID, gerr)
			return result, nil
		}
		result.State = string(granted.State)
		result.AutoApproved = true
		result.TokenID = tok.ID
		exp := tok.ExpiresAt
		result.TokenExpires = &exp
	}
	return result, nil
}

func (r *Registry) getPortfolio(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args accountArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "get_portfolio", Err: err}
	}
	if err := args.validate(); err != nil {
		return nil, &ArgumentError{Tool: "get_portfolio", Err: err}
	}

	portfolio, err := r.deps.Broker.GetPortfolio(ctx, args.AccountID)
	if err != nil {
		return nil, err
	}
	if _, err := r.deps.Audit.Append(audit.EventCreate{
		EventType:     audit.EventPortfolioSnapshotTaken,
		CorrelationID: correlation.FromContext(ctx),
		Data: map[string]interface{}{
			"account_id":  portfolio.AccountID,
			"total_value": portfolio.TotalValue.String(),
			"positions":   len(portfolio.Positions),
		},
	}); err != nil {
		r.logger.Printf("failed to audit portfolio snapshot: %v", err)
	}
	return portfolio, nil
}

func (r *Registry) getPositions(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args accountArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "get_positions", Err: err}
	}
	if err := args.validate(); err != nil {
		return nil, &ArgumentError{Tool: "get_positions", Err: err}
	}

	portfolio, err := r.deps.Broker.GetPortfolio(ctx, args.AccountID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"positions": portfolio.Positions,
		"count":     len(portfolio.Positions),
	}, nil
}

func (r *Registry) getMarketSnapshot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args marketSnapshotArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "get_market_snapshot", Err: err}
	}
	if err := args.validate(); err != nil {
		return nil, &ArgumentError{Tool: "get_market_snapshot", Err: err}
	}

	snap, err := r.deps.Broker.GetMarketSnapshot(ctx, broker.Instrument{
		Type:     broker.InstrumentStock,
		Symbol:   args.Symbol,
		Currency: "USD",
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.deps.Audit.Append(audit.EventCreate{
		EventType:     audit.EventMarketSnapshotTaken,
		CorrelationID: correlation.FromContext(ctx),
		Data: map[string]interface{}{
			"symbol": args.Symbol,
			"volume": snap.Volume,
		},
	}); err != nil {
		r.logger.Printf("failed to audit market snapshot: %v", err)
	}
	return snap, nil
}

func (r *Registry) simulateOrder(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args orderArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "simulate_order", Err: err}
	}
	po, err := args.parse()
	if err != nil {
		return nil, &ArgumentError{Tool: "simulate_order", Err: err}
	}

	intent := po.intent("Pre-trade simulation request", "tools")
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	portfolio, err := r.deps.Broker.GetPortfolio(ctx, po.AccountID)
	if err != nil {
		return nil, err
	}
	simRes := r.deps.Simulator.Simulate(intent, portfolio, po.MarketPrice)
	return &simRes, nil
}

func (r *Registry) evaluateRisk(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args orderArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "evaluate_risk", Err: err}
	}
	po, err := args.parse()
	if err != nil {
		return nil, &ArgumentError{Tool: "evaluate_risk", Err: err}
	}

	intent := po.intent("Pre-trade risk evaluation", "tools")
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	portfolio, err := r.deps.Broker.GetPortfolio(ctx, po.AccountID)
	if err != nil {
		return nil, err
	}
	simRes := r.deps.Simulator.Simulate(intent, portfolio, po.MarketPrice)
	in := r.riskInput(ctx, intent, portfolio)
	in.Simulation = &simRes
	return r.deps.Risk.Evaluate(in), nil
}

func (r *Registry) listFlexQueries(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args listFlexQueriesArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "list_flex_queries", Err: err}
	}

	queries, err := r.deps.Broker.ListFlexQueries(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"queries": queries,
		"count":   len(queries),
	}, nil
}

func (r *Registry) runFlexQuery(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args flexQueryArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, &ArgumentError{Tool: "run_flex_query", Err: err}
	}
	if err := args.validate(); err != nil {
		return nil, &ArgumentError{Tool: "run_flex_query", Err: err}
	}

	return r.deps.Broker.RunFlexQuery(ctx, args.QueryID)
}
