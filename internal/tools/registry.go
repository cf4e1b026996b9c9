package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/correlation"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/sim"
)

// UnknownToolError is returned for any name outside the allow-list.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (denied by default)", e.Name)
}

// handler executes one tool against its raw JSON arguments.
type handler func(ctx context.Context, raw json.RawMessage) (interface{}, error)

// Tool describes one allow-listed operation.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`

	handle handler
}

// Deps are the collaborators the tool handlers operate on.
type Deps struct {
	Broker      broker.Adapter
	Simulator   *sim.Simulator
	Risk        *risk.Engine
	Approvals   *approval.Service
	Kill        *killswitch.Switch
	AutoApprove *approval.AutoApprovePolicy
	Audit       approval.AuditSink
	Limiter     *Limiter

	// Counters supplies the daily trade/PnL counters for risk evaluation.
	// Optional; zero counters when nil.
	Counters func() risk.DailyCounters
	// Volatility supplies per-symbol volatility metrics for R9. Optional.
	Volatility func(symbol string) *risk.VolatilityMetrics
	// Now is the evaluation clock. Optional; defaults to UTC wall time.
	Now func() time.Time
}

// Registry is the fixed allow-list of agent-facing tools. Every call is
// rate limited and audited; anything outside the list is denied.
type Registry struct {
	deps   Deps
	logger *log.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry builds the registry with the full allow-list registered.
func NewRegistry(deps Deps) *Registry {
	if deps.Limiter == nil {
		deps.Limiter = NewLimiter(DefaultRateLimitConfig())
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Counters == nil {
		deps.Counters = func() risk.DailyCounters { return risk.DailyCounters{} }
	}

	r := &Registry{
		deps:   deps,
		logger: log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
		tools:  make(map[string]*Tool),
	}

	r.register(&Tool{
		Name:        "request_approval",
		Description: "Propose an order: validate, simulate, risk-check, and queue it for human approval",
		handle:      r.requestApproval,
	})
	r.register(&Tool{
		Name:        "get_portfolio",
		Description: "Get complete portfolio snapshot including positions and cash",
		ReadOnly:    true,
		handle:      r.getPortfolio,
	})
	r.register(&Tool{
		Name:        "get_positions",
		Description: "Get list of open positions",
		ReadOnly:    true,
		handle:      r.getPositions,
	})
	r.register(&Tool{
		Name:        "get_market_snapshot",
		Description: "Get current market data for a symbol",
		ReadOnly:    true,
		handle:      r.getMarketSnapshot,
	})
	r.register(&Tool{
		Name:        "simulate_order",
		Description: "Simulate an order to estimate cash impact, fees, and slippage",
		ReadOnly:    true,
		handle:      r.simulateOrder,
	})
	r.register(&Tool{
		Name:        "evaluate_risk",
		Description: "Evaluate an order against the risk rules without creating a proposal",
		ReadOnly:    true,
		handle:      r.evaluateRisk,
	})
	r.register(&Tool{
		Name:        "list_flex_queries",
		Description: "List available broker report definitions",
		ReadOnly:    true,
		handle:      r.listFlexQueries,
	})
	r.register(&Tool{
		Name:        "run_flex_query",
		Description: "Run a broker report and return its rows",
		ReadOnly:    true,
		handle:      r.runFlexQuery,
	})

	return r
}

func (r *Registry) register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// List returns the allow-list in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// Call dispatches a tool invocation. The sequence is: allow-list check,
// rate limit, TOOL_CALLED audit, handler, TOOL_COMPLETED or TOOL_FAILED
// audit. Rejections at any stage are audited as failures.
func (r *Registry) Call(ctx context.Context, name, sessionID string, raw json.RawMessage) (interface{}, error) {
	corrID := correlation.FromContext(ctx)

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := &UnknownToolError{Name: name}
		r.auditFailure(corrID, name, sessionID, err)
		return nil, err
	}

	if err := r.deps.Limiter.Allow(name, sessionID); err != nil {
		r.auditFailure(corrID, name, sessionID, err)
		return nil, err
	}

	if _, err := r.deps.Audit.Append(audit.EventCreate{
		EventType:     audit.EventToolCalled,
		CorrelationID: corrID,
		Data: map[string]interface{}{
			"tool":       name,
			"session_id": sessionID,
			"arguments":  string(raw),
		},
	}); err != nil {
		return nil, err
	}

	result, err := tool.handle(ctx, raw)
	if err != nil {
		r.auditFailure(corrID, name, sessionID, err)
		return nil, err
	}

	if _, aerr := r.deps.Audit.Append(audit.EventCreate{
		EventType:     audit.EventToolCompleted,
		CorrelationID: corrID,
		Data: map[string]interface{}{
			"tool":       name,
			"session_id": sessionID,
		},
	}); aerr != nil {
		r.logger.Printf("failed to audit completion of %s: %v", name, aerr)
	}
	return result, nil
}

func (r *Registry) auditFailure(corrID, name, sessionID string, toolErr error) {
	if _, err := r.deps.Audit.Append(audit.EventCreate{
		EventType:     audit.EventToolFailed,
		CorrelationID: corrID,
		Data: map[string]interface{}{
			"tool":       name,
			"session_id": sessionID,
			"error":      toolErr.Error(),
		},
	}); err != nil {
		r.logger.Printf("failed to audit failure of %s: %v", name, err)
	}
}
