package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/correlation"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/sim"
)

// midSession is a Monday 16:00 UTC, inside regular market hours.
var midSession = time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

type toolFixture struct {
	store     *audit.SQLiteStore
	approvals *approval.Service
	adapter   *broker.FakeAdapter
	kill      *killswitch.Switch
	registry  *Registry
	deps      Deps
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()
	store, err := audit.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &toolFixture{
		store:     store,
		approvals: approval.NewService(store, approval.Config{}),
		adapter:   broker.NewFakeAdapter(),
		kill:      killswitch.New(filepath.Join(t.TempDir(), "ks.json")),
	}
	f.deps = Deps{
		Broker:    f.adapter,
		Simulator: sim.New(sim.DefaultConfig()),
		Risk:      risk.NewEngine(risk.DefaultLimits(), risk.DefaultTradingHours(), nil, nil),
		Approvals: f.approvals,
		Kill:      f.kill,
		Audit:     store,
		Now:       func() time.Time { return midSession },
	}
	f.registry = NewRegistry(f.deps)
	return f
}

func (f *toolFixture) eventTypes(t *testing.T, corrID string) []audit.EventType {
	t.Helper()
	events, err := f.store.Query(audit.Query{CorrelationID: corrID})
	require.NoError(t, err)
	types := make([]audit.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func TestRegistryListsAllowList(t *testing.T) {
	f := newToolFixture(t)
	names := make([]string, 0)
	for _, tool := range f.registry.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"request_approval",
		"get_portfolio",
		"get_positions",
		"get_market_snapshot",
		"simulate_order",
		"evaluate_risk",
		"list_flex_queries",
		"run_flex_query",
	}, names)
}

func TestUnknownToolDenied(t *testing.T) {
	f := newToolFixture(t)
	ctx := correlation.WithID(context.Background(), "corr-unknown")

	_, err := f.registry.Call(ctx, "delete_account", "sess-1", json.RawMessage(`{}`))
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "delete_account", unknown.Name)

	assert.Contains(t, f.eventTypes(t, "corr-unknown"), audit.EventToolFailed)
}

func TestUnknownArgumentRejected(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	_, err := f.registry.Call(ctx, "get_portfolio", "sess-1",
		json.RawMessage(`{"account_id":"DU123456","admin":true}`))
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "get_portfolio", argErr.Tool)
}

func TestGetPortfolio(t *testing.T) {
	f := newToolFixture(t)
	ctx := correlation.WithID(context.Background(), "corr-pf")

	result, err := f.registry.Call(ctx, "get_portfolio", "sess-1",
		json.RawMessage(`{"account_id":"DU123456"}`))
	require.NoError(t, err)

	portfolio, ok := result.(*broker.Portfolio)
	require.True(t, ok)
	assert.Equal(t, "DU123456", portfolio.AccountID)

	types := f.eventTypes(t, "corr-pf")
	assert.Contains(t, types, audit.EventToolCalled)
	assert.Contains(t, types, audit.EventPortfolioSnapshotTaken)
	assert.Contains(t, types, audit.EventToolCompleted)
}

func TestGetMarketSnapshot(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "get_market_snapshot", "sess-1",
		json.RawMessage(`{"symbol":"aapl"}`))
	require.NoError(t, err)

	snap, ok := result.(*broker.MarketSnapshot)
	require.True(t, ok)
	price, ok := snap.Price()
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("150.00")))
}

func TestSimulateOrder(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "simulate_order", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"LMT","limit_price":"150.00","market_price":"150.00"}`))
	require.NoError(t, err)

	simRes, ok := result.(*sim.Result)
	require.True(t, ok)
	assert.Equal(t, sim.StatusSuccess, simRes.Status)
	assert.True(t, simRes.GrossNotional.Equal(decimal.RequireFromString("1500.00")))
}

func TestEvaluateRisk(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "evaluate_risk", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"LMT","limit_price":"150.00","market_price":"150.00"}`))
	require.NoError(t, err)

	decision, ok := result.(*risk.RiskDecision)
	require.True(t, ok)
	assert.True(t, decision.IsApproved())
}

func TestRequestApprovalQueuesProposal(t *testing.T) {
	f := newToolFixture(t)
	ctx := correlation.WithID(context.Background(), "corr-ra")

	result, err := f.registry.Call(ctx, "request_approval", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"LMT","limit_price":"150.00","market_price":"150.00","reason":"Portfolio rebalancing to target allocation"}`))
	require.NoError(t, err)

	ra, ok := result.(*RequestApprovalResult)
	require.True(t, ok)
	assert.Equal(t, string(approval.StateApprovalRequested), ra.State)
	assert.True(t, ra.RiskDecision.IsApproved())
	assert.False(t, ra.AutoApproved)
	assert.Empty(t, ra.TokenID)

	p, err := f.approvals.Get(ra.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApprovalRequested, p.State)

	types := f.eventTypes(t, "corr-ra")
	assert.Contains(t, types, audit.EventOrderProposed)
	assert.Contains(t, types, audit.EventOrderSimulated)
	assert.Contains(t, types, audit.EventRiskGateEvaluated)
	assert.Contains(t, types, audit.EventApprovalRequested)
}

func TestRequestApprovalRiskRejected(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "request_approval", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"TSLA","side":"BUY","quantity":"200","order_type":"MKT","market_price":"300.00","reason":"Momentum entry on breakout signal"}`))
	require.NoError(t, err)

	ra, ok := result.(*RequestApprovalResult)
	require.True(t, ok)
	assert.Equal(t, string(approval.StateRiskRejected), ra.State)
	assert.True(t, ra.RiskDecision.IsRejected())
	assert.Contains(t, ra.RiskDecision.ViolatedRules, "R1")
	assert.Contains(t, ra.RiskDecision.Reason, "Notional $60,000.00 exceeds limit $50,000.00")
}

func TestRequestApprovalBlockedByKillSwitch(t *testing.T) {
	f := newToolFixture(t)
	ctx := correlation.WithID(context.Background(), "corr-kill")
	f.kill.Activate("admin", "halt")

	_, err := f.registry.Call(ctx, "request_approval", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"LMT","limit_price":"150.00","market_price":"150.00","reason":"Portfolio rebalancing to target allocation"}`))
	var active *killswitch.ActiveError
	require.ErrorAs(t, err, &active)

	assert.Contains(t, f.eventTypes(t, "corr-kill"), audit.EventToolFailed)
}

func TestRequestApprovalAutoApproved(t *testing.T) {
	f := newToolFixture(t)
	f.deps.AutoApprove = &approval.AutoApprovePolicy{
		Enabled:           true,
		MaxNotional:       decimal.NewFromInt(5000),
		AllowedOrderTypes: []string{"LMT"},
	}
	f.registry = NewRegistry(f.deps)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "request_approval", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"LMT","limit_price":"150.00","market_price":"150.00","reason":"Portfolio rebalancing to target allocation"}`))
	require.NoError(t, err)

	ra, ok := result.(*RequestApprovalResult)
	require.True(t, ok)
	assert.Equal(t, string(approval.StateApprovalGranted), ra.State)
	assert.True(t, ra.AutoApproved)
	assert.NotEmpty(t, ra.TokenID)
	require.NotNil(t, ra.TokenExpires)

	p, err := f.approvals.Get(ra.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApprovalGranted, p.State)
	assert.Equal(t, approval.GrantedBy, p.ApprovedBy)
}

func TestRequestApprovalInvalidIntent(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	// Reason too short to pass intent validation.
	_, err := f.registry.Call(ctx, "request_approval", "sess-1", json.RawMessage(
		`{"account_id":"DU123456","symbol":"AAPL","side":"BUY","quantity":"10","order_type":"MKT","market_price":"150.00","reason":"short"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")
}

func TestListFlexQueries(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "list_flex_queries", "sess-1", nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, m["count"])
}

func TestRunFlexQuery(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	result, err := f.registry.Call(ctx, "run_flex_query", "sess-1",
		json.RawMessage(`{"query_id":"trades_daily"}`))
	require.NoError(t, err)

	report, ok := result.(*broker.FlexReport)
	require.True(t, ok)
	assert.Equal(t, "trades_daily", report.QueryID)

	_, err = f.registry.Call(ctx, "run_flex_query", "sess-1", json.RawMessage(`{}`))
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestRateLimitedCallIsAuditedAsFailure(t *testing.T) {
	f := newToolFixture(t)
	cfg := DefaultRateLimitConfig()
	cfg.ToolCallsPerMinute = 1
	f.deps.Limiter = NewLimiter(cfg)
	f.registry = NewRegistry(f.deps)
	ctx := correlation.WithID(context.Background(), "corr-rl")

	_, err := f.registry.Call(ctx, "get_positions", "sess-1",
		json.RawMessage(`{"account_id":"DU123456"}`))
	require.NoError(t, err)

	_, err = f.registry.Call(ctx, "get_positions", "sess-1",
		json.RawMessage(`{"account_id":"DU123456"}`))
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)

	assert.Contains(t, f.eventTypes(t, "corr-rl"), audit.EventToolFailed)
}
