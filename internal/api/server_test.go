package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/sim"
	"github.com/tradegate/backend/internal/stats"
	"github.com/tradegate/backend/internal/submit"
	"github.com/tradegate/backend/internal/tools"
	"github.com/tradegate/backend/internal/websocket"
)

type apiFixture struct {
	store     *audit.SQLiteStore
	approvals *approval.Service
	adapter   *broker.FakeAdapter
	kill      *killswitch.Switch
	collector *stats.Collector
	srv       *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := audit.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter := broker.NewFakeAdapter()
	adapter.FillAfterPolls = 5
	require.NoError(t, adapter.Connect(context.Background()))
	kill := killswitch.New(filepath.Join(t.TempDir(), "ks.json"))
	approvals := approval.NewService(store, approval.Config{})
	simulator := sim.New(sim.DefaultConfig())
	engine := risk.NewEngine(risk.DefaultLimits(), risk.DefaultTradingHours(), nil, nil)

	subCfg := submit.DefaultConfig()
	subCfg.PollInterval = time.Millisecond
	submitter := submit.NewSubmitter(approvals, adapter, kill, store, subCfg)

	registry := tools.NewRegistry(tools.Deps{
		Broker:    adapter,
		Simulator: simulator,
		Risk:      engine,
		Approvals: approvals,
		Kill:      kill,
		Audit:     store,
		Now:       func() time.Time { return time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC) },
	})

	collector := stats.NewCollector("")
	store.Subscribe(collector.Observe)

	server := NewServer(Deps{
		Simulator: simulator,
		Risk:      engine,
		Approvals: approvals,
		Submitter: submitter,
		Adapter:   adapter,
		Kill:      kill,
		Store:     store,
		Registry:  registry,
		Collector: collector,
		Hub:       websocket.NewHub(),
		Gatherer:  prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{
		store:     store,
		approvals: approvals,
		adapter:   adapter,
		kill:      kill,
		collector: collector,
		srv:       srv,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), string(data))
	}
	return resp, decoded
}

func testIntent() *schema.OrderIntent {
	limit := decimal.RequireFromString("150.00")
	return &schema.OrderIntent{
		AccountID:   "DU123456",
		Instrument:  broker.Instrument{Type: broker.InstrumentStock, Symbol: "AAPL", Currency: "USD"},
		Side:        broker.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   broker.OrderLimit,
		LimitPrice:  &limit,
		TimeInForce: broker.TIFDay,
		Reason:      "Portfolio rebalancing to target allocation",
		StrategyTag: "test",
	}
}

func TestRootLivenessEchoesCorrelationID(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "GET", "/", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "order-gateway", body["service"])
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestCorrelationIDIsPreserved(t *testing.T) {
	f := newAPIFixture(t)
	req, err := http.NewRequest("GET", f.srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "corr-fixed")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "corr-fixed", resp.Header.Get("X-Correlation-ID"))
}

func TestProposeValidIntent(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "POST", "/api/v1/propose", map[string]interface{}{
		"intent": testIntent(),
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.NotEmpty(t, body["intent_hash"])
}

func TestProposeValidationFailure(t *testing.T) {
	f := newAPIFixture(t)
	intent := testIntent()
	intent.Reason = "short"
	resp, body := f.request(t, "POST", "/api/v1/propose", map[string]interface{}{
		"intent": intent,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "validation_failed", errBody["code"])
	assert.Contains(t, errBody["fields"], "reason")
}

func TestProposeBlockedByKillSwitch(t *testing.T) {
	f := newAPIFixture(t)
	f.kill.Activate("ops", "volatility halt")

	resp, body := f.request(t, "POST", "/api/v1/propose", map[string]interface{}{
		"intent": testIntent(),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "trading_halted", errBody["code"])
}

func TestSimulateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "POST", "/api/v1/simulate", map[string]interface{}{
		"intent":       testIntent(),
		"market_price": "150.00",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	simBody := body["simulation"].(map[string]interface{})
	assert.Equal(t, "SUCCESS", simBody["status"])
	assert.Equal(t, "1500", simBody["gross_notional"])
}

func TestRiskEvaluateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "POST", "/api/v1/risk/evaluate", map[string]interface{}{
		"intent":       testIntent(),
		"market_price": "150.00",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decision := body["decision"].(map[string]interface{})
	assert.Contains(t, []interface{}{"APPROVE", "REJECT", "MANUAL_REVIEW"}, decision["decision"])
	assert.Contains(t, body, "simulation")
}

func storedProposal(t *testing.T, f *apiFixture) *approval.Proposal {
	t.Helper()
	dec := &risk.RiskDecision{Decision: risk.Approve, Reason: "ok",
		ViolatedRules: []string{}, Warnings: []string{}, Metrics: map[string]interface{}{}}
	simRes := &sim.Result{Status: sim.StatusSuccess, GrossNotional: decimal.RequireFromString("1500.00")}
	p, err := f.approvals.Store(context.Background(), testIntent(), simRes, dec)
	require.NoError(t, err)
	return p
}

func TestApprovalAndSubmitFlow(t *testing.T) {
	f := newAPIFixture(t)
	p := storedProposal(t, f)

	resp, _ := f.request(t, "POST", "/api/v1/approval/request", map[string]interface{}{
		"proposal_id": p.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.request(t, "POST", "/api/v1/approval/grant", map[string]interface{}{
		"proposal_id": p.ID,
		"granted_by":  "operator",
		"note":        "looks fine",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokenID := body["token_id"].(string)
	require.NotEmpty(t, tokenID)

	// Denying a granted proposal is an illegal transition.
	resp, body = f.request(t, "POST", "/api/v1/approval/deny", map[string]interface{}{
		"proposal_id": p.ID,
		"denied_by":   "operator",
		"reason":      "changed my mind",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "illegal_transition", body["error"].(map[string]interface{})["code"])

	resp, body = f.request(t, "POST", "/api/v1/orders/submit", map[string]interface{}{
		"proposal_id": p.ID,
		"token_id":    tokenID,
		"account_id":  "DU123456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	order := body["order"].(map[string]interface{})
	assert.NotEmpty(t, order["broker_order_id"])

	// Token replay is refused.
	resp, body = f.request(t, "POST", "/api/v1/orders/submit", map[string]interface{}{
		"proposal_id": p.ID,
		"token_id":    tokenID,
		"account_id":  "DU123456",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "token_already_consumed", body["error"].(map[string]interface{})["code"])
}

func TestOrderCancelFlow(t *testing.T) {
	f := newAPIFixture(t)
	p := storedProposal(t, f)

	resp, _ := f.request(t, "POST", "/api/v1/approval/request", map[string]interface{}{"proposal_id": p.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := f.request(t, "POST", "/api/v1/approval/grant", map[string]interface{}{
		"proposal_id": p.ID, "granted_by": "operator",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokenID := body["token_id"].(string)

	resp, _ = f.request(t, "POST", "/api/v1/orders/submit", map[string]interface{}{
		"proposal_id": p.ID, "token_id": tokenID, "account_id": "DU123456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.request(t, "POST", "/api/v1/orders/cancel", map[string]interface{}{
		"proposal_id": p.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	order := body["order"].(map[string]interface{})
	assert.Equal(t, "CANCELLED", order["status"])

	got, err := f.approvals.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateCancelled, got.State)
}

func TestApprovalPendingList(t *testing.T) {
	f := newAPIFixture(t)
	p := storedProposal(t, f)

	resp, body := f.request(t, "GET", "/api/v1/approval/pending", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = f.request(t, "GET", "/api/v1/approval/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	proposal := body["proposal"].(map[string]interface{})
	assert.Equal(t, p.ID, proposal["id"])
}

func TestApprovalUnknownProposal(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "POST", "/api/v1/approval/request", map[string]interface{}{
		"proposal_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "proposal_not_found", body["error"].(map[string]interface{})["code"])
}

func TestKillSwitchEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, "POST", "/api/v1/kill-switch/activate", map[string]interface{}{
		"activated_by": "ops",
		"reason":       "unexpected agent behavior",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := body["state"].(map[string]interface{})
	assert.Equal(t, true, state["enabled"])

	events, err := f.store.Query(audit.Query{
		EventTypes: []audit.EventType{audit.EventKillSwitchActivated},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	resp, _ = f.request(t, "GET", "/api/v1/kill-switch", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.request(t, "POST", "/api/v1/kill-switch/deactivate", map[string]interface{}{
		"deactivated_by": "ops",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = body["state"].(map[string]interface{})
	assert.Equal(t, false, state["enabled"])
}

func TestAuditEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Append(audit.EventCreate{
		EventType:     audit.EventOrderProposed,
		CorrelationID: "corr-query",
	})
	require.NoError(t, err)

	resp, body := f.request(t, "GET", "/api/v1/audit/events?correlation_id=corr-query", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = f.request(t, "GET", "/api/v1/audit/events?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "GET", "/api/v1/audit/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "total_events")
}

func TestToolDispatch(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, "GET", "/api/v1/tools", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(8), body["count"])

	resp, body = f.request(t, "POST", "/api/v1/tools/call", map[string]interface{}{
		"tool":       "get_portfolio",
		"session_id": "sess-1",
		"arguments":  map[string]interface{}{"account_id": "DU123456"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "DU123456", result["account_id"])

	resp, body = f.request(t, "POST", "/api/v1/tools/call", map[string]interface{}{
		"tool": "delete_all_orders",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_tool", body["error"].(map[string]interface{})["code"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, "GET", "/api/v1/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Contains(t, components, "audit_store")
	assert.Contains(t, components, "broker")
	readiness := body["readiness"].(map[string]interface{})
	assert.Equal(t, false, readiness["ready_for_live"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/v1/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
