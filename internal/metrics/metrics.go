// Package metrics holds the Prometheus instrumentation for the order
// gateway: decision counters, lifecycle transitions, token outcomes, and
// latency histograms for the hot paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Proposal pipeline
	RiskDecisions    *prometheus.CounterVec
	RiskViolations   *prometheus.CounterVec
	RiskEvalDuration prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	ProposalsInStore prometheus.Gauge

	// Approval tokens
	TokensIssued  prometheus.Counter
	TokenOutcomes *prometheus.CounterVec

	// Broker path
	BrokerSubmissions *prometheus.CounterVec
	OrderPollCycles   prometheus.Counter

	// Audit and safety
	AuditAppendDuration prometheus.Histogram
	KillSwitchEnabled   prometheus.Gauge

	// Agent tool surface
	ToolCalls *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RiskDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_risk_decisions_total",
				Help: "Risk gate decisions by outcome",
			},
			[]string{"decision"}, // decision: APPROVE, REJECT, MANUAL_REVIEW
		),

		RiskViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_risk_violations_total",
				Help: "Individual rule violations observed by the risk gate",
			},
			[]string{"rule"},
		),

		RiskEvalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_risk_eval_duration_seconds",
				Help:    "Duration of one risk evaluation",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),

		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proposal_transitions_total",
				Help: "Proposal lifecycle transitions",
			},
			[]string{"from", "to"},
		),

		ProposalsInStore: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_proposals_in_store",
				Help: "Proposals currently held by the approval service",
			},
		),

		TokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_approval_tokens_issued_total",
				Help: "Approval tokens issued to operators",
			},
		),

		TokenOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_approval_token_outcomes_total",
				Help: "Terminal outcomes of approval tokens",
			},
			[]string{"outcome"}, // outcome: consumed, expired, replayed, mismatch, revoked
		),

		BrokerSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_broker_submissions_total",
				Help: "Order submissions handed to the broker adapter",
			},
			[]string{"result"}, // result: accepted, rejected, unavailable
		),

		OrderPollCycles: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_order_poll_cycles_total",
				Help: "Status poll cycles against the broker",
			},
		),

		AuditAppendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_audit_append_duration_seconds",
				Help:    "Duration of one audit event append",
				Buckets: prometheus.DefBuckets,
			},
		),

		KillSwitchEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_kill_switch_enabled",
				Help: "Whether the kill switch is active (1) or not (0)",
			},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_calls_total",
				Help: "Agent tool invocations by outcome",
			},
			[]string{"tool", "status"}, // status: completed, failed, rate_limited
		),
	}
}

// ObserveRiskEval records the latency of one risk evaluation.
func (m *Metrics) ObserveRiskEval(duration time.Duration) {
	m.RiskEvalDuration.Observe(duration.Seconds())
}

// RecordTransition records a proposal lifecycle transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordTokenIssued counts a newly granted approval token.
func (m *Metrics) RecordTokenIssued() {
	m.TokensIssued.Inc()
}

// RecordTokenOutcome counts a token's terminal outcome.
func (m *Metrics) RecordTokenOutcome(outcome string) {
	m.TokenOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSubmission records a broker submission result.
func (m *Metrics) RecordSubmission(result string) {
	m.BrokerSubmissions.WithLabelValues(result).Inc()
}

// ObserveAuditAppend records the latency of one audit write.
func (m *Metrics) ObserveAuditAppend(duration time.Duration) {
	m.AuditAppendDuration.Observe(duration.Seconds())
}

// SetKillSwitch mirrors the kill-switch state into the gauge.
func (m *Metrics) SetKillSwitch(enabled bool) {
	if enabled {
		m.KillSwitchEnabled.Set(1)
	} else {
		m.KillSwitchEnabled.Set(0)
	}
}

// RecordToolCall counts one agent tool invocation.
func (m *Metrics) RecordToolCall(tool, status string) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}
