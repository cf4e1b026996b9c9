package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tradegate/backend/internal/audit"
)

func auditEvent(t audit.EventType, data map[string]interface{}) *audit.Event {
	return &audit.Event{EventType: t, CorrelationID: "corr-1", Data: data}
}

func TestObserveLifecycleTransitions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(auditEvent(audit.EventApprovalGranted, nil))
	m.Observe(auditEvent(audit.EventOrderSubmitted, nil))
	m.Observe(auditEvent(audit.EventOrderFilled, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.StateTransitions.WithLabelValues("APPROVAL_REQUESTED", "APPROVAL_GRANTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.StateTransitions.WithLabelValues("APPROVAL_GRANTED", "SUBMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenOutcomes.WithLabelValues("consumed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerSubmissions.WithLabelValues("accepted")))
}

func TestObserveRiskDecisions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(auditEvent(audit.EventRiskGateEvaluated, map[string]interface{}{
		"decision":       "REJECT",
		"violated_rules": []interface{}{"R1", "R3"},
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskDecisions.WithLabelValues("REJECT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskViolations.WithLabelValues("R1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskViolations.WithLabelValues("R3")))
}

func TestObserveKillSwitchAndTools(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(auditEvent(audit.EventKillSwitchActivated, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KillSwitchEnabled))
	m.Observe(auditEvent(audit.EventKillSwitchReleased, nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.KillSwitchEnabled))

	m.Observe(auditEvent(audit.EventToolCompleted, map[string]interface{}{"tool": "get_portfolio"}))
	m.Observe(auditEvent(audit.EventToolFailed, map[string]interface{}{"tool": "request_approval"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("get_portfolio", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("request_approval", "failed")))
}
