package metrics

import (
	"github.com/tradegate/backend/internal/audit"
)

// lifecycleEdges maps an audit event to the proposal transition it
// records. Risk outcomes are labeled directly off the decision payload.
var lifecycleEdges = map[audit.EventType][2]string{
	audit.EventApprovalRequested: {"RISK_APPROVED", "APPROVAL_REQUESTED"},
	audit.EventApprovalGranted:   {"APPROVAL_REQUESTED", "APPROVAL_GRANTED"},
	audit.EventApprovalDenied:    {"APPROVAL_REQUESTED", "APPROVAL_DENIED"},
	audit.EventOrderSubmitted:    {"APPROVAL_GRANTED", "SUBMITTED"},
	audit.EventOrderFilled:       {"SUBMITTED", "FILLED"},
	audit.EventOrderCancelled:    {"SUBMITTED", "CANCELLED"},
	audit.EventOrderRejected:     {"SUBMITTED", "REJECTED"},
}

// Observe derives metrics from the audit stream. Wire it with
// store.Subscribe(m.Observe); the audit log is the single source of
// truth, so counting off it keeps metrics and audit consistent.
func (m *Metrics) Observe(ev *audit.Event) {
	if edge, ok := lifecycleEdges[ev.EventType]; ok {
		m.RecordTransition(edge[0], edge[1])
	}

	switch ev.EventType {
	case audit.EventRiskGateEvaluated:
		if decision, ok := ev.Data["decision"].(string); ok {
			m.RiskDecisions.WithLabelValues(decision).Inc()
		}
		for _, rule := range ruleList(ev.Data["violated_rules"]) {
			m.RiskViolations.WithLabelValues(rule).Inc()
		}
	case audit.EventApprovalGranted:
		m.RecordTokenIssued()
	case audit.EventOrderSubmitted:
		m.RecordTokenOutcome("consumed")
		m.RecordSubmission("accepted")
	case audit.EventOrderRejected:
		m.RecordSubmission("rejected")
	case audit.EventKillSwitchActivated:
		m.SetKillSwitch(true)
	case audit.EventKillSwitchReleased:
		m.SetKillSwitch(false)
	case audit.EventToolCompleted:
		if tool, ok := ev.Data["tool"].(string); ok {
			m.RecordToolCall(tool, "completed")
		}
	case audit.EventToolFailed:
		if tool, ok := ev.Data["tool"].(string); ok {
			m.RecordToolCall(tool, "failed")
		}
	}
}

func ruleList(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
