package stats

import (
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/risk"
)

// Observe keeps the counters in step with the audit stream. Wire it with
// store.Subscribe(collector.Observe) so every lifecycle event is counted
// exactly once, no matter which component emitted it.
func (c *Collector) Observe(ev *audit.Event) {
	switch ev.EventType {
	case audit.EventOrderProposed:
		c.RecordProposed()
	case audit.EventOrderSimulated:
		c.RecordSimulated()
	case audit.EventRiskGateEvaluated:
		decision, _ := ev.Data["decision"].(string)
		c.RecordRiskDecision(decision == string(risk.Approve), stringSlice(ev.Data["violated_rules"]))
	case audit.EventApprovalRequested:
		c.RecordApprovalRequested()
	case audit.EventApprovalGranted:
		c.RecordApprovalGranted()
	case audit.EventApprovalDenied:
		c.RecordApprovalDenied()
	case audit.EventOrderSubmitted:
		c.RecordSubmitted()
	case audit.EventOrderFilled:
		c.RecordFilled()
	case audit.EventOrderCancelled:
		c.RecordCancelled()
	case audit.EventOrderRejected:
		c.RecordBrokerRejection()
	}
}

// stringSlice tolerates both []string (in-process events) and
// []interface{} (events round-tripped through JSON).
func stringSlice(v interface{}) []string {
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
