package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradegate/backend/internal/audit"
)

func event(t audit.EventType, data map[string]interface{}) *audit.Event {
	return &audit.Event{EventType: t, CorrelationID: "corr-1", Data: data}
}

func TestObserveCountsLifecycle(t *testing.T) {
	c := NewCollector("")

	c.Observe(event(audit.EventOrderProposed, nil))
	c.Observe(event(audit.EventRiskGateEvaluated, map[string]interface{}{
		"decision": "APPROVE",
	}))
	c.Observe(event(audit.EventRiskGateEvaluated, map[string]interface{}{
		"decision":       "REJECT",
		"violated_rules": []string{"R1"},
	}))
	c.Observe(event(audit.EventApprovalRequested, nil))
	c.Observe(event(audit.EventApprovalGranted, nil))
	c.Observe(event(audit.EventOrderSubmitted, nil))
	c.Observe(event(audit.EventOrderFilled, nil))

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.OrdersProposed)
	assert.Equal(t, int64(1), snap.RiskApproved)
	assert.Equal(t, int64(1), snap.RiskRejected)
	assert.Equal(t, int64(1), snap.RejectionsByRule["R1"])
	assert.Equal(t, int64(1), snap.ApprovalsGranted)
	assert.Equal(t, int64(1), snap.OrdersSubmitted)
	assert.Equal(t, int64(1), snap.OrdersFilled)
}

func TestObserveViolatedRulesFromJSONRoundTrip(t *testing.T) {
	c := NewCollector("")
	c.Observe(event(audit.EventRiskGateEvaluated, map[string]interface{}{
		"decision":       "REJECT",
		"violated_rules": []interface{}{"R2", "R4"},
	}))

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.RejectionsByRule["R2"])
	assert.Equal(t, int64(1), snap.RejectionsByRule["R4"])
}

func TestObserveIgnoresUnrelatedEvents(t *testing.T) {
	c := NewCollector("")
	c.Observe(event(audit.EventMarketSnapshotTaken, nil))
	c.Observe(event(audit.EventToolCalled, nil))
	assert.Equal(t, int64(0), c.Snapshot().OrdersProposed)
}

func TestObserveThroughStoreSubscription(t *testing.T) {
	store, err := audit.NewSQLiteStore(":memory:")
	assert.NoError(t, err)
	defer store.Close()

	c := NewCollector("")
	store.Subscribe(c.Observe)

	_, err = store.Append(audit.EventCreate{
		EventType:     audit.EventOrderProposed,
		CorrelationID: "corr-sub",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), c.Snapshot().OrdersProposed)
}
