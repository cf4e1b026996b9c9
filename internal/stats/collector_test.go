package stats

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSummary(t *testing.T) {
	c := NewCollector("")

	c.RecordProposed()
	c.RecordProposed()
	c.RecordSimulated()
	c.RecordRiskDecision(true, nil)
	c.RecordRiskDecision(false, []string{"R1", "R4"})
	c.RecordApprovalRequested()
	c.RecordApprovalGranted()
	c.RecordSubmitted()
	c.RecordFilled()

	summary := c.Summary()
	assert.Equal(t, int64(2), summary["orders_proposed"])
	assert.Equal(t, int64(1), summary["risk_approved"])
	assert.Equal(t, int64(1), summary["risk_rejected"])
	assert.Equal(t, 0.5, summary["reject_rate"])
	assert.Equal(t, 1.0, summary["success_rate"])

	byRule := summary["rejections_by_rule"].(map[string]int64)
	assert.Equal(t, int64(1), byRule["R1"])
	assert.Equal(t, int64(1), byRule["R4"])
}

func TestSummaryRatesWithNoActivity(t *testing.T) {
	c := NewCollector("")
	summary := c.Summary()
	assert.Equal(t, 0.0, summary["reject_rate"])
	assert.Equal(t, 0.0, summary["success_rate"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	c := NewCollector(path)
	c.RecordProposed()
	c.RecordSubmitted()
	c.RecordRiskDecision(false, []string{"R2"})
	require.NoError(t, c.Save())

	restored := NewCollector(path)
	snap := restored.Snapshot()
	assert.Equal(t, int64(1), snap.OrdersProposed)
	assert.Equal(t, int64(1), snap.OrdersSubmitted)
	assert.Equal(t, int64(1), snap.RejectionsByRule["R2"])
}

func TestCorruptSnapshotStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := NewCollector(path)
	assert.Equal(t, int64(0), c.Snapshot().OrdersProposed)
}

func TestSaveWithoutPathIsNoop(t *testing.T) {
	c := NewCollector("")
	c.RecordProposed()
	require.NoError(t, c.Save())
}

func healthyProbes() ServiceProbes {
	return ServiceProbes{
		AuditHealthy:    func() error { return nil },
		BrokerConnected: func() bool { return true },
		PolicyLoaded:    func() bool { return true },
		KillSwitch:      func() error { return nil },
	}
}

func TestPreLiveNotReadyBelowThresholds(t *testing.T) {
	c := NewCollector("")
	checklist := c.PreLive(healthyProbes())

	assert.False(t, checklist.ReadyForLive)

	byName := make(map[string]CheckResult)
	for _, check := range checklist.Checks {
		byName[check.Name] = check
	}
	assert.Equal(t, CheckFail, byName["orders_simulated"].Status)
	assert.Equal(t, CheckFail, byName["orders_submitted"].Status)
	assert.Equal(t, CheckPass, byName["audit_store"].Status)
	assert.Equal(t, CheckPass, byName["unintended_orders"].Status)
}

func TestPreLiveReadyAtThresholds(t *testing.T) {
	c := NewCollector("")
	for i := 0; i < MinOrdersSimulated; i++ {
		c.RecordSimulated()
		c.RecordRiskDecision(true, nil)
	}
	for i := 0; i < MinOrdersSubmitted; i++ {
		c.RecordSubmitted()
	}

	checklist := c.PreLive(healthyProbes())
	assert.True(t, checklist.ReadyForLive)
	assert.Equal(t, checklist.ChecksTotal, checklist.ChecksPassed)
}

func TestPreLiveUnintendedOrderBlocks(t *testing.T) {
	c := NewCollector("")
	for i := 0; i < MinOrdersSimulated; i++ {
		c.RecordSimulated()
	}
	for i := 0; i < MinOrdersSubmitted; i++ {
		c.RecordSubmitted()
	}
	c.RecordUnintended()

	checklist := c.PreLive(healthyProbes())
	assert.False(t, checklist.ReadyForLive)
}

func TestPreLiveFailingProbeBlocks(t *testing.T) {
	c := NewCollector("")
	probes := healthyProbes()
	probes.AuditHealthy = func() error { return errors.New("database is locked") }

	checklist := c.PreLive(probes)
	assert.False(t, checklist.ReadyForLive)
}

func TestPreLiveHighRejectRateWarnsWithoutBlocking(t *testing.T) {
	c := NewCollector("")
	for i := 0; i < MinOrdersSimulated; i++ {
		c.RecordSimulated()
	}
	for i := 0; i < MinOrdersSubmitted; i++ {
		c.RecordSubmitted()
	}
	for i := 0; i < 10; i++ {
		c.RecordRiskDecision(false, []string{"R1"})
	}

	checklist := c.PreLive(healthyProbes())
	assert.True(t, checklist.ReadyForLive)

	for _, check := range checklist.Checks {
		if check.Name == "reject_rate" {
			assert.Equal(t, CheckFail, check.Status)
			assert.Equal(t, SeverityWarning, check.Severity)
		}
	}
}
