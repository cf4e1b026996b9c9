package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tradegate/backend/internal/audit"
)

func TestTrackerCountsFills(t *testing.T) {
	tr := NewTracker()

	tr.RecordFill()
	tr.RecordFill()
	tr.AddPnL(decimal.NewFromInt(-125))

	c := tr.Current()
	assert.Equal(t, 2, c.TradesCount)
	assert.True(t, c.PnL.Equal(decimal.NewFromInt(-125)))
}

func TestTrackerHighWaterMarkOnlyRises(t *testing.T) {
	tr := NewTracker()

	tr.ObservePortfolioValue(decimal.NewFromInt(100_000))
	tr.ObservePortfolioValue(decimal.NewFromInt(95_000))

	assert.True(t, tr.Current().HighWaterMark.Equal(decimal.NewFromInt(100_000)))

	tr.ObservePortfolioValue(decimal.NewFromInt(110_000))
	assert.True(t, tr.Current().HighWaterMark.Equal(decimal.NewFromInt(110_000)))
}

func TestTrackerRolloverKeepsHighWaterMark(t *testing.T) {
	tr := NewTracker()
	tr.RecordFill()
	tr.AddPnL(decimal.NewFromInt(500))
	tr.ObservePortfolioValue(decimal.NewFromInt(100_000))

	tr.mu.Lock()
	tr.day = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	tr.mu.Unlock()

	c := tr.Current()
	assert.Equal(t, 0, c.TradesCount)
	assert.True(t, c.PnL.IsZero())
	assert.True(t, c.HighWaterMark.Equal(decimal.NewFromInt(100_000)))
}

func TestTrackerObserveAuditEvents(t *testing.T) {
	tr := NewTracker()

	tr.Observe(&audit.Event{
		EventType: audit.EventOrderFilled,
		Data:      map[string]interface{}{"realized_pnl": "-42.50"},
	})
	tr.Observe(&audit.Event{
		EventType: audit.EventPortfolioSnapshotTaken,
		Data:      map[string]interface{}{"total_value": "250000"},
	})
	tr.Observe(&audit.Event{
		EventType: audit.EventOrderProposed,
		Data:      map[string]interface{}{},
	})

	c := tr.Current()
	assert.Equal(t, 1, c.TradesCount)
	assert.True(t, c.PnL.Equal(decimal.RequireFromString("-42.50")))
	assert.True(t, c.HighWaterMark.Equal(decimal.NewFromInt(250000)))
}
