package risk

import (
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/audit"
)

// Tracker maintains the daily counters the engine reads through Input:
// trade count, realized P&L, and the portfolio high-water mark. Trade
// count and P&L reset on UTC date change; the high-water mark survives
// rollover because drawdown is measured from the all-time peak.
type Tracker struct {
	mu       sync.Mutex
	day      string
	counters DailyCounters
	logger   *log.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		day:    time.Now().UTC().Format("2006-01-02"),
		logger: log.New(log.Writer(), "[RISK] ", log.LstdFlags),
	}
}

// Current returns a copy of today's counters, rolling the day over first
// if the UTC date has changed.
func (t *Tracker) Current() DailyCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	return t.counters
}

// RecordFill counts one completed trade toward today's limit.
func (t *Tracker) RecordFill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	t.counters.TradesCount++
}

// AddPnL accrues a realized profit or loss figure for today.
func (t *Tracker) AddPnL(amount decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	t.counters.PnL = t.counters.PnL.Add(amount)
}

// ObservePortfolioValue raises the high-water mark when the portfolio
// value exceeds the previous peak.
func (t *Tracker) ObservePortfolioValue(totalValue decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	if totalValue.GreaterThan(t.counters.HighWaterMark) {
		t.counters.HighWaterMark = totalValue
	}
}

// Observe derives counter updates from the audit stream. Wire it with
// store.Subscribe(tracker.Observe) alongside the stats and metrics
// observers.
func (t *Tracker) Observe(ev *audit.Event) {
	switch ev.EventType {
	case audit.EventOrderFilled:
		t.RecordFill()
		if pnl, ok := decimalField(ev.Data, "realized_pnl"); ok {
			t.AddPnL(pnl)
		}
	case audit.EventPortfolioSnapshotTaken:
		if v, ok := decimalField(ev.Data, "total_value"); ok {
			t.ObservePortfolioValue(v)
		}
	}
}

func (t *Tracker) rollover(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day == t.day {
		return
	}
	t.logger.Printf("daily counters reset: %s -> %s (trades=%d pnl=%s)",
		t.day, day, t.counters.TradesCount, t.counters.PnL)
	t.day = day
	t.counters.TradesCount = 0
	t.counters.PnL = decimal.Zero
}

func decimalField(data map[string]interface{}, key string) (decimal.Decimal, bool) {
	raw, ok := data[key]
	if !ok {
		return decimal.Zero, false
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	}
	return decimal.Zero, false
}
