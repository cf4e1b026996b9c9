package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/broker"
)

func advancedEngine() *Engine {
	adv := NewAdvancedEngine(DefaultAdvancedLimits(), DefaultTradingHours())
	return NewEngine(DefaultLimits(), DefaultTradingHours(), nil, adv)
}

func floatPtr(v float64) *float64 { return &v }

func TestR9VolatilityRejectionWithSuggestedSize(t *testing.T) {
	e := advancedEngine()
	// 30000 x 0.50 / 100000 x 100 = 15% > 2% budget.
	dec := e.Evaluate(Input{
		Intent:      intent("GME", broker.SideBuy, 100),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("30000.00"),
		CurrentTime: midSession,
		Volatility:  &VolatilityMetrics{SymbolVolatility: floatPtr(0.50)},
	})

	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.ViolatedRules, "R9")
	assert.Contains(t, dec.Reason, "Position risk 15.00% exceeds limit 2.00%")
	assert.Contains(t, dec.Reason, "Suggested max size: $4,000")
	assert.InDelta(t, 4000.0, dec.Metrics["suggested_position_size"].(float64), 0.01)
	assert.InDelta(t, 15.0, dec.Metrics["position_risk_pct"].(float64), 0.001)
}

func TestR9BetaFallback(t *testing.T) {
	e := advancedEngine()
	// effective vol = 2.0 x 0.20 = 0.40; risk = 10000x0.4/100000x100 = 4% > 2%.
	dec := e.Evaluate(Input{
		Intent:      intent("TSLA", broker.SideBuy, 10),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("10000.00"),
		CurrentTime: midSession,
		Volatility:  &VolatilityMetrics{Beta: floatPtr(2.0), MarketVolatility: floatPtr(0.20)},
	})
	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.ViolatedRules, "R9")
}

func TestR9AbsoluteSizeBoundsCheckedFirst(t *testing.T) {
	e := advancedEngine()
	// 50 gross is below the $100 minimum, regardless of volatility.
	dec := e.Evaluate(Input{
		Intent:      intent("AAPL", broker.SideBuy, 1),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("50.00"),
		CurrentTime: midSession,
		Volatility:  &VolatilityMetrics{SymbolVolatility: floatPtr(0.01)},
	})
	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.Reason, "below minimum $100.00")
}

func TestR9SkippedWithoutVolatilityData(t *testing.T) {
	e := advancedEngine()
	dec := e.Evaluate(Input{
		Intent:      intent("AAPL", broker.SideBuy, 10),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("1500.00"),
		CurrentTime: midSession,
		Volatility:  &VolatilityMetrics{},
	})
	assert.Equal(t, Approve, dec.Decision)
	assert.Equal(t, false, dec.Metrics["volatility_available"])
}

func TestR11DrawdownHalt(t *testing.T) {
	e := advancedEngine()
	dec := e.Evaluate(Input{
		Intent:      intent("AAPL", broker.SideBuy, 10),
		Portfolio:   portfolio(85_000),
		Simulation:  successSim("1500.00"),
		CurrentTime: midSession,
		Counters:    DailyCounters{HighWaterMark: decimal.NewFromInt(100_000)},
	})

	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.ViolatedRules, "R11")
	assert.Contains(t, dec.Reason, "drawdown 15.00% exceeds limit 10.0%")
}

func TestR11HighWaterMarkTracksCurrent(t *testing.T) {
	e := advancedEngine()
	// Current above the recorded mark: drawdown 0.
	dec := e.Evaluate(Input{
		Intent:      intent("AAPL", broker.SideBuy, 10),
		Portfolio:   portfolio(110_000),
		Simulation:  successSim("1500.00"),
		CurrentTime: midSession,
		Counters:    DailyCounters{HighWaterMark: decimal.NewFromInt(100_000)},
	})
	assert.Equal(t, Approve, dec.Decision)
	assert.Equal(t, 0.0, dec.Metrics["drawdown_pct"])
	assert.InDelta(t, 110_000.0, dec.Metrics["high_water_mark"].(float64), 0.001)
}

func TestR12TimeWindows(t *testing.T) {
	e := advancedEngine()
	in := Input{
		Intent:     intent("AAPL", broker.SideBuy, 10),
		Portfolio:  portfolio(100_000),
		Simulation: successSim("1500.00"),
	}

	// 5 minutes after the 14:30 open.
	in.CurrentTime = time.Date(2025, 6, 2, 14, 35, 0, 0, time.UTC)
	dec := e.Evaluate(in)
	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.ViolatedRules, "R12")
	assert.Contains(t, dec.Reason, "Too close to market open (5 min)")
	assert.Contains(t, dec.Reason, "Wait 5 more minutes")

	// 4 minutes before the 21:00 close.
	in.CurrentTime = time.Date(2025, 6, 2, 20, 56, 0, 0, time.UTC)
	dec = e.Evaluate(in)
	require.Equal(t, Reject, dec.Decision)
	assert.Contains(t, dec.Reason, "Too close to market close (4 min remaining)")

	// Mid-session is fine.
	in.CurrentTime = midSession
	assert.Equal(t, Approve, e.Evaluate(in).Decision)
}

func TestHighVolatilityAdvisory(t *testing.T) {
	e := advancedEngine()
	// 1000 x 0.50 / 100000 x 100 = 0.5% under the 2% budget, but above the
	// 30% annual advisory threshold.
	dec := e.Evaluate(Input{
		Intent:      intent("GME", broker.SideBuy, 3),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("1000.00"),
		CurrentTime: midSession,
		Volatility:  &VolatilityMetrics{SymbolVolatility: floatPtr(0.50)},
	})

	require.Equal(t, Approve, dec.Decision)
	assert.Contains(t, dec.Warnings,
		"High volatility detected (50.0% annual) - consider reduced size")
}

func TestAdvancedApprovalScopeInReason(t *testing.T) {
	e := advancedEngine()
	dec := e.Evaluate(Input{
		Intent:      intent("AAPL", broker.SideBuy, 10),
		Portfolio:   portfolio(100_000),
		Simulation:  successSim("1500.00"),
		CurrentTime: midSession,
	})
	require.Equal(t, Approve, dec.Decision)
	assert.Equal(t, "All risk checks passed (R1-R8 + R9-R12)", dec.Reason)
}
