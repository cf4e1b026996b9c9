// Package risk implements the deterministic risk gate. Every order is
// evaluated against rules R1-R8 (notional, position size, slippage,
// trading hours, daily counters) and, when configured, the advanced rules
// R9-R12 (volatility sizing, drawdown halt, time-of-day windows). For
// identical inputs the engine produces identical decisions.
package risk

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/sim"
)

// Decision is the tri-valued gate outcome.
type Decision string

const (
	Approve      Decision = "APPROVE"
	Reject       Decision = "REJECT"
	ManualReview Decision = "MANUAL_REVIEW"
)

// RuleSimulationFailed is the pseudo-rule id reported when the simulation
// itself failed and no rules were evaluated.
const RuleSimulationFailed = "SIMULATION_FAILED"

// RiskDecision is the evaluation result.
type RiskDecision struct {
	Decision      Decision               `json:"decision"`
	Reason        string                 `json:"reason"`
	ViolatedRules []string               `json:"violated_rules"`
	Warnings      []string               `json:"warnings"`
	Metrics       map[string]interface{} `json:"metrics"`
}

// IsApproved reports whether the order passed the gate.
func (d *RiskDecision) IsApproved() bool { return d.Decision == Approve }

// IsRejected reports whether the order was rejected.
func (d *RiskDecision) IsRejected() bool { return d.Decision == Reject }

// Limits are the basic rule thresholds (R1, R2, R3, R4, R6, R7, R8).
type Limits struct {
	MaxNotional          decimal.Decimal `yaml:"max_notional"`
	MaxPositionPct       decimal.Decimal `yaml:"max_position_pct"`
	MaxSectorExposurePct decimal.Decimal `yaml:"max_sector_exposure_pct"`
	MaxSlippageBps       int             `yaml:"max_slippage_bps"`
	MinDailyVolume       int64           `yaml:"min_daily_volume"`
	MaxDailyTrades       int             `yaml:"max_daily_trades"`
	MaxDailyLoss         decimal.Decimal `yaml:"max_daily_loss"`
}

// DefaultLimits returns the conservative paper-trading defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxNotional:          decimal.RequireFromString("50000.00"),
		MaxPositionPct:       decimal.RequireFromString("10.0"),
		MaxSectorExposurePct: decimal.RequireFromString("30.0"),
		MaxSlippageBps:       50,
		MinDailyVolume:       100_000,
		MaxDailyTrades:       50,
		MaxDailyLoss:         decimal.RequireFromString("5000.00"),
	}
}

// TradingHours configures R5. Times are "HH:MM" in UTC.
type TradingHours struct {
	AllowPreMarket  bool   `yaml:"allow_pre_market"`
	AllowAfterHours bool   `yaml:"allow_after_hours"`
	MarketOpenUTC   string `yaml:"market_open_utc"`
	MarketCloseUTC  string `yaml:"market_close_utc"`
}

// DefaultTradingHours covers regular US equity hours in UTC.
func DefaultTradingHours() TradingHours {
	return TradingHours{
		MarketOpenUTC:  "14:30",
		MarketCloseUTC: "21:00",
	}
}

// AdvancedLimits are the R9-R12 thresholds.
type AdvancedLimits struct {
	// R9
	MaxPositionVolatility    float64         `yaml:"max_position_volatility"`
	VolatilityScalingEnabled bool            `yaml:"volatility_scaling_enabled"`
	MinPositionSize          decimal.Decimal `yaml:"min_position_size"`
	MaxPositionSize          decimal.Decimal `yaml:"max_position_size"`
	// R10
	MaxCorrelatedExposurePct float64 `yaml:"max_correlated_exposure_pct"`
	CorrelationThreshold     float64 `yaml:"correlation_threshold"`
	// R11
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`
	EnableDrawdownHalt bool    `yaml:"enable_drawdown_halt"`
	// R12
	AvoidMarketOpenMinutes  int  `yaml:"avoid_market_open_minutes"`
	AvoidMarketCloseMinutes int  `yaml:"avoid_market_close_minutes"`
	EnableTimeRestrictions  bool `yaml:"enable_time_restrictions"`
}

// DefaultAdvancedLimits: 2% volatility budget, 10% drawdown halt, first and
// last 10 minutes restricted.
func DefaultAdvancedLimits() AdvancedLimits {
	return AdvancedLimits{
		MaxPositionVolatility:    0.02,
		VolatilityScalingEnabled: true,
		MinPositionSize:          decimal.NewFromInt(100),
		MaxPositionSize:          decimal.NewFromInt(50_000),
		MaxCorrelatedExposurePct: 30.0,
		CorrelationThreshold:     0.7,
		MaxDrawdownPct:           10.0,
		EnableDrawdownHalt:       true,
		AvoidMarketOpenMinutes:   10,
		AvoidMarketCloseMinutes:  10,
		EnableTimeRestrictions:   true,
	}
}

// VolatilityMetrics feed R9. All fields optional.
type VolatilityMetrics struct {
	SymbolVolatility *float64 `json:"symbol_volatility,omitempty"`
	MarketVolatility *float64 `json:"market_volatility,omitempty"`
	Beta             *float64 `json:"beta,omitempty"`
}

// EffectiveVolatility is the symbol volatility if given, otherwise
// beta x market volatility.
func (v *VolatilityMetrics) EffectiveVolatility() (float64, bool) {
	if v == nil {
		return 0, false
	}
	if v.SymbolVolatility != nil {
		return *v.SymbolVolatility, true
	}
	if v.Beta != nil && v.MarketVolatility != nil {
		return *v.Beta * *v.MarketVolatility, true
	}
	return 0, false
}

// DailyCounters are the per-day inputs the caller maintains (R7, R8, R11).
type DailyCounters struct {
	TradesCount   int             `json:"trades_count"`
	PnL           decimal.Decimal `json:"pnl"`
	HighWaterMark decimal.Decimal `json:"high_water_mark"`
}

// Input is one evaluation request.
type Input struct {
	Intent      *schema.OrderIntent
	Portfolio   *broker.Portfolio
	Simulation  *sim.Result
	CurrentTime time.Time
	Counters    DailyCounters
	Volatility  *VolatilityMetrics
	// DailyVolume, when known, feeds R6.
	DailyVolume *int64
}

// formatUSD renders a decimal as a comma-grouped dollar amount with two
// decimal places, e.g. 60000 -> "60,000.00".
func formatUSD(d decimal.Decimal) string {
	s := d.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	dot := strings.IndexByte(s, '.')
	intPart, frac := s[:dot], s[dot:]
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteString(frac)
	return b.String()
}
