package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AdvancedEngine evaluates R9-R12. It shares the basic engine's trading
// hours for the R12 windows.
type AdvancedEngine struct {
	limits AdvancedLimits
	hours  TradingHours
}

// NewAdvancedEngine builds the R9-R12 evaluator.
func NewAdvancedEngine(limits AdvancedLimits, hours TradingHours) *AdvancedEngine {
	return &AdvancedEngine{limits: limits, hours: hours}
}

// evaluate returns the violated rule ids, their messages keyed by id, and
// non-blocking warnings. Metrics are written into the shared map.
func (a *AdvancedEngine) evaluate(in Input, toggles map[string]bool, metrics map[string]interface{}) ([]string, map[string]string, []string) {
	var violated []string
	reasons := map[string]string{}
	var warnings []string

	enabled := func(rule string) bool {
		if v, ok := toggles[rule]; ok {
			return v
		}
		return true
	}

	// R9: volatility-adjusted sizing.
	if enabled("R9") && a.limits.VolatilityScalingEnabled && in.Volatility != nil {
		if msg := a.checkVolatilitySizing(in, metrics); msg != "" {
			violated = append(violated, "R9")
			reasons["R9"] = msg
		}
	}

	// R10: correlation exposure needs a correlation matrix, which no data
	// source provides yet.
	if enabled("R10") {
		metrics["correlation_data_available"] = false
	}

	// R11: drawdown halt.
	if enabled("R11") && a.limits.EnableDrawdownHalt {
		if msg := a.checkDrawdown(in, metrics); msg != "" {
			violated = append(violated, "R11")
			reasons["R11"] = msg
		}
	}

	// R12: time-of-day windows around open and close.
	if enabled("R12") && a.limits.EnableTimeRestrictions {
		if msg := a.checkTimeWindows(in, metrics); msg != "" {
			violated = append(violated, "R12")
			reasons["R12"] = msg
		}
	}

	if len(violated) == 0 {
		if vol, ok := in.Volatility.EffectiveVolatility(); ok && vol > 0.30 {
			warnings = append(warnings, fmt.Sprintf(
				"High volatility detected (%.1f%% annual) - consider reduced size", vol*100))
		}
	}
	return violated, reasons, warnings
}

func (a *AdvancedEngine) checkVolatilitySizing(in Input, metrics map[string]interface{}) string {
	vol, ok := in.Volatility.EffectiveVolatility()
	if !ok {
		metrics["volatility_available"] = false
		return ""
	}
	metrics["symbol_volatility"] = vol

	positionValue := in.Simulation.GrossNotional
	portfolioValue := in.Portfolio.TotalValue
	if !portfolioValue.IsPositive() {
		return "R9: Portfolio value invalid for volatility sizing"
	}

	// Absolute size bounds take precedence over the volatility budget.
	if positionValue.LessThan(a.limits.MinPositionSize) {
		return fmt.Sprintf("R9: Position size $%s below minimum $%s",
			formatUSD(positionValue), formatUSD(a.limits.MinPositionSize))
	}
	if positionValue.GreaterThan(a.limits.MaxPositionSize) {
		return fmt.Sprintf("R9: Position size $%s exceeds maximum $%s",
			formatUSD(positionValue), formatUSD(a.limits.MaxPositionSize))
	}

	posFloat, _ := positionValue.Float64()
	portFloat, _ := portfolioValue.Float64()
	riskPct := posFloat * vol / portFloat * 100
	metrics["position_risk_pct"] = riskPct

	maxRiskPct := a.limits.MaxPositionVolatility * 100
	if riskPct > maxRiskPct {
		suggested := portFloat * a.limits.MaxPositionVolatility / vol
		metrics["suggested_position_size"] = suggested
		return fmt.Sprintf("R9: Position risk %.2f%% exceeds limit %.2f%%. Suggested max size: $%s",
			riskPct, maxRiskPct, formatUSDWhole(suggested))
	}
	return ""
}

func (a *AdvancedEngine) checkDrawdown(in Input, metrics map[string]interface{}) string {
	current := in.Portfolio.TotalValue
	hwm := in.Counters.HighWaterMark

	// The high-water mark can never sit below the current value.
	if hwm.LessThanOrEqual(current) {
		hwmF, _ := current.Float64()
		metrics["high_water_mark"] = hwmF
		metrics["drawdown_pct"] = 0.0
		return ""
	}

	drawdownPct := hwm.Sub(current).Div(hwm).Mul(hundredDec)
	ddFloat, _ := drawdownPct.Float64()
	hwmF, _ := hwm.Float64()
	curF, _ := current.Float64()
	metrics["high_water_mark"] = hwmF
	metrics["current_value"] = curF
	metrics["drawdown_pct"] = ddFloat

	if drawdownPct.GreaterThan(decimal.NewFromFloat(a.limits.MaxDrawdownPct)) {
		return fmt.Sprintf(
			"R11: Portfolio drawdown %.2f%% exceeds limit %.1f%%. Trading halted until recovery.",
			ddFloat, a.limits.MaxDrawdownPct)
	}
	return ""
}

func (a *AdvancedEngine) checkTimeWindows(in Input, metrics map[string]interface{}) string {
	open, err := parseHHMM(a.hours.MarketOpenUTC)
	if err != nil {
		return ""
	}
	close_, err := parseHHMM(a.hours.MarketCloseUTC)
	if err != nil {
		return ""
	}

	t := in.CurrentTime.UTC()
	cur := t.Hour()*3600 + t.Minute()*60 + t.Second()
	metrics["trade_time"] = t.Format("15:04:05")

	openAvoidEnd := open + a.limits.AvoidMarketOpenMinutes*60
	if cur >= open && cur < openAvoidEnd {
		minutesSinceOpen := (cur - open) / 60
		return fmt.Sprintf("R12: Too close to market open (%d min). Wait %d more minutes.",
			minutesSinceOpen, a.limits.AvoidMarketOpenMinutes-minutesSinceOpen)
	}

	closeAvoidStart := close_ - a.limits.AvoidMarketCloseMinutes*60
	if cur >= closeAvoidStart && cur < close_ {
		minutesToClose := (close_ - cur) / 60
		return fmt.Sprintf(
			"R12: Too close to market close (%d min remaining). Trading restricted in final %d minutes.",
			minutesToClose, a.limits.AvoidMarketCloseMinutes)
	}
	return ""
}

// formatUSDWhole renders a float as comma-grouped whole dollars.
func formatUSDWhole(v float64) string {
	d := decimal.NewFromFloat(v).Round(0)
	s := formatUSD(d)
	// Drop the ".00" the two-decimal formatter appends.
	return s[:len(s)-3]
}
