package risk

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/sim"
)

// ruleOrder fixes the evaluation and reporting order of every rule.
var ruleOrder = []string{"R1", "R2", "R3", "R4", "R5", "R6", "R7", "R8", "R9", "R10", "R11", "R12"}

// Engine is the risk gate. Policy is swappable via SetPolicy; evaluation
// itself is a pure function of its Input.
type Engine struct {
	mu           sync.RWMutex
	limits       Limits
	hours        TradingHours
	rulesEnabled map[string]bool
	advanced     *AdvancedEngine
	onEvaluate   func(time.Duration)

	logger *log.Logger
}

// NewEngine builds a gate over the given policy. rulesEnabled entries
// default to true for absent rule ids; advanced may be nil to disable
// R9-R12.
func NewEngine(limits Limits, hours TradingHours, rulesEnabled map[string]bool, advanced *AdvancedEngine) *Engine {
	return &Engine{
		limits:       limits,
		hours:        hours,
		rulesEnabled: rulesEnabled,
		advanced:     advanced,
		logger:       log.New(log.Writer(), "[RISK] ", log.LstdFlags),
	}
}

// OnEvaluate registers a latency observer called after every evaluation.
// Set once during wiring, before the engine takes traffic.
func (e *Engine) OnEvaluate(fn func(time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvaluate = fn
}

// SetPolicy atomically replaces the active limits and toggles.
func (e *Engine) SetPolicy(limits Limits, hours TradingHours, rulesEnabled map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
	e.hours = hours
	e.rulesEnabled = rulesEnabled
	e.logger.Printf("policy updated: max_notional=%s max_position_pct=%s",
		limits.MaxNotional, limits.MaxPositionPct)
}

func (e *Engine) enabled(rule string, toggles map[string]bool) bool {
	if v, ok := toggles[rule]; ok {
		return v
	}
	return true
}

// Evaluate runs every enabled rule in fixed order and aggregates the
// outcome. A failed simulation rejects immediately without evaluating
// rules.
func (e *Engine) Evaluate(in Input) *RiskDecision {
	e.mu.RLock()
	limits, hours, toggles, advanced := e.limits, e.hours, e.rulesEnabled, e.advanced
	observe := e.onEvaluate
	e.mu.RUnlock()

	if observe != nil {
		start := time.Now()
		defer func() { observe(time.Since(start)) }()
	}

	if in.CurrentTime.IsZero() {
		in.CurrentTime = time.Now().UTC()
	}

	if in.Simulation.Status != sim.StatusSuccess {
		return &RiskDecision{
			Decision:      Reject,
			Reason:        fmt.Sprintf("Simulation failed: %s", in.Simulation.ErrorMessage),
			ViolatedRules: []string{RuleSimulationFailed},
			Warnings:      []string{},
			Metrics:       map[string]interface{}{},
		}
	}

	metrics := map[string]interface{}{}
	reasons := map[string]string{}
	var violated []string
	var warnings []string

	gross := in.Simulation.GrossNotional

	// R1: gross notional per order. At exactly the limit the order passes.
	metrics["gross_notional"], _ = gross.Float64()
	if e.enabled("R1", toggles) && gross.GreaterThan(limits.MaxNotional) {
		violated = append(violated, "R1")
		reasons["R1"] = fmt.Sprintf("R1: Notional $%s exceeds limit $%s",
			formatUSD(gross), formatUSD(limits.MaxNotional))
	}

	// R2: post-trade position value as % of portfolio, per symbol.
	if in.Portfolio.TotalValue.IsPositive() {
		current := decimal.Zero
		if pos := in.Portfolio.PositionFor(in.Intent.Instrument.Symbol); pos != nil {
			current = pos.MarketValue
		}
		var after decimal.Decimal
		if in.Intent.Side == broker.SideBuy {
			after = current.Add(gross)
		} else {
			after = current.Sub(gross)
		}
		positionPct := after.Div(in.Portfolio.TotalValue).Mul(hundredDec)
		pctFloat, _ := positionPct.Float64()
		metrics["position_pct"] = pctFloat
		if e.enabled("R2", toggles) && positionPct.GreaterThan(limits.MaxPositionPct) {
			violated = append(violated, "R2")
			reasons["R2"] = fmt.Sprintf("R2: Position size %.1f%% exceeds limit %s%%",
				pctFloat, limits.MaxPositionPct)
		}
	}

	// R3: sector exposure. No sector feed is wired yet, so the rule can
	// only record that it was skipped.
	if e.enabled("R3", toggles) {
		metrics["sector_data_available"] = false
	}

	// R4: slippage in basis points of gross notional.
	if e.enabled("R4", toggles) && in.Simulation.EstimatedSlippage.IsPositive() {
		slippageBps := in.Simulation.EstimatedSlippage.Div(gross).Mul(ten4Dec)
		bpsFloat, _ := slippageBps.Float64()
		metrics["slippage_bps"] = bpsFloat
		if slippageBps.GreaterThan(decimal.NewFromInt(int64(limits.MaxSlippageBps))) {
			violated = append(violated, "R4")
			reasons["R4"] = fmt.Sprintf("R4: Slippage %.1f bps exceeds limit %d bps",
				bpsFloat, limits.MaxSlippageBps)
		}
	}

	// R5: trading hours.
	if e.enabled("R5", toggles) && !marketOpen(hours, in.CurrentTime) {
		violated = append(violated, "R5")
		reasons["R5"] = "R5: Trading outside allowed market hours"
	}

	// R6: minimum liquidity, when a volume figure is supplied.
	if e.enabled("R6", toggles) {
		if in.DailyVolume == nil {
			metrics["volume_data_available"] = false
		} else {
			metrics["daily_volume"] = *in.DailyVolume
			if *in.DailyVolume < limits.MinDailyVolume {
				violated = append(violated, "R6")
				reasons["R6"] = "R6: Insufficient liquidity (daily volume too low)"
			}
		}
	}

	// R7: daily trade count.
	metrics["daily_trades_count"] = in.Counters.TradesCount
	if e.enabled("R7", toggles) && in.Counters.TradesCount >= limits.MaxDailyTrades {
		violated = append(violated, "R7")
		reasons["R7"] = fmt.Sprintf("R7: Daily trade limit reached (%d/%d)",
			in.Counters.TradesCount, limits.MaxDailyTrades)
	}

	// R8: daily loss.
	metrics["daily_pnl"], _ = in.Counters.PnL.Float64()
	if e.enabled("R8", toggles) && in.Counters.PnL.LessThan(limits.MaxDailyLoss.Neg()) {
		violated = append(violated, "R8")
		reasons["R8"] = fmt.Sprintf("R8: Daily loss limit exceeded ($%s / -$%s)",
			formatUSD(in.Counters.PnL), formatUSD(limits.MaxDailyLoss))
	}

	// R9-R12.
	if advanced != nil {
		advViolated, advReasons, advWarnings := advanced.evaluate(in, toggles, metrics)
		violated = append(violated, advViolated...)
		for id, msg := range advReasons {
			reasons[id] = msg
		}
		warnings = append(warnings, advWarnings...)
	}

	if len(violated) > 0 {
		ordered := orderRules(violated)
		parts := make([]string, 0, len(ordered))
		for _, id := range ordered {
			parts = append(parts, reasons[id])
		}
		dec := &RiskDecision{
			Decision:      Reject,
			Reason:        strings.Join(parts, "; "),
			ViolatedRules: ordered,
			Warnings:      warnings,
			Metrics:       metrics,
		}
		e.logger.Printf("REJECT %s %s %s: %s",
			in.Intent.Side, in.Intent.Instrument.Symbol, in.Intent.Quantity, dec.Reason)
		return dec
	}

	// Soft warnings for metrics near their limits.
	if gross.GreaterThan(limits.MaxNotional.Mul(pct80)) {
		warnings = append(warnings, fmt.Sprintf("Notional $%s is close to limit $%s",
			formatUSD(gross), formatUSD(limits.MaxNotional)))
	}
	if pct, ok := metrics["position_pct"].(float64); ok {
		soft, _ := limits.MaxPositionPct.Mul(pct80).Float64()
		if pct >= soft {
			warnings = append(warnings, fmt.Sprintf("Position size %.1f%% approaching limit %s%%",
				pct, limits.MaxPositionPct))
		}
	}

	scope := "All risk checks passed (R1-R8)"
	if advanced != nil {
		scope = "All risk checks passed (R1-R8 + R9-R12)"
	}
	if warnings == nil {
		warnings = []string{}
	}
	return &RiskDecision{
		Decision:      Approve,
		Reason:        scope,
		ViolatedRules: []string{},
		Warnings:      warnings,
		Metrics:       metrics,
	}
}

var (
	hundredDec = decimal.NewFromInt(100)
	ten4Dec    = decimal.NewFromInt(10_000)
	pct80      = decimal.RequireFromString("0.8")
)

func orderRules(violated []string) []string {
	set := map[string]bool{}
	for _, id := range violated {
		set[id] = true
	}
	out := make([]string, 0, len(violated))
	for _, id := range ruleOrder {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// marketOpen implements R5: inside [open, close] inclusive, extended by
// the pre-market and after-hours flags.
func marketOpen(hours TradingHours, t time.Time) bool {
	cur := t.UTC().Hour()*3600 + t.UTC().Minute()*60 + t.UTC().Second()
	open, err := parseHHMM(hours.MarketOpenUTC)
	if err != nil {
		return false
	}
	close_, err := parseHHMM(hours.MarketCloseUTC)
	if err != nil {
		return false
	}
	if cur >= open && cur <= close_ {
		return true
	}
	if hours.AllowPreMarket && cur < open {
		return true
	}
	if hours.AllowAfterHours && cur > close_ {
		return true
	}
	return false
}

// parseHHMM converts "HH:MM" to seconds of day.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("risk: malformed time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("risk: malformed time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("risk: malformed time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("risk: time out of range %q", s)
	}
	return h*3600 + m*60, nil
}
