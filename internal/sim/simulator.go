// Package sim estimates the cost and portfolio impact of executing an
// order intent. Simulation is a pure function of (intent, portfolio,
// market price) and always runs before risk evaluation.
package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/schema"
)

// Status classifies a simulation outcome. Anything other than
// StatusSuccess is terminal for the order.
type Status string

const (
	StatusSuccess            Status = "SUCCESS"
	StatusInsufficientCash   Status = "INSUFFICIENT_CASH"
	StatusInvalidQuantity    Status = "INVALID_QUANTITY"
	StatusPriceUnavailable   Status = "PRICE_UNAVAILABLE"
	StatusConstraintViolated Status = "CONSTRAINT_VIOLATED"
)

// Config tunes the fee and slippage models.
type Config struct {
	FeePerShare        decimal.Decimal `yaml:"fee_per_share"`
	MinFee             decimal.Decimal `yaml:"min_fee"`
	MaxFeePct          decimal.Decimal `yaml:"max_fee_pct"`
	BaseSlippageBps    decimal.Decimal `yaml:"base_slippage_bps"`
	MarketImpactFactor decimal.Decimal `yaml:"market_impact_factor"`
}

// DefaultConfig mirrors typical US equity retail commissions.
func DefaultConfig() Config {
	return Config{
		FeePerShare:        decimal.RequireFromString("0.005"),
		MinFee:             decimal.RequireFromString("1.0"),
		MaxFeePct:          decimal.RequireFromString("0.01"),
		BaseSlippageBps:    decimal.RequireFromString("5"),
		MarketImpactFactor: decimal.RequireFromString("0.1"),
	}
}

// Result is the simulator's estimate. All monetary fields are zero when
// the status short-circuits before they are computable.
type Result struct {
	Status            Status          `json:"status"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	GrossNotional     decimal.Decimal `json:"gross_notional"`
	EstimatedFee      decimal.Decimal `json:"estimated_fee"`
	EstimatedSlippage decimal.Decimal `json:"estimated_slippage"`
	NetNotional       decimal.Decimal `json:"net_notional"`
	CashBefore        decimal.Decimal `json:"cash_before"`
	CashAfter         decimal.Decimal `json:"cash_after"`
	ExposureBefore    decimal.Decimal `json:"exposure_before"`
	ExposureAfter     decimal.Decimal `json:"exposure_after"`
	Warnings          []string        `json:"warnings,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// Simulator applies the fee/slippage models. Safe for concurrent use.
type Simulator struct {
	cfg Config
}

func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

var (
	ten4    = decimal.NewFromInt(10_000)
	hundred = decimal.NewFromInt(100)
)

// Simulate estimates execution of intent against the portfolio at the
// given market price.
func (s *Simulator) Simulate(intent *schema.OrderIntent, portfolio *broker.Portfolio, marketPrice decimal.Decimal) Result {
	var warnings []string

	if !intent.Quantity.IsPositive() {
		return Result{
			Status:       StatusInvalidQuantity,
			ErrorMessage: fmt.Sprintf("Invalid quantity: %s", intent.Quantity),
		}
	}

	execPrice, ok := executionPrice(intent, marketPrice)
	if !ok {
		return Result{
			Status:       StatusPriceUnavailable,
			ErrorMessage: "Cannot determine execution price",
		}
	}

	gross := execPrice.Mul(intent.Quantity)
	slippage := s.slippage(gross, intent.OrderType)

	// 0.1% of notional is worth flagging.
	if slippage.GreaterThan(gross.Mul(decimal.RequireFromString("0.001"))) {
		pct := slippage.Div(gross).Mul(hundred)
		warnings = append(warnings, fmt.Sprintf(
			"Significant estimated slippage: $%s (%s%%)",
			slippage.StringFixed(2), pct.StringFixed(2)))
	}

	fee := s.fee(gross, intent.Quantity)

	var net decimal.Decimal
	if intent.Side == broker.SideBuy {
		net = gross.Add(fee).Add(slippage)
	} else {
		net = gross.Sub(fee).Sub(slippage)
	}

	cashBefore := portfolio.AvailableCash(intent.Instrument.Currency)
	var cashAfter decimal.Decimal
	if intent.Side == broker.SideBuy {
		cashAfter = cashBefore.Sub(net)
	} else {
		cashAfter = cashBefore.Add(net)
	}

	res := Result{
		ExecutionPrice:    execPrice,
		GrossNotional:     gross,
		EstimatedFee:      fee,
		EstimatedSlippage: slippage,
		NetNotional:       net,
		CashBefore:        cashBefore,
		CashAfter:         cashAfter,
	}

	if intent.Side == broker.SideBuy && cashAfter.IsNegative() {
		res.Status = StatusInsufficientCash
		res.ErrorMessage = fmt.Sprintf("Insufficient cash: need $%s, have $%s",
			net.StringFixed(2), cashBefore.StringFixed(2))
		return res
	}

	res.ExposureBefore = portfolio.TotalValue
	if intent.Side == broker.SideBuy {
		res.ExposureAfter = res.ExposureBefore.Add(gross)
	} else {
		res.ExposureAfter = res.ExposureBefore.Sub(gross)
	}

	if msg := checkConstraints(intent, slippage, gross, net); msg != "" {
		res.Status = StatusConstraintViolated
		res.ErrorMessage = msg
		return res
	}

	// Trades above 20% of portfolio get a size warning.
	if portfolio.TotalValue.IsPositive() &&
		gross.GreaterThan(portfolio.TotalValue.Mul(decimal.RequireFromString("0.2"))) {
		pct := gross.Div(portfolio.TotalValue).Mul(hundred)
		warnings = append(warnings, fmt.Sprintf(
			"Large trade: $%s is %s%% of portfolio",
			gross.StringFixed(2), pct.StringFixed(1)))
	}

	res.Status = StatusSuccess
	res.Warnings = warnings
	return res
}

func executionPrice(intent *schema.OrderIntent, marketPrice decimal.Decimal) (decimal.Decimal, bool) {
	switch intent.OrderType {
	case broker.OrderMarket:
		if marketPrice.IsPositive() {
			return marketPrice, true
		}
	case broker.OrderLimit, broker.OrderStopLimit:
		if intent.LimitPrice != nil {
			return *intent.LimitPrice, true
		}
	case broker.OrderStop:
		// Stop converts to market at the stop price.
		if intent.StopPrice != nil {
			return *intent.StopPrice, true
		}
	}
	return decimal.Zero, false
}

func (s *Simulator) slippage(gross decimal.Decimal, orderType broker.OrderType) decimal.Decimal {
	// Limit orders fill at their price or not at all.
	if orderType == broker.OrderLimit || orderType == broker.OrderStopLimit {
		return decimal.Zero
	}
	base := gross.Mul(s.cfg.BaseSlippageBps).Div(ten4)
	// Market impact adds MarketImpactFactor bps per $10k of notional.
	impactBps := s.cfg.MarketImpactFactor.Mul(gross.Div(ten4))
	impact := gross.Mul(impactBps).Div(ten4)
	return base.Add(impact)
}

func (s *Simulator) fee(gross, quantity decimal.Decimal) decimal.Decimal {
	fee := s.cfg.FeePerShare.Mul(quantity)
	if fee.LessThan(s.cfg.MinFee) {
		fee = s.cfg.MinFee
	}
	if ceiling := gross.Mul(s.cfg.MaxFeePct); fee.GreaterThan(ceiling) {
		fee = ceiling
	}
	return fee
}

func checkConstraints(intent *schema.OrderIntent, slippage, gross, net decimal.Decimal) string {
	c := intent.Constraints
	if c == nil {
		return ""
	}
	if c.MaxSlippageBps != nil && gross.IsPositive() {
		slippageBps := slippage.Div(gross).Mul(ten4)
		if slippageBps.GreaterThan(decimal.NewFromInt(int64(*c.MaxSlippageBps))) {
			return fmt.Sprintf("Estimated slippage %s bps exceeds max %d bps",
				slippageBps.StringFixed(1), *c.MaxSlippageBps)
		}
	}
	if c.MaxNotional != nil && net.GreaterThan(*c.MaxNotional) {
		return fmt.Sprintf("Net notional $%s exceeds max $%s",
			net.StringFixed(2), c.MaxNotional.StringFixed(2))
	}
	return ""
}
