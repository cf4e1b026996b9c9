// Package schema defines the canonical order intent and its validation
// rules. Every order entering the pipeline is normalized into an
// OrderIntent before simulation and risk evaluation.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradegate/backend/internal/broker"
)

// OrderConstraints are optional per-order risk limits the proposer attaches.
type OrderConstraints struct {
	MaxSlippageBps         *int             `json:"max_slippage_bps,omitempty"`
	MaxNotional            *decimal.Decimal `json:"max_notional,omitempty"`
	MinLiquidity           *int64           `json:"min_liquidity,omitempty"`
	ExecutionWindowMinutes *int             `json:"execution_window_minutes,omitempty"`
}

// OrderIntent is the canonical description of a prospective order.
// Immutable once validated.
type OrderIntent struct {
	AccountID   string             `json:"account_id"`
	Instrument  broker.Instrument  `json:"instrument"`
	Side        broker.OrderSide   `json:"side"`
	Quantity    decimal.Decimal    `json:"quantity"`
	OrderType   broker.OrderType   `json:"order_type"`
	LimitPrice  *decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce broker.TimeInForce `json:"time_in_force"`
	Reason      string             `json:"reason"`
	StrategyTag string             `json:"strategy_tag"`
	Constraints *OrderConstraints  `json:"constraints,omitempty"`
}

// ValidationError carries field-keyed validation failures. The HTTP layer
// renders it as a 422 with per-field detail.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "intent validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

const (
	minReasonLength = 10
	maxReasonLength = 500
	minReasonWords  = 3
	maxStrategyTag  = 50
	maxSlippageBps  = 1000
)

// Validate normalizes and checks the intent. Returns *ValidationError
// aggregating every failed field, or nil.
func (in *OrderIntent) Validate() error {
	verr := &ValidationError{}

	in.AccountID = strings.TrimSpace(in.AccountID)
	if in.AccountID == "" {
		verr.add("account_id", "must be non-empty")
	}

	in.Instrument.Symbol = strings.ToUpper(strings.TrimSpace(in.Instrument.Symbol))
	if in.Instrument.Symbol == "" {
		verr.add("instrument.symbol", "must be non-empty")
	}
	if in.Instrument.Currency == "" {
		in.Instrument.Currency = "USD"
	}
	if in.Instrument.Type == "" {
		in.Instrument.Type = broker.InstrumentStock
	}

	switch in.Side {
	case broker.SideBuy, broker.SideSell:
	default:
		verr.add("side", fmt.Sprintf("must be BUY or SELL, got %q", in.Side))
	}

	if !in.Quantity.IsPositive() {
		verr.add("quantity", "must be positive")
	}

	switch in.OrderType {
	case broker.OrderMarket, broker.OrderLimit, broker.OrderStop, broker.OrderStopLimit:
	default:
		verr.add("order_type", fmt.Sprintf("unsupported order type %q", in.OrderType))
	}

	if in.OrderType == broker.OrderLimit || in.OrderType == broker.OrderStopLimit {
		if in.LimitPrice == nil {
			verr.add("limit_price", fmt.Sprintf("required for %s orders", in.OrderType))
		}
	}
	if in.OrderType == broker.OrderStop || in.OrderType == broker.OrderStopLimit {
		if in.StopPrice == nil {
			verr.add("stop_price", fmt.Sprintf("required for %s orders", in.OrderType))
		}
	}
	if in.LimitPrice != nil && !in.LimitPrice.IsPositive() {
		verr.add("limit_price", "must be positive")
	}
	if in.StopPrice != nil && !in.StopPrice.IsPositive() {
		verr.add("stop_price", "must be positive")
	}

	if in.TimeInForce == "" {
		in.TimeInForce = broker.TIFDay
	}
	switch in.TimeInForce {
	case broker.TIFDay, broker.TIFGTC, broker.TIFIOC, broker.TIFFOK:
	default:
		verr.add("time_in_force", fmt.Sprintf("unsupported time in force %q", in.TimeInForce))
	}

	in.Reason = strings.TrimSpace(in.Reason)
	if len(in.Reason) < minReasonLength {
		verr.add("reason", fmt.Sprintf("must be at least %d characters", minReasonLength))
	} else if len(in.Reason) > maxReasonLength {
		verr.add("reason", fmt.Sprintf("must be at most %d characters", maxReasonLength))
	} else if len(strings.Fields(in.Reason)) < minReasonWords {
		verr.add("reason", fmt.Sprintf("must be descriptive (at least %d words)", minReasonWords))
	}

	in.StrategyTag = strings.TrimSpace(in.StrategyTag)
	if in.StrategyTag == "" {
		in.StrategyTag = "manual"
	} else if len(in.StrategyTag) > maxStrategyTag {
		verr.add("strategy_tag", fmt.Sprintf("must be at most %d characters", maxStrategyTag))
	}

	if c := in.Constraints; c != nil {
		if c.MaxSlippageBps != nil && (*c.MaxSlippageBps < 0 || *c.MaxSlippageBps > maxSlippageBps) {
			verr.add("constraints.max_slippage_bps", fmt.Sprintf("must be between 0 and %d", maxSlippageBps))
		}
		if c.MaxNotional != nil && !c.MaxNotional.IsPositive() {
			verr.add("constraints.max_notional", "must be positive")
		}
		if c.MinLiquidity != nil && *c.MinLiquidity <= 0 {
			verr.add("constraints.min_liquidity", "must be positive")
		}
		if c.ExecutionWindowMinutes != nil && (*c.ExecutionWindowMinutes <= 0 || *c.ExecutionWindowMinutes > 480) {
			verr.add("constraints.execution_window_minutes", "must be between 1 and 480")
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Ticket converts the intent into the adapter submission form.
func (in *OrderIntent) Ticket() broker.OrderTicket {
	return broker.OrderTicket{
		AccountID:   in.AccountID,
		Instrument:  in.Instrument,
		Side:        in.Side,
		Quantity:    in.Quantity,
		OrderType:   in.OrderType,
		LimitPrice:  in.LimitPrice,
		StopPrice:   in.StopPrice,
		TimeInForce: in.TimeInForce,
	}
}

// Hash returns the SHA-256 digest of the intent's semantic fields in a
// stable serialization. Approval tokens commit to this digest so a token
// can never authorize a payload other than the one the human saw.
func (in *OrderIntent) Hash() string {
	canon := map[string]interface{}{
		"account_id":    in.AccountID,
		"symbol":        in.Instrument.Symbol,
		"type":          string(in.Instrument.Type),
		"exchange":      in.Instrument.Exchange,
		"currency":      in.Instrument.Currency,
		"side":          string(in.Side),
		"quantity":      in.Quantity.String(),
		"order_type":    string(in.OrderType),
		"limit_price":   decimalString(in.LimitPrice),
		"stop_price":    decimalString(in.StopPrice),
		"time_in_force": string(in.TimeInForce),
		"reason":        in.Reason,
		"strategy_tag":  in.StrategyTag,
		"constraints":   in.Constraints,
	}
	// encoding/json sorts map keys, giving a deterministic byte stream.
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
