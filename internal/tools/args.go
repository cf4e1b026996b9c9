package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ArgumentError wraps any argument decoding or validation failure for a
// named tool. Unknown fields, malformed JSON, and missing required
// parameters all surface as this type.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// decodeStrict unmarshals raw into v, rejecting any field not present in
// the target struct. Agents get no wiggle room on argument shape.
func decodeStrict(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

type accountArgs struct {
	AccountID string `json:"account_id"`
}

func (a *accountArgs) validate() error {
	a.AccountID = strings.TrimSpace(a.AccountID)
	if a.AccountID == "" {
		return errors.New("account_id is required")
	}
	return nil
}

type marketSnapshotArgs struct {
	Symbol string `json:"symbol"`
}

func (a *marketSnapshotArgs) validate() error {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	if a.Symbol == "" {
		return errors.New("symbol is required")
	}
	return nil
}

// orderArgs are the shared fields of simulate_order and evaluate_risk.
// Monetary values travel as decimal strings.
type orderArgs struct {
	AccountID   string `json:"account_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	OrderType   string `json:"order_type"`
	LimitPrice  string `json:"limit_price"`
	StopPrice   string `json:"stop_price"`
	MarketPrice string `json:"market_price"`
	TimeInForce string `json:"time_in_force"`
}

type requestApprovalArgs struct {
	orderArgs
	Reason      string `json:"reason"`
	StrategyTag string `json:"strategy_tag"`
}

type flexQueryArgs struct {
	QueryID string `json:"query_id"`
}

func (a *flexQueryArgs) validate() error {
	a.QueryID = strings.TrimSpace(a.QueryID)
	if a.QueryID == "" {
		return errors.New("query_id is required")
	}
	return nil
}

type listFlexQueriesArgs struct{}

// parsedOrder is orderArgs after decimal parsing and defaulting.
type parsedOrder struct {
	AccountID   string
	Symbol      string
	Side        string
	Quantity    decimal.Decimal
	OrderType   string
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	MarketPrice decimal.Decimal
	TimeInForce string
}

func (a *orderArgs) parse() (*parsedOrder, error) {
	p := &parsedOrder{
		AccountID:   strings.TrimSpace(a.AccountID),
		Symbol:      strings.ToUpper(strings.TrimSpace(a.Symbol)),
		Side:        strings.ToUpper(strings.TrimSpace(a.Side)),
		OrderType:   strings.ToUpper(strings.TrimSpace(a.OrderType)),
		TimeInForce: strings.ToUpper(strings.TrimSpace(a.TimeInForce)),
	}
	if p.AccountID == "" || p.Symbol == "" || p.Side == "" || a.Quantity == "" || a.MarketPrice == "" {
		return nil, errors.New("account_id, symbol, side, quantity, and market_price are required")
	}
	if p.OrderType == "" {
		p.OrderType = "MKT"
	}

	var err error
	if p.Quantity, err = decimal.NewFromString(a.Quantity); err != nil {
		return nil, fmt.Errorf("quantity: %v", err)
	}
	if p.MarketPrice, err = decimal.NewFromString(a.MarketPrice); err != nil {
		return nil, fmt.Errorf("market_price: %v", err)
	}
	if !p.MarketPrice.IsPositive() {
		return nil, errors.New("market_price must be positive")
	}
	if a.LimitPrice != "" {
		lp, err := decimal.NewFromString(a.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("limit_price: %v", err)
		}
		p.LimitPrice = &lp
	}
	if a.StopPrice != "" {
		sp, err := decimal.NewFromString(a.StopPrice)
		if err != nil {
			return nil, fmt.Errorf("stop_price: %v", err)
		}
		p.StopPrice = &sp
	}
	return p, nil
}
