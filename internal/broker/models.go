// Package broker defines the adapter boundary to the securities broker:
// portfolio snapshots, market data, order submission and status polling.
// The real wire protocol lives behind the Adapter interface; this package
// ships a deterministic fake for paper use and tests.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType enumerates tradable instrument classes.
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "STK"
	InstrumentETF    InstrumentType = "ETF"
	InstrumentOption InstrumentType = "OPT"
	InstrumentFuture InstrumentType = "FUT"
	InstrumentForex  InstrumentType = "FX"
	InstrumentCrypto InstrumentType = "CRYPTO"
	InstrumentBond   InstrumentType = "BOND"
	InstrumentCFD    InstrumentType = "CFD"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderMarket    OrderType = "MKT"
	OrderLimit     OrderType = "LMT"
	OrderStop      OrderType = "STP"
	OrderStopLimit OrderType = "STP_LMT"
)

// TimeInForce enumerates order durations.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is the broker-side status of a submitted order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status admits no further changes.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Instrument identifies a tradable instrument.
type Instrument struct {
	Type     InstrumentType `json:"type"`
	Symbol   string         `json:"symbol"`
	Exchange string         `json:"exchange,omitempty"`
	Currency string         `json:"currency"`
}

// Position is a single holding in a portfolio.
type Position struct {
	Instrument    Instrument      `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// Cash is a per-currency cash balance.
type Cash struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// Portfolio is a point-in-time account snapshot.
type Portfolio struct {
	AccountID  string          `json:"account_id"`
	Positions  []Position      `json:"positions"`
	Cash       []Cash          `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AvailableCash returns the available balance in the given currency.
func (p *Portfolio) AvailableCash(currency string) decimal.Decimal {
	for _, c := range p.Cash {
		if c.Currency == currency {
			return c.Available
		}
	}
	return decimal.Zero
}

// PositionFor returns the position for symbol, or nil if none.
func (p *Portfolio) PositionFor(symbol string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Instrument.Symbol == symbol {
			return &p.Positions[i]
		}
	}
	return nil
}

// MarketSnapshot is point-in-time market data for one instrument.
type MarketSnapshot struct {
	Instrument Instrument       `json:"instrument"`
	Bid        *decimal.Decimal `json:"bid,omitempty"`
	Ask        *decimal.Decimal `json:"ask,omitempty"`
	Last       *decimal.Decimal `json:"last,omitempty"`
	Close      *decimal.Decimal `json:"close,omitempty"`
	Volume     int64            `json:"volume,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Price returns the best available reference price: last, then mid, then close.
func (m *MarketSnapshot) Price() (decimal.Decimal, bool) {
	if m.Last != nil {
		return *m.Last, true
	}
	if m.Bid != nil && m.Ask != nil {
		return m.Bid.Add(*m.Ask).Div(decimal.NewFromInt(2)), true
	}
	if m.Close != nil {
		return *m.Close, true
	}
	return decimal.Zero, false
}

// OrderTicket is what the submitter hands to the adapter.
type OrderTicket struct {
	AccountID   string           `json:"account_id"`
	Instrument  Instrument       `json:"instrument"`
	Side        OrderSide        `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	OrderType   OrderType        `json:"order_type"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force"`
}

// OrderState is the adapter's view of a submitted order.
type OrderState struct {
	BrokerOrderID    string           `json:"broker_order_id"`
	Status           OrderStatus      `json:"status"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	RejectReason     string           `json:"reject_reason,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// FlexQuery is a named broker report definition.
type FlexQuery struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// FlexReport is the result of running a flex query.
type FlexReport struct {
	QueryID     string                   `json:"query_id"`
	GeneratedAt time.Time                `json:"generated_at"`
	Rows        []map[string]interface{} `json:"rows"`
}

// Adapter errors. BrokerRejected carries the broker's reject reason.
var (
	// ErrUnavailable signals a transient connectivity failure; the
	// submitter retries these with backoff.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrUnknownOrder is returned when polling an id the broker does not know.
	ErrUnknownOrder = errors.New("broker: unknown order id")
	// ErrPriceUnavailable is returned when no market data exists for a symbol.
	ErrPriceUnavailable = errors.New("broker: price unavailable")
)

// RejectedError is a synchronous broker-side rejection of a submission.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "broker: order rejected: " + e.Reason
}

// Adapter is the boundary to the broker. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error)
	GetMarketSnapshot(ctx context.Context, instrument Instrument) (*MarketSnapshot, error)

	SubmitOrder(ctx context.Context, ticket OrderTicket) (*OrderState, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (*OrderState, error)

	ListFlexQueries(ctx context.Context) ([]FlexQuery, error)
	RunFlexQuery(ctx context.Context, queryID string) (*FlexReport, error)
}
