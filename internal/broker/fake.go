package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeAdapter is an in-memory broker used in paper mode and tests. It holds
// a synthetic portfolio and market prices, accepts orders, and advances each
// order's status by a configurable script as it is polled.
type FakeAdapter struct {
	mu        sync.Mutex
	connected bool
	accountID string

	portfolio *Portfolio
	prices    map[string]decimal.Decimal
	volumes   map[string]int64

	orders      map[string]*fakeOrder
	nextOrderID int

	// FillAfterPolls controls how many status polls an order stays
	// SUBMITTED before flipping to FILLED. Zero fills on the first poll.
	FillAfterPolls int
	// SlippageBps is applied to the reference price when filling market
	// orders, in basis points, in the direction adverse to the trade.
	SlippageBps int64
	// RejectSymbols lists symbols whose submissions are rejected
	// synchronously.
	RejectSymbols map[string]string

	flexQueries []FlexQuery
	logger      *log.Logger
}

type fakeOrder struct {
	ticket OrderTicket
	state  OrderState
	polls  int
	// script, when non-empty, overrides the default fill progression.
	script []OrderStatus
}

// DefaultFakeAccount is the paper account the fake adapter serves.
const DefaultFakeAccount = "DU123456"

// NewFakeAdapter builds a fake broker with a 100k USD paper portfolio and a
// small set of quoted symbols.
func NewFakeAdapter() *FakeAdapter {
	cash := decimal.NewFromInt(100_000)
	f := &FakeAdapter{
		accountID: DefaultFakeAccount,
		portfolio: &Portfolio{
			AccountID:  DefaultFakeAccount,
			Positions:  nil,
			Cash:       []Cash{{Currency: "USD", Available: cash, Total: cash}},
			TotalValue: cash,
			Timestamp:  time.Now().UTC(),
		},
		prices: map[string]decimal.Decimal{
			"AAPL": decimal.RequireFromString("150.00"),
			"MSFT": decimal.RequireFromString("380.00"),
			"TSLA": decimal.RequireFromString("300.00"),
			"GME":  decimal.RequireFromString("300.00"),
			"SPY":  decimal.RequireFromString("500.00"),
		},
		volumes: map[string]int64{
			"AAPL": 50_000_000,
			"MSFT": 20_000_000,
			"TSLA": 90_000_000,
			"GME":  5_000_000,
			"SPY":  70_000_000,
		},
		orders: map[string]*fakeOrder{},
		flexQueries: []FlexQuery{
			{ID: "trades_daily", Name: "Daily Trades", Description: "Executions for the current day"},
			{ID: "cash_report", Name: "Cash Report", Description: "Cash balances by currency"},
		},
		FillAfterPolls: 1,
		SlippageBps:    5,
		logger:         log.New(log.Writer(), "[FAKE-BROKER] ", log.LstdFlags),
	}
	return f
}

// SetPrice sets the quoted price for a symbol.
func (f *FakeAdapter) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[strings.ToUpper(symbol)] = price
}

// SetPortfolio replaces the fake portfolio snapshot.
func (f *FakeAdapter) SetPortfolio(p *Portfolio) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolio = p
	f.accountID = p.AccountID
}

// ScriptOrderStatuses makes the next submitted order walk the given status
// sequence, one step per poll, instead of the default fill progression.
func (f *FakeAdapter) ScriptOrderStatuses(brokerOrderID string, statuses ...OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[brokerOrderID]; ok {
		o.script = statuses
		o.polls = 0
	}
}

func (f *FakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeAdapter) GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if accountID != f.accountID {
		return nil, fmt.Errorf("broker: unknown account %s", accountID)
	}
	snap := *f.portfolio
	snap.Timestamp = time.Now().UTC()
	return &snap, nil
}

func (f *FakeAdapter) GetMarketSnapshot(ctx context.Context, instrument Instrument) (*MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[strings.ToUpper(instrument.Symbol)]
	if !ok {
		return nil, ErrPriceUnavailable
	}
	spread := price.Mul(decimal.RequireFromString("0.0002"))
	bid := price.Sub(spread)
	ask := price.Add(spread)
	last := price
	return &MarketSnapshot{
		Instrument: instrument,
		Bid:        &bid,
		Ask:        &ask,
		Last:       &last,
		Volume:     f.volumes[strings.ToUpper(instrument.Symbol)],
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (f *FakeAdapter) SubmitOrder(ctx context.Context, ticket OrderTicket) (*OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reason, ok := f.RejectSymbols[strings.ToUpper(ticket.Instrument.Symbol)]; ok {
		return nil, &RejectedError{Reason: reason}
	}
	if _, ok := f.prices[strings.ToUpper(ticket.Instrument.Symbol)]; !ok {
		return nil, &RejectedError{Reason: "no market for symbol " + ticket.Instrument.Symbol}
	}

	f.nextOrderID++
	id := fmt.Sprintf("FAKE-%06d", f.nextOrderID)
	o := &fakeOrder{
		ticket: ticket,
		state: OrderState{
			BrokerOrderID:  id,
			Status:         StatusSubmitted,
			FilledQuantity: decimal.Zero,
			UpdatedAt:      time.Now().UTC(),
		},
	}
	f.orders[id] = o
	f.logger.Printf("accepted %s %s %s x%s as %s",
		ticket.Side, ticket.OrderType, ticket.Instrument.Symbol, ticket.Quantity, id)

	st := o.state
	return &st, nil
}

func (f *FakeAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[brokerOrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if !o.state.Status.IsTerminal() {
		o.polls++
		f.advance(o)
	}
	st := o.state
	return &st, nil
}

// advance steps the order along its script, or fills it after
// FillAfterPolls polls.
func (f *FakeAdapter) advance(o *fakeOrder) {
	if len(o.script) > 0 {
		idx := o.polls - 1
		if idx >= len(o.script) {
			idx = len(o.script) - 1
		}
		o.state.Status = o.script[idx]
		if o.state.Status == StatusFilled {
			f.fill(o)
		}
		o.state.UpdatedAt = time.Now().UTC()
		return
	}
	if o.polls > f.FillAfterPolls {
		o.state.Status = StatusFilled
		f.fill(o)
		o.state.UpdatedAt = time.Now().UTC()
	}
}

func (f *FakeAdapter) fill(o *fakeOrder) {
	price := f.fillPrice(o.ticket)
	o.state.FilledQuantity = o.ticket.Quantity
	o.state.AverageFillPrice = &price
}

func (f *FakeAdapter) fillPrice(t OrderTicket) decimal.Decimal {
	if t.OrderType == OrderLimit || t.OrderType == OrderStopLimit {
		if t.LimitPrice != nil {
			return *t.LimitPrice
		}
	}
	price := f.prices[strings.ToUpper(t.Instrument.Symbol)]
	slip := price.Mul(decimal.NewFromInt(f.SlippageBps)).Div(decimal.NewFromInt(10_000))
	if t.Side == SideBuy {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

func (f *FakeAdapter) CancelOrder(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[brokerOrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if !o.state.Status.IsTerminal() {
		o.state.Status = StatusCancelled
		o.state.UpdatedAt = time.Now().UTC()
	}
	st := o.state
	return &st, nil
}

func (f *FakeAdapter) ListFlexQueries(ctx context.Context) ([]FlexQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FlexQuery, len(f.flexQueries))
	copy(out, f.flexQueries)
	return out, nil
}

func (f *FakeAdapter) RunFlexQuery(ctx context.Context, queryID string) (*FlexReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.flexQueries {
		if q.ID == queryID {
			return &FlexReport{
				QueryID:     queryID,
				GeneratedAt: time.Now().UTC(),
				Rows: []map[string]interface{}{
					{"account_id": f.accountID, "report": q.Name},
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("broker: unknown flex query %q", queryID)
}
