package broker

import (
	"context"
	"sync"
)

// MockBroker is a configurable Broker for tests. Unset hooks return empty
// results so tests only wire what they assert on. Calls are counted so tests
// can verify retry and pacing behaviour.
type MockBroker struct {
	mu    sync.Mutex
	calls map[string]int

	LTPFunc            func(ctx context.Context, keys []string) (map[string]float64, error)
	OHLCFunc           func(ctx context.Context, keys []string) (map[string]OHLCQuote, error)
	OptionChainFunc    func(ctx context.Context, key, expiry string) ([]ChainRow, error)
	ContractsFunc      func(ctx context.Context, symbol, key string) ([]string, error)
	HistoricalFunc     func(ctx context.Context, key, unit string, interval int) ([]Candle, error)
	PlaceOrderFunc     func(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyOrderFunc    func(ctx context.Context, orderID string, price float64, qty int) (*OrderResult, error)
	CancelOrderFunc    func(ctx context.Context, orderID string) (*OrderResult, error)
	OrderDetailsFunc   func(ctx context.Context, orderID string) (*OrderDetails, error)
	OrderBookFunc      func(ctx context.Context) ([]OrderDetails, error)
	PositionsFunc      func(ctx context.Context) ([]BrokerPosition, error)
	FundsFunc          func(ctx context.Context) (*Funds, error)
	ProfileFunc        func(ctx context.Context) (*Profile, error)
	AuthorizeFeedFunc  func(ctx context.Context) (string, error)
}

var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns an empty mock.
func NewMockBroker() *MockBroker {
	return &MockBroker{calls: make(map[string]int)}
}

func (m *MockBroker) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

// Calls returns how many times an operation was invoked.
func (m *MockBroker) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// LTP implements Broker.
func (m *MockBroker) LTP(ctx context.Context, keys []string) (map[string]float64, error) {
	m.record("LTP")
	if m.LTPFunc != nil {
		return m.LTPFunc(ctx, keys)
	}
	return map[string]float64{}, nil
}

// OHLCQuotes implements Broker.
func (m *MockBroker) OHLCQuotes(ctx context.Context, keys []string) (map[string]OHLCQuote, error) {
	m.record("OHLCQuotes")
	if m.OHLCFunc != nil {
		return m.OHLCFunc(ctx, keys)
	}
	return map[string]OHLCQuote{}, nil
}

// OptionChain implements Broker.
func (m *MockBroker) OptionChain(ctx context.Context, key, expiry string) ([]ChainRow, error) {
	m.record("OptionChain")
	if m.OptionChainFunc != nil {
		return m.OptionChainFunc(ctx, key, expiry)
	}
	return nil, nil
}

// OptionContracts implements Broker.
func (m *MockBroker) OptionContracts(ctx context.Context, symbol, key string) ([]string, error) {
	m.record("OptionContracts")
	if m.ContractsFunc != nil {
		return m.ContractsFunc(ctx, symbol, key)
	}
	return nil, nil
}

// HistoricalIntraday implements Broker.
func (m *MockBroker) HistoricalIntraday(ctx context.Context, key, unit string, interval int) ([]Candle, error) {
	m.record("HistoricalIntraday")
	if m.HistoricalFunc != nil {
		return m.HistoricalFunc(ctx, key, unit, interval)
	}
	return nil, nil
}

// PlaceOrder implements Broker.
func (m *MockBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.record("PlaceOrder")
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, req)
	}
	return &OrderResult{Status: "success", OrderID: "mock-order"}, nil
}

// ModifyOrder implements Broker.
func (m *MockBroker) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (*OrderResult, error) {
	m.record("ModifyOrder")
	if m.ModifyOrderFunc != nil {
		return m.ModifyOrderFunc(ctx, orderID, price, qty)
	}
	return &OrderResult{Status: "success", OrderID: orderID}, nil
}

// CancelOrder implements Broker.
func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	m.record("CancelOrder")
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID)
	}
	return &OrderResult{Status: "success", OrderID: orderID}, nil
}

// OrderDetails implements Broker.
func (m *MockBroker) OrderDetails(ctx context.Context, orderID string) (*OrderDetails, error) {
	m.record("OrderDetails")
	if m.OrderDetailsFunc != nil {
		return m.OrderDetailsFunc(ctx, orderID)
	}
	return &OrderDetails{OrderID: orderID, Status: "complete"}, nil
}

// OrderBook implements Broker.
func (m *MockBroker) OrderBook(ctx context.Context) ([]OrderDetails, error) {
	m.record("OrderBook")
	if m.OrderBookFunc != nil {
		return m.OrderBookFunc(ctx)
	}
	return nil, nil
}

// Positions implements Broker.
func (m *MockBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	m.record("Positions")
	if m.PositionsFunc != nil {
		return m.PositionsFunc(ctx)
	}
	return nil, nil
}

// Funds implements Broker.
func (m *MockBroker) Funds(ctx context.Context) (*Funds, error) {
	m.record("Funds")
	if m.FundsFunc != nil {
		return m.FundsFunc(ctx)
	}
	return &Funds{AvailableMargin: 1_000_000}, nil
}

// Profile implements Broker.
func (m *MockBroker) Profile(ctx context.Context) (*Profile, error) {
	m.record("Profile")
	if m.ProfileFunc != nil {
		return m.ProfileFunc(ctx)
	}
	return &Profile{UserID: "mock", Active: true}, nil
}

// AuthorizeFeed implements Broker.
func (m *MockBroker) AuthorizeFeed(ctx context.Context) (string, error) {
	m.record("AuthorizeFeed")
	if m.AuthorizeFeedFunc != nil {
		return m.AuthorizeFeedFunc(ctx)
	}
	return "wss://mock-feed", nil
}
