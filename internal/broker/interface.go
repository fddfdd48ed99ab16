package broker

import "context"

// Broker is the interface the engine trades through. *Client implements it
// against the live REST API; tests substitute a mock and the circuit wrapper
// decorates any implementation.
type Broker interface {
	// Market data
	LTP(ctx context.Context, instrumentKeys []string) (map[string]float64, error)
	OHLCQuotes(ctx context.Context, instrumentKeys []string) (map[string]OHLCQuote, error)
	OptionChain(ctx context.Context, instrumentKey, expiryDate string) ([]ChainRow, error)
	OptionContracts(ctx context.Context, symbol, instrumentKey string) ([]string, error)
	HistoricalIntraday(ctx context.Context, instrumentKey, unit string, interval int) ([]Candle, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, price float64, quantity int) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderResult, error)
	OrderDetails(ctx context.Context, orderID string) (*OrderDetails, error)
	OrderBook(ctx context.Context) ([]OrderDetails, error)

	// Account
	Positions(ctx context.Context) ([]BrokerPosition, error)
	Funds(ctx context.Context) (*Funds, error)
	Profile(ctx context.Context) (*Profile, error)

	// Feed
	AuthorizeFeed(ctx context.Context) (string, error)
}

var _ Broker = (*Client)(nil)
var _ Broker = (*CircuitBreakerBroker)(nil)
