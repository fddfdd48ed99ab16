package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker decorates a Broker with a gobreaker circuit so a
// failing API stops being hammered. While the circuit is open every call
// fails fast with a transient error and callers fall through to cached data.
type CircuitBreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
}

// DefaultBreakerSettings trips after 5 consecutive failures and probes again
// after 30 seconds.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "broker-api",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent (4xx) answers are the API working as designed;
			// only transport-level failures should trip the circuit.
			return err == nil || IsPermanent(err)
		},
	}
}

// NewCircuitBreakerBroker wraps a broker with the default breaker settings.
func NewCircuitBreakerBroker(inner Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(inner, DefaultBreakerSettings())
}

// NewCircuitBreakerBrokerWithSettings wraps a broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(inner Broker, settings gobreaker.Settings) *CircuitBreakerBroker {
	return &CircuitBreakerBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// State exposes the breaker state for health reporting.
func (b *CircuitBreakerBroker) State() gobreaker.State { return b.breaker.State() }

func execute[T any](b *CircuitBreakerBroker, op string, fn func() (T, error)) (T, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, &APIError{Kind: KindTransient, Op: op, Err: err, Body: "circuit open"}
		}
		return zero, err
	}
	out, _ := result.(T)
	return out, nil
}

// LTP implements Broker.
func (b *CircuitBreakerBroker) LTP(ctx context.Context, keys []string) (map[string]float64, error) {
	return execute(b, "LTP", func() (map[string]float64, error) { return b.inner.LTP(ctx, keys) })
}

// OHLCQuotes implements Broker.
func (b *CircuitBreakerBroker) OHLCQuotes(ctx context.Context, keys []string) (map[string]OHLCQuote, error) {
	return execute(b, "OHLCQuotes", func() (map[string]OHLCQuote, error) { return b.inner.OHLCQuotes(ctx, keys) })
}

// OptionChain implements Broker.
func (b *CircuitBreakerBroker) OptionChain(ctx context.Context, key, expiry string) ([]ChainRow, error) {
	return execute(b, "OptionChain", func() ([]ChainRow, error) { return b.inner.OptionChain(ctx, key, expiry) })
}

// OptionContracts implements Broker.
func (b *CircuitBreakerBroker) OptionContracts(ctx context.Context, symbol, key string) ([]string, error) {
	return execute(b, "OptionContracts", func() ([]string, error) { return b.inner.OptionContracts(ctx, symbol, key) })
}

// HistoricalIntraday implements Broker.
func (b *CircuitBreakerBroker) HistoricalIntraday(ctx context.Context, key, unit string, interval int) ([]Candle, error) {
	return execute(b, "HistoricalIntraday", func() ([]Candle, error) {
		return b.inner.HistoricalIntraday(ctx, key, unit, interval)
	})
}

// PlaceOrder implements Broker.
func (b *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execute(b, "PlaceOrder", func() (*OrderResult, error) { return b.inner.PlaceOrder(ctx, req) })
}

// ModifyOrder implements Broker.
func (b *CircuitBreakerBroker) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (*OrderResult, error) {
	return execute(b, "ModifyOrder", func() (*OrderResult, error) { return b.inner.ModifyOrder(ctx, orderID, price, qty) })
}

// CancelOrder implements Broker.
func (b *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	return execute(b, "CancelOrder", func() (*OrderResult, error) { return b.inner.CancelOrder(ctx, orderID) })
}

// OrderDetails implements Broker.
func (b *CircuitBreakerBroker) OrderDetails(ctx context.Context, orderID string) (*OrderDetails, error) {
	return execute(b, "OrderDetails", func() (*OrderDetails, error) { return b.inner.OrderDetails(ctx, orderID) })
}

// OrderBook implements Broker.
func (b *CircuitBreakerBroker) OrderBook(ctx context.Context) ([]OrderDetails, error) {
	return execute(b, "OrderBook", func() ([]OrderDetails, error) { return b.inner.OrderBook(ctx) })
}

// Positions implements Broker.
func (b *CircuitBreakerBroker) Positions(ctx context.Context) ([]BrokerPosition, error) {
	return execute(b, "Positions", func() ([]BrokerPosition, error) { return b.inner.Positions(ctx) })
}

// Funds implements Broker.
func (b *CircuitBreakerBroker) Funds(ctx context.Context) (*Funds, error) {
	return execute(b, "Funds", func() (*Funds, error) { return b.inner.Funds(ctx) })
}

// Profile implements Broker.
func (b *CircuitBreakerBroker) Profile(ctx context.Context) (*Profile, error) {
	return execute(b, "Profile", func() (*Profile, error) { return b.inner.Profile(ctx) })
}

// AuthorizeFeed implements Broker.
func (b *CircuitBreakerBroker) AuthorizeFeed(ctx context.Context) (string, error) {
	return execute(b, "AuthorizeFeed", func() (string, error) { return b.inner.AuthorizeFeed(ctx) })
}
