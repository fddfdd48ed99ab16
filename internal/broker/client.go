package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bytevantage/optionflow/internal/ratelimit"
)

const (
	maxAttempts        = 3
	initialBackoff     = 500 * time.Millisecond
	maxRateCooldown    = 30 * time.Second
	errorBodyCap       = 64 << 10
	defaultHTTPTimeout = 10 * time.Second
)

// Client is the REST facade over the broker API. All operations are
// synchronous from the caller's viewpoint and never return raw transport
// errors: every failure is an *APIError.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *log.Logger

	// Per-endpoint-category limiters; no global lock.
	marketLimiter *ratelimit.Limiter
	orderLimiter  *ratelimit.Limiter
	otherLimiter  *ratelimit.Limiter

	sleep func(context.Context, time.Duration) error
}

// NewClient creates a broker client with pooled transport and keep-alive so
// connections and DNS resolutions are reused across calls.
func NewClient(baseURL, token string, ratePerSecond int, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "broker: ", log.LstdFlags)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Client{
		client: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: transport,
		},
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		logger:        logger,
		marketLimiter: ratelimit.New(ratePerSecond, time.Second),
		orderLimiter:  ratelimit.New(ratePerSecond, time.Second),
		otherLimiter:  ratelimit.New(ratePerSecond, time.Second),
		sleep:         sleepCtx,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.client = hc
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============ Market data ============

// LTP fetches last traded prices for the given instrument keys. The response
// map is normalized back to pipe-delimited keys.
func (c *Client) LTP(ctx context.Context, instrumentKeys []string) (map[string]float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.Join(instrumentKeys, ","))

	var resp ltpResponse
	if err := c.do(ctx, c.marketLimiter, http.MethodGet, "/market-quote/ltp?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Data))
	for key, quote := range resp.Data {
		out[NormalizeResponseKey(key)] = quote.LastPrice
	}
	return out, nil
}

// OHLCQuotes fetches OHLC quotes for the given instrument keys.
func (c *Client) OHLCQuotes(ctx context.Context, instrumentKeys []string) (map[string]OHLCQuote, error) {
	params := url.Values{}
	params.Set("symbol", strings.Join(instrumentKeys, ","))

	var resp ohlcResponse
	if err := c.do(ctx, c.marketLimiter, http.MethodGet, "/market-quote/ohlc?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]OHLCQuote, len(resp.Data))
	for key, quote := range resp.Data {
		out[NormalizeResponseKey(key)] = quote
	}
	return out, nil
}

// OptionChain fetches the raw chain for an underlying key and expiry date.
func (c *Client) OptionChain(ctx context.Context, instrumentKey, expiryDate string) ([]ChainRow, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)
	params.Set("expiry_date", expiryDate)

	var resp chainResponse
	if err := c.do(ctx, c.marketLimiter, http.MethodGet, "/option/chain?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// OptionContracts fetches the available expiries for an underlying.
func (c *Client) OptionContracts(ctx context.Context, symbol, instrumentKey string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("instrument_key", instrumentKey)

	var resp contractResponse
	if err := c.do(ctx, c.marketLimiter, http.MethodGet, "/option/contract?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var expiries []string
	for _, contract := range resp.Data {
		if contract.Expiry != "" && !seen[contract.Expiry] {
			seen[contract.Expiry] = true
			expiries = append(expiries, contract.Expiry)
		}
	}
	return expiries, nil
}

// HistoricalIntraday fetches intraday candles: unit is "minutes" or "hours",
// interval the bar width within the unit.
func (c *Client) HistoricalIntraday(ctx context.Context, instrumentKey, unit string, interval int) ([]Candle, error) {
	path := fmt.Sprintf("/historical-candle/intraday/%s/%s/%d", url.PathEscape(instrumentKey), unit, interval)

	var resp historicalResponse
	if err := c.do(ctx, c.marketLimiter, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(resp.Data.Candles))
	for _, row := range resp.Data.Candles {
		candle, ok := parseCandle(row)
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseCandle decodes one [ts, o, h, l, c, vol, oi] row; JSON numbers arrive
// as float64, the timestamp as a string.
func parseCandle(row []any) (Candle, bool) {
	if len(row) < 6 {
		return Candle{}, false
	}
	ts, ok := row[0].(string)
	if !ok {
		return Candle{}, false
	}
	nums := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, ok := row[i+1].(float64)
		if !ok {
			return Candle{}, false
		}
		nums[i] = v
	}
	return Candle{
		Timestamp: ts,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(nums[4]),
	}, true
}

// ============ Orders ============

// PlaceOrder submits an order and returns the broker's order ID.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var resp orderResponse
	if err := c.do(ctx, c.orderLimiter, http.MethodPost, "/order/place", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ModifyOrder changes price/quantity of a pending order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price float64, quantity int) (*OrderResult, error) {
	payload := map[string]any{
		"order_id": orderID,
		"price":    price,
		"quantity": quantity,
	}
	var resp orderResponse
	if err := c.do(ctx, c.orderLimiter, http.MethodPut, "/order/modify", payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("order_id", orderID)
	var resp orderResponse
	if err := c.do(ctx, c.orderLimiter, http.MethodDelete, "/order/cancel?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// OrderDetails fetches the state of one order.
func (c *Client) OrderDetails(ctx context.Context, orderID string) (*OrderDetails, error) {
	params := url.Values{}
	params.Set("order_id", orderID)
	var resp orderDetailsResponse
	if err := c.do(ctx, c.orderLimiter, http.MethodGet, "/order/details?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// OrderBook fetches all orders for the day.
func (c *Client) OrderBook(ctx context.Context) ([]OrderDetails, error) {
	var resp orderBookResponse
	if err := c.do(ctx, c.orderLimiter, http.MethodGet, "/order/retrieve-all", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ============ Portfolio / account ============

// Positions fetches the broker's short-term (intraday) positions.
func (c *Client) Positions(ctx context.Context) ([]BrokerPosition, error) {
	var resp positionsResponse
	if err := c.do(ctx, c.otherLimiter, http.MethodGet, "/portfolio/short-term-positions", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		resp.Data[i].InstrumentKey = NormalizeResponseKey(resp.Data[i].InstrumentKey)
	}
	return resp.Data, nil
}

// Funds fetches available and used margin.
func (c *Client) Funds(ctx context.Context) (*Funds, error) {
	var resp fundsResponse
	if err := c.do(ctx, c.otherLimiter, http.MethodGet, "/user/get-funds-and-margin", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Equity, nil
}

// Profile fetches the authenticated user profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, c.otherLimiter, http.MethodGet, "/user/profile", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// AuthorizeFeed obtains the one-shot push-socket URL.
func (c *Client) AuthorizeFeed(ctx context.Context) (string, error) {
	var resp feedAuthorizeResponse
	if err := c.do(ctx, c.otherLimiter, http.MethodGet, "/feed/market-data-feed/authorize", nil, &resp); err != nil {
		return "", err
	}
	uri := resp.Data.AuthorizedRedirectURI
	if uri == "" {
		return "", &APIError{Kind: KindPermanent, Op: "AuthorizeFeed", Body: "empty authorized_redirect_uri"}
	}
	return uri, nil
}

// ============ Request plumbing ============

// do performs one logical API call: limiter pacing, up to maxAttempts
// attempts with exponential backoff on transient failures, and a
// 2^attempt-proportional cooldown (capped) on 429s.
func (c *Client) do(ctx context.Context, limiter *ratelimit.Limiter, method, path string, body, out any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var lastErr *APIError
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := limiter.Acquire(ctx); err != nil {
			return &APIError{Kind: KindPermanent, Op: op, Err: err}
		}

		apiErr := c.doOnce(ctx, method, path, body, out)
		if apiErr == nil {
			return nil
		}
		lastErr = apiErr
		if !apiErr.Retryable() || attempt == maxAttempts-1 {
			break
		}

		wait := backoff
		if apiErr.Kind == KindRateLimited {
			cooldown := time.Duration(math.Pow(2, float64(attempt+1))) * time.Second
			if cooldown > maxRateCooldown {
				cooldown = maxRateCooldown
			}
			wait += cooldown
		}
		c.logger.Printf("%s attempt %d/%d failed (%s), retrying in %v", op, attempt+1, maxAttempts, apiErr.Kind, wait)
		if err := c.sleep(ctx, wait); err != nil {
			return &APIError{Kind: KindPermanent, Op: op, Err: err}
		}
		backoff *= 2
	}
	return lastErr
}

// doOnce performs a single HTTP round trip and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) *APIError {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindPermanent, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Kind: KindPermanent, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &APIError{Kind: classifyTransport(err), Op: op, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Printf("failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		detail := string(raw)
		if readErr != nil {
			detail = "failed to read error body"
		}
		return &APIError{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Op: op, Body: detail}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return &APIError{Kind: KindPermanent, Op: op, Body: "malformed response", Err: err}
	}
	return nil
}
