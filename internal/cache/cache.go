// Package cache provides the two-tier market data cache: a process-local map
// tier and an optional shared Redis tier. Entries are JSON-encoded with an
// explicit captured_at; expired entries are never returned.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-domain freshness contracts.
const (
	TTLSpot       = 5 * time.Second
	TTLChain      = 10 * time.Second
	TTLTechnicals = 30 * time.Second
	TTLIVHistory  = 5 * time.Minute
)

// entry is the stored envelope: the JSON value plus its capture instant.
type entry struct {
	Value      json.RawMessage `json:"value"`
	CapturedAt time.Time       `json:"captured_at"`
}

// SharedTier is the subset of the Redis client the cache uses; nil or an
// unreachable tier degrades the cache to local-only.
type SharedTier interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Cache is the two-tier store. Reads consult local first, then shared; both
// honour the per-call TTL. Writes go to both tiers best-effort and never
// block the hot path on shared-tier failures.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]entry
	shared SharedTier
	logger *log.Logger
	now    func() time.Time

	// degraded latches after the first shared-tier failure so the log
	// doesn't repeat on every call.
	degradedOnce sync.Once
}

// New creates a cache. shared may be nil for local-only operation.
func New(shared SharedTier, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "cache: ", log.LstdFlags)
	}
	return &Cache{
		local:  make(map[string]entry),
		shared: shared,
		logger: logger,
		now:    time.Now,
	}
}

// NewRedisTier builds the shared tier from an address, or nil when the
// address is empty.
func NewRedisTier(addr, password string, db int) SharedTier {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

// Get loads the value at key into out when a tier holds an entry no older
// than ttl. It returns false (never stale data) once the TTL has expired;
// the caller refreshes.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, out any) bool {
	now := c.now()

	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok && now.Sub(e.CapturedAt) <= ttl {
		if err := json.Unmarshal(e.Value, out); err == nil {
			return true
		}
	}

	if c.shared == nil {
		return false
	}
	raw, err := c.shared.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.noteDegraded(err)
		}
		return false
	}
	var se entry
	if err := json.Unmarshal([]byte(raw), &se); err != nil {
		return false
	}
	if now.Sub(se.CapturedAt) > ttl {
		return false
	}
	if err := json.Unmarshal(se.Value, out); err != nil {
		return false
	}
	// Promote the shared hit into the local tier.
	c.mu.Lock()
	c.local[key] = se
	c.mu.Unlock()
	return true
}

// Set stores the value in both tiers with the given TTL. Failures are logged
// once and otherwise ignored: cache writes never fail the hot path.
func (c *Cache) Set(ctx context.Context, key string, ttl time.Duration, value any) {
	c.SetAt(ctx, key, ttl, value, c.now())
}

// SetAt stores the value with an explicit capture instant, used when the
// data's own timestamp predates the write.
func (c *Cache) SetAt(ctx context.Context, key string, ttl time.Duration, value any, capturedAt time.Time) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Printf("cache: marshal %q: %v", key, err)
		return
	}
	e := entry{Value: raw, CapturedAt: capturedAt}

	c.mu.Lock()
	c.local[key] = e
	c.mu.Unlock()

	if c.shared == nil {
		return
	}
	envelope, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, key, envelope, ttl).Err(); err != nil {
		c.noteDegraded(err)
	}
}

// Age returns the age of the local entry at key, or false when absent. Used
// by the spot resolver to report when a cached price was captured.
func (c *Cache) Age(key string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.local[key]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.CapturedAt), true
}

// Sweep drops local entries older than maxAge; called periodically so the
// local tier does not grow without bound.
func (c *Cache) Sweep(maxAge time.Duration) {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.local {
		if e.CapturedAt.Before(cutoff) {
			delete(c.local, key)
		}
	}
}

func (c *Cache) noteDegraded(err error) {
	c.degradedOnce.Do(func() {
		c.logger.Printf("cache: shared tier unavailable, degrading to local-only: %v", err)
	})
}

// Key builders keep cache key spelling in one place.

// SpotKey is the cache key for a symbol's spot price.
func SpotKey(symbol string) string { return "spot:" + symbol }

// ChainKey is the cache key for a symbol+expiry option chain.
func ChainKey(symbol, expiry string) string { return "chain:" + symbol + ":" + expiry }

// TechnicalsKey is the cache key for per-timeframe indicators.
func TechnicalsKey(symbol, timeframe string) string { return "tech:" + symbol + ":" + timeframe }

// IVHistoryKey is the cache key for the rolling IV series.
func IVHistoryKey(symbol string) string { return "ivhist:" + symbol }
