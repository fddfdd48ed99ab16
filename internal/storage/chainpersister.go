package storage

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bytevantage/optionflow/internal/models"
)

// chainSnapshotInterval caps snapshot writes to one per symbol per minute so
// the table doesn't bloat at tick cadence.
const chainSnapshotInterval = 60 * time.Second

// chainRetention is how long raw snapshots are kept for analysis.
const chainRetention = 30 * 24 * time.Hour

// ChainPersister appends raw option chain snapshots for later analysis. The
// core only writes: saves are fire-and-forget and rate limited per symbol,
// and failures never propagate to the trading loop.
type ChainPersister struct {
	store  Interface
	logger *log.Logger

	mu        sync.Mutex
	lastSave  map[models.Symbol]time.Time
	inflight  sync.WaitGroup
	now       func() time.Time
}

// NewChainPersister creates a persister writing through the given store.
func NewChainPersister(store Interface, logger *log.Logger) *ChainPersister {
	if logger == nil {
		logger = log.New(os.Stderr, "chainpersist: ", log.LstdFlags)
	}
	return &ChainPersister{
		store:    store,
		logger:   logger,
		lastSave: make(map[models.Symbol]time.Time),
		now:      time.Now,
	}
}

// Offer saves the snapshot asynchronously unless the symbol saved within the
// rate window. It returns immediately; the write happens in the background.
func (p *ChainPersister) Offer(chain *models.OptionChain) {
	if chain == nil || len(chain.Strikes) == 0 {
		return
	}

	p.mu.Lock()
	now := p.now()
	if last, ok := p.lastSave[chain.Symbol]; ok && now.Sub(last) < chainSnapshotInterval {
		p.mu.Unlock()
		return
	}
	p.lastSave[chain.Symbol] = now
	p.mu.Unlock()

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.SaveChainSnapshot(ctx, chain); err != nil {
			p.logger.Printf("chain snapshot save failed for %s: %v", chain.Symbol, err)
		}
	}()
}

// Cleanup prunes snapshots older than the retention window.
func (p *ChainPersister) Cleanup(ctx context.Context) error {
	return p.store.CleanupChainSnapshots(ctx, chainRetention)
}

// Drain waits for in-flight saves, bounded by the context.
func (p *ChainPersister) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
