// Package reorg detects reorganisations of a watched chain and rolls every
// bridge component back to the highest common ancestor.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/retry"
)

var reorgCounter = metrics.NewRegisteredCounter("bridge/reorg/detected", nil)

// Config is the per-chain reorg monitor configuration.
type Config struct {
	ChainID  uint64
	Window   uint64        `toml:",omitempty"` // heights below the head whose hash is tracked
	Interval time.Duration `toml:",omitempty"`
}

// DefaultConfig contains the default monitor settings.
var DefaultConfig = Config{
	Window:   params.DefaultReorgWindow,
	Interval: params.DefaultReorgInterval,
}

// Rollback describes a detected reorganisation. Ancestor is the highest
// height whose recorded hash still matches the chain.
type Rollback struct {
	ChainID      uint64
	Ancestor     uint64
	ForkHeight   uint64      // lowest height whose hash changed
	ExpectedHash common.Hash // recorded hash at ForkHeight
	ActualHash   common.Hash // canonical hash at ForkHeight, zero if the block is gone
	OldHead      uint64
	NewHead      uint64
	Invalidated  []types.EventKey
	Cancelled    int
	DetectedAt   time.Time
}

// Depth returns the number of heights rolled back.
func (r *Rollback) Depth() uint64 { return r.OldHead - r.Ancestor }

// Invalidator discards attestation rounds above a height.
type Invalidator interface {
	InvalidateAbove(chainID, height uint64) []types.EventKey
}

// Rewinder resets an event watcher to a height.
type Rewinder interface {
	Rollback(height uint64)
}

// Canceller aborts in-flight settlements of the given keys.
type Canceller interface {
	Cancel(keys ...types.EventKey) int
}

// Monitor tracks the block hashes of one chain.
type Monitor struct {
	config      Config
	client      gbridge.ChainReader
	db          bridgedb.KeyValueStore
	scheduler   *retry.Scheduler
	invalidator Invalidator
	rewinder    Rewinder
	canceller   Canceller
	log         log.Logger

	mu   sync.Mutex // serialises Observe
	last *Rollback

	feed  event.Feed
	scope event.SubscriptionScope

	depthGauge metrics.Gauge
}

// New creates a monitor. Any of invalidator, rewinder and canceller may be nil.
func New(config Config, client gbridge.ChainReader, db bridgedb.KeyValueStore, scheduler *retry.Scheduler, invalidator Invalidator, rewinder Rewinder, canceller Canceller) *Monitor {
	if config.Window == 0 {
		config.Window = DefaultConfig.Window
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig.Interval
	}
	return &Monitor{
		config:      config,
		client:      client,
		db:          db,
		scheduler:   scheduler,
		invalidator: invalidator,
		rewinder:    rewinder,
		canceller:   canceller,
		log:         log.New("chain", config.ChainID, "component", "reorg"),
		depthGauge:  metrics.GetOrRegisterGauge(fmt.Sprintf("bridge/reorg/%d/depth", config.ChainID), nil),
	}
}

// SubscribeRollbacks registers a subscription for detected rollbacks.
func (m *Monitor) SubscribeRollbacks(ch chan<- Rollback) event.Subscription {
	return m.scope.Track(m.feed.Subscribe(ch))
}

// Close terminates all subscriptions.
func (m *Monitor) Close() {
	m.scope.Close()
}

// Last returns the most recent rollback, if any.
func (m *Monitor) Last() *Rollback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) blockHash(ctx context.Context, height uint64) (common.Hash, error) {
	hash, err := retry.Do(ctx, m.scheduler, "block-hash", func(ctx context.Context) (common.Hash, error) {
		return m.client.BlockHash(ctx, m.config.ChainID, height)
	})
	if errors.Is(err, gbridge.NotFound) {
		return common.Hash{}, nil
	}
	return hash, err
}

// Observe compares the recorded hashes with the chain from the top down and
// records the hashes of new heights. It returns a non-nil Rollback when a
// reorganisation was found and handled.
func (m *Monitor) Observe(ctx context.Context) (*Rollback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := retry.Do(ctx, m.scheduler, "current-height", func(ctx context.Context) (uint64, error) {
		return m.client.CurrentHeight(ctx, m.config.ChainID)
	})
	if err != nil {
		return nil, err
	}
	records := rawdb.ReadBlockHashes(m.db, m.config.ChainID)

	var rb *Rollback
	if len(records) > 0 {
		if rb, err = m.detect(ctx, records, head); err != nil {
			return nil, err
		}
	}
	if rb != nil {
		m.apply(rb)
		records = rawdb.ReadBlockHashes(m.db, m.config.ChainID)
	}
	if err := m.record(ctx, records, head); err != nil {
		return rb, err
	}
	return rb, nil
}

// detect walks the records from the highest height down to the first one the
// chain still agrees with.
func (m *Monitor) detect(ctx context.Context, records []rawdb.BlockHashRecord, head uint64) (*Rollback, error) {
	top := records[len(records)-1]
	var rb *Rollback
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		var actual common.Hash
		if rec.Height <= head {
			hash, err := m.blockHash(ctx, rec.Height)
			if err != nil {
				return nil, err
			}
			actual = hash
		}
		if actual == rec.Hash {
			if rb != nil {
				rb.Ancestor = rec.Height
			}
			return rb, nil
		}
		if rb == nil {
			rb = &Rollback{ChainID: m.config.ChainID, OldHead: top.Height, NewHead: head, DetectedAt: time.Now()}
		}
		rb.ForkHeight, rb.ExpectedHash, rb.ActualHash = rec.Height, rec.Hash, actual
	}
	// Nothing in the window matches any more.
	if records[0].Height > 0 {
		rb.Ancestor = records[0].Height - 1
	}
	m.log.Error("Reorganisation deeper than the tracked window", "window", m.config.Window, "oldest", records[0].Height, "ancestor", rb.Ancestor)
	return rb, nil
}

func (m *Monitor) apply(rb *Rollback) {
	if m.invalidator != nil {
		rb.Invalidated = m.invalidator.InvalidateAbove(rb.ChainID, rb.Ancestor)
	}
	if m.rewinder != nil {
		m.rewinder.Rollback(rb.Ancestor)
	}
	if m.canceller != nil && len(rb.Invalidated) > 0 {
		rb.Cancelled = m.canceller.Cancel(rb.Invalidated...)
	}
	rawdb.DeleteBlockHashes(m.db, rb.ChainID, rb.Ancestor, 0)

	reorgCounter.Inc(1)
	m.depthGauge.Update(int64(rb.Depth()))
	m.last = rb
	m.log.Warn("Chain reorganisation", "ancestor", rb.Ancestor, "fork", rb.ForkHeight,
		"expected", rb.ExpectedHash, "actual", rb.ActualHash, "depth", rb.Depth(),
		"invalidated", len(rb.Invalidated), "cancelled", rb.Cancelled)
	m.feed.Send(*rb)
}

// record stores the hashes of the heights above the last record and prunes
// records that fell out of the window.
func (m *Monitor) record(ctx context.Context, records []rawdb.BlockHashRecord, head uint64) error {
	var floor uint64
	if head+1 > m.config.Window {
		floor = head + 1 - m.config.Window
	}
	from := floor
	if n := len(records); n > 0 && records[n-1].Height+1 > from {
		from = records[n-1].Height + 1
	}
	batch := m.db.NewBatch()
	for h := from; h <= head; h++ {
		hash, err := m.blockHash(ctx, h)
		if err != nil {
			batch.Write()
			return err
		}
		if hash == (common.Hash{}) {
			break
		}
		rawdb.WriteBlockHash(batch, m.config.ChainID, h, hash)
	}
	if err := batch.Write(); err != nil {
		log.Crit("Failed to store block hash records", "err", err)
	}
	if floor > 0 {
		rawdb.DeleteBlockHashes(m.db, m.config.ChainID, head, floor)
	}
	return nil
}

// Run observes the chain every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Observe(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("Reorg check failed", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
