// Package watcher follows the gateway events of one chain and hands every
// finalized event to its consumer exactly once per run.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/retry"
)

var (
	ErrStalled    = errors.New("watcher: chain stalled")
	ErrRolledBack = errors.New("watcher: poll overtaken by rollback")
)

// Config is the per-chain watcher configuration.
type Config struct {
	ChainID           uint64
	ConfirmationDepth uint64        `toml:",omitempty"`
	PollInterval      time.Duration `toml:",omitempty"`
	StallInterval     time.Duration `toml:",omitempty"`
	MaxRange          uint64        `toml:",omitempty"` // heights fetched per Events call
	DedupCache        int           `toml:",omitempty"`
	StartHeight       uint64        `toml:",omitempty"` // first height considered without a checkpoint
}

// DefaultConfig contains the default watcher settings.
var DefaultConfig = Config{
	ConfirmationDepth: params.DefaultConfirmationDepth,
	PollInterval:      params.DefaultPollInterval,
	StallInterval:     params.DefaultStallInterval,
	MaxRange:          params.DefaultMaxRange,
	DedupCache:        params.DefaultDedupCache,
}

func (c Config) sanitize() Config {
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = DefaultConfig.ConfirmationDepth
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.StallInterval <= 0 {
		c.StallInterval = DefaultConfig.StallInterval
	}
	if c.MaxRange == 0 {
		c.MaxRange = DefaultConfig.MaxRange
	}
	if c.DedupCache <= 0 {
		c.DedupCache = DefaultConfig.DedupCache
	}
	return c
}

// Status is a point in time view of a watcher.
type Status struct {
	ChainID    uint64           `json:"chainId"`
	Checkpoint types.Checkpoint `json:"checkpoint"`
	Head       uint64           `json:"head"`
	Pending    int              `json:"pending"`
	Queued     int              `json:"queued"`
	Stalled    bool             `json:"stalled"`
	LastError  string           `json:"lastError,omitempty"`
	LastPoll   time.Time        `json:"lastPoll"`
}

// Watcher polls one chain for gateway events.
type Watcher struct {
	config    Config
	client    gbridge.ChainReader
	db        bridgedb.KeyValueStore
	scheduler *retry.Scheduler
	queue     *Queue
	log       log.Logger

	mu         sync.Mutex
	checkpoint types.Checkpoint
	pending    []types.Event // fetched, not yet final
	emitted    *lru.Cache    // EventKey -> block height
	epoch      uint64        // bumped by Rollback
	head       uint64
	stalled    bool
	lastErr    error
	lastPoll   time.Time

	heightGauge    metrics.Gauge
	finalizedGauge metrics.Gauge
	emittedCounter metrics.Counter
	stallCounter   metrics.Counter
}

// New creates a watcher. The checkpoint is loaded from db; without one the
// watcher starts right below config.StartHeight. After a restart events above
// the finalized height are fetched again.
func New(config Config, client gbridge.ChainReader, db bridgedb.KeyValueStore, scheduler *retry.Scheduler) (*Watcher, error) {
	config = config.sanitize()
	emitted, err := lru.New(config.DedupCache)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		config:    config,
		client:    client,
		db:        db,
		scheduler: scheduler,
		queue:     NewQueue(config.ChainID),
		log:       log.New("chain", config.ChainID),
		emitted:   emitted,

		heightGauge:    metrics.GetOrRegisterGauge(fmt.Sprintf("bridge/watcher/%d/height", config.ChainID), nil),
		finalizedGauge: metrics.GetOrRegisterGauge(fmt.Sprintf("bridge/watcher/%d/finalized", config.ChainID), nil),
		emittedCounter: metrics.GetOrRegisterCounter(fmt.Sprintf("bridge/watcher/%d/emitted", config.ChainID), nil),
		stallCounter:   metrics.GetOrRegisterCounter(fmt.Sprintf("bridge/watcher/%d/stalls", config.ChainID), nil),
	}
	w.checkpoint = types.Checkpoint{ChainID: config.ChainID}
	if config.StartHeight > 0 {
		w.checkpoint.LastProcessedHeight = config.StartHeight - 1
		w.checkpoint.LastFinalizedHeight = config.StartHeight - 1
	}
	if cp := rawdb.ReadCheckpoint(db, config.ChainID); cp != nil {
		w.checkpoint = *cp
		w.checkpoint.LastProcessedHeight = cp.LastFinalizedHeight
		w.log.Info("Resuming event watcher", "finalized", cp.LastFinalizedHeight)
	}
	return w, nil
}

// ChainID returns the id of the watched chain.
func (w *Watcher) ChainID() uint64 { return w.config.ChainID }

// Queue returns the delivery queue of finalized events.
func (w *Watcher) Queue() *Queue { return w.queue }

// Checkpoint returns the current checkpoint.
func (w *Watcher) Checkpoint() types.Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		ChainID:    w.config.ChainID,
		Checkpoint: w.checkpoint,
		Head:       w.head,
		Pending:    len(w.pending),
		Queued:     w.queue.Len(),
		Stalled:    w.stalled,
		LastPoll:   w.lastPoll,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Poll runs one watch cycle and returns the events that became final, in
// (height, log index) order. Events already returned in this run are not
// returned again.
func (w *Watcher) Poll(ctx context.Context) ([]types.Event, error) {
	w.mu.Lock()
	epoch, from := w.epoch, w.checkpoint.LastProcessedHeight+1
	w.mu.Unlock()

	head, err := retry.Do(ctx, w.scheduler, "current-height", func(ctx context.Context) (uint64, error) {
		return w.client.CurrentHeight(ctx, w.config.ChainID)
	})
	if err != nil {
		return nil, w.fail(err)
	}
	var fetched []types.Event
	to := head
	if from <= head {
		if to-from+1 > w.config.MaxRange {
			to = from + w.config.MaxRange - 1
		}
		fetched, err = retry.Do(ctx, w.scheduler, "events", func(ctx context.Context) ([]types.Event, error) {
			return w.client.Events(ctx, w.config.ChainID, from, to)
		})
		if err != nil {
			return nil, w.fail(err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.epoch != epoch {
		w.log.Debug("Discarding poll result overtaken by rollback", "from", from, "to", to)
		return nil, ErrRolledBack
	}
	w.recover()
	w.head, w.lastPoll = head, time.Now()
	w.heightGauge.Update(int64(head))

	if from <= head {
		for _, ev := range fetched {
			if ev.ChainID != w.config.ChainID || ev.BlockHeight < from || ev.BlockHeight > to {
				w.log.Warn("Ignoring event outside the requested range", "key", ev.Key(), "height", ev.BlockHeight)
				continue
			}
			w.pending = append(w.pending, ev)
		}
		w.checkpoint.LastProcessedHeight = to
	}
	tip, ok := types.FinalizedTip(head, w.config.ConfirmationDepth)
	if !ok {
		return nil, nil
	}
	if tip > w.checkpoint.LastProcessedHeight {
		tip = w.checkpoint.LastProcessedHeight
	}
	if tip <= w.checkpoint.LastFinalizedHeight {
		return nil, nil
	}
	var ready, rest []types.Event
	for _, ev := range w.pending {
		if ev.BlockHeight <= tip {
			ready = append(ready, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	w.pending = rest
	sort.Sort(types.EventsByPosition(ready))

	out := ready[:0]
	for _, ev := range ready {
		key := ev.Key()
		if w.emitted.Contains(key) {
			continue
		}
		w.emitted.Add(key, ev.BlockHeight)
		ev.Confirmations = types.Confirmations(head, ev.BlockHeight)
		out = append(out, ev)
	}
	w.checkpoint.LastFinalizedHeight = tip
	rawdb.WriteCheckpoint(w.db, &w.checkpoint)
	w.finalizedGauge.Update(int64(w.checkpoint.LastFinalizedHeight))
	w.emittedCounter.Inc(int64(len(out)))
	if len(out) > 0 {
		w.log.Debug("Finalized gateway events", "count", len(out), "finalized", tip, "head", head)
	}
	return out, nil
}

// fail records a failed read. Exhausted retries mark the chain stalled.
func (w *Watcher) fail(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastErr = err
	if !errors.Is(err, retry.ErrExhausted) {
		return err
	}
	if !w.stalled {
		w.stalled = true
		w.stallCounter.Inc(1)
		w.log.Warn("Chain stalled", "err", err, "backoff", w.config.StallInterval)
	}
	return fmt.Errorf("%w: %w", ErrStalled, err)
}

func (w *Watcher) recover() {
	if w.stalled {
		w.log.Info("Chain reachable again", "checkpoint", w.checkpoint)
	}
	w.stalled, w.lastErr = false, nil
}

// Stalled reports whether the last read exhausted its retries.
func (w *Watcher) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// Rollback resets the watcher to height. Pending events, queued events and
// dedup entries above height are dropped and any poll in flight is discarded.
func (w *Watcher) Rollback(height uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.epoch++
	if w.checkpoint.LastProcessedHeight > height {
		w.checkpoint.LastProcessedHeight = height
	}
	if w.checkpoint.LastFinalizedHeight > height {
		w.checkpoint.LastFinalizedHeight = height
	}
	kept := w.pending[:0]
	for _, ev := range w.pending {
		if ev.BlockHeight <= height {
			kept = append(kept, ev)
		}
	}
	w.pending = kept

	forgotten := 0
	for _, k := range w.emitted.Keys() {
		if h, ok := w.emitted.Peek(k); ok && h.(uint64) > height {
			w.emitted.Remove(k)
			forgotten++
		}
	}
	dropped := w.queue.DropAbove(height)
	rawdb.WriteCheckpoint(w.db, &w.checkpoint)
	w.log.Warn("Rolled back event watcher", "height", height, "forgotten", forgotten, "dequeued", dropped)
}

// Run polls until ctx is cancelled, pushing finalized events to the queue.
// A stalled chain is polled at the stall interval.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("Starting event watcher", "depth", w.config.ConfirmationDepth, "checkpoint", w.Checkpoint())
	defer w.queue.Close()

	for {
		events, err := w.Poll(ctx)
		switch {
		case err == nil:
			w.queue.Push(events...)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrRolledBack):
		case !errors.Is(err, ErrStalled):
			w.log.Warn("Event poll failed", "err", err)
		}
		wait := w.config.PollInterval
		if w.Stalled() {
			wait = w.config.StallInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
