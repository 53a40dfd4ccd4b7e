// Package submitter settles completed attestation sets on their destination
// chain, at most once per event key.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotComplete    = errors.New("submitter: attestation set is not complete")
	ErrSuperseded     = errors.New("submitter: attestation round superseded")
	ErrCancelled      = errors.New("submitter: settlement cancelled")
	ErrTxFailed       = errors.New("submitter: transaction failed on chain")
	ErrConfirmTimeout = errors.New("submitter: transaction not confirmed in time")
	ErrStopped        = errors.New("submitter: stopped")
)

var (
	submitCounter    = metrics.NewRegisteredCounter("bridge/submitter/submitted", nil)
	confirmedCounter = metrics.NewRegisteredCounter("bridge/submitter/confirmed", nil)
	skippedCounter   = metrics.NewRegisteredCounter("bridge/submitter/skipped", nil)
	failedCounter    = metrics.NewRegisteredCounter("bridge/submitter/failed", nil)
	confirmTimer     = metrics.NewRegisteredTimer("bridge/submitter/confirmation", nil)
)

// Config tunes the submitter.
type Config struct {
	Workers        int           `toml:",omitempty"`
	QueueSize      int           `toml:",omitempty"`
	ConfirmTimeout time.Duration `toml:",omitempty"`
	ConfirmPoll    time.Duration `toml:",omitempty"`
}

// DefaultConfig contains the default submitter settings.
var DefaultConfig = Config{
	Workers:        params.DefaultSubmitWorkers,
	QueueSize:      1024,
	ConfirmTimeout: params.DefaultConfirmTimeout,
	ConfirmPoll:    params.DefaultConfirmPoll,
}

// SetSource gives access to the live attestation sets, so that a settlement
// whose round was invalidated is never sent.
type SetSource interface {
	Get(key types.EventKey) (*types.AttestationSet, bool)
}

// Submitter turns completed sets into destination transactions.
type Submitter struct {
	config    Config
	client    gbridge.ChainClient
	registry  *observer.Registry
	sets      SetSource
	db        bridgedb.KeyValueStore
	scheduler *retry.Scheduler

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[types.EventKey]context.CancelCauseFunc

	queue chan *types.AttestationSet
	quit  chan struct{}
	once  sync.Once

	failureFeed event.Feed
	scope       event.SubscriptionScope

	now func() time.Time
}

// New creates a submitter. sets may be nil, in which case every complete set
// handed to Submit is considered current.
func New(config Config, client gbridge.ChainClient, registry *observer.Registry, sets SetSource, db bridgedb.KeyValueStore, scheduler *retry.Scheduler) *Submitter {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig.QueueSize
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = DefaultConfig.ConfirmTimeout
	}
	if config.ConfirmPoll <= 0 {
		config.ConfirmPoll = DefaultConfig.ConfirmPoll
	}
	return &Submitter{
		config:    config,
		client:    client,
		registry:  registry,
		sets:      sets,
		db:        db,
		scheduler: scheduler,
		inflight:  make(map[types.EventKey]context.CancelCauseFunc),
		queue:     make(chan *types.AttestationSet, config.QueueSize),
		quit:      make(chan struct{}),
		now:       time.Now,
	}
}

// SubscribeFailures registers a subscription for terminal settlement failures.
func (s *Submitter) SubscribeFailures(ch chan<- types.Failure) event.Subscription {
	return s.scope.Track(s.failureFeed.Subscribe(ch))
}

// Enqueue hands a completed set to the worker pool. It blocks while the queue
// is full and drops the set once the submitter is stopped.
func (s *Submitter) Enqueue(set *types.AttestationSet) {
	select {
	case s.queue <- set:
	case <-s.quit:
		log.Warn("Dropping completed set, submitter stopped", "key", set.Key)
	}
}

// Queued returns the number of sets waiting for a worker.
func (s *Submitter) Queued() int {
	return len(s.queue)
}

// Run drains the completion queue with the configured number of workers until
// ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	defer s.stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case set := <-s.queue:
					if _, err := s.Submit(ctx, set); err != nil && ctx.Err() == nil {
						log.Debug("Settlement not completed", "key", set.Key, "err", err)
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return g.Wait()
}

func (s *Submitter) stop() {
	s.once.Do(func() {
		close(s.quit)
		s.scope.Close()
	})
}

// Cancel aborts in-flight settlements of the given keys and returns how many
// were running.
func (s *Submitter) Cancel(keys ...types.EventKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, key := range keys {
		if cancel, ok := s.inflight[key]; ok {
			cancel(ErrCancelled)
			n++
		}
	}
	if n > 0 {
		log.Info("Cancelled in-flight settlements", "count", n)
	}
	return n
}

// Inflight returns the number of settlements currently running.
func (s *Submitter) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Submit settles a completed set. Settling a key that is already settled,
// locally or on the destination chain, is a no-op returning the existing
// transaction. Concurrent calls for the same round share one execution.
func (s *Submitter) Submit(ctx context.Context, set *types.AttestationSet) (*types.TxResult, error) {
	if set.Status != types.SetComplete {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotComplete, set.Key, set.Status)
	}
	flight := set.Key.String() + "/" + strconv.FormatUint(set.Round, 10)
	v, err, shared := s.group.Do(flight, func() (interface{}, error) {
		return s.settle(ctx, set)
	})
	if shared {
		log.Trace("Joined in-flight settlement", "key", set.Key)
	}
	if err != nil {
		return nil, err
	}
	res := *v.(*types.TxResult)
	return &res, nil
}

func (s *Submitter) settle(ctx context.Context, set *types.AttestationSet) (*types.TxResult, error) {
	key := set.Key
	if rec := rawdb.ReadSettlement(s.db, key); rec != nil && rec.ConfirmedAt != 0 {
		skippedCounter.Inc(1)
		return &types.TxResult{Success: true, Hash: rec.TxHash}, nil
	}
	if err := s.current(set); err != nil {
		return nil, err
	}
	ev := set.CompletedEvent()
	if ev == nil {
		return nil, s.fail(key, types.FailureUnsettlable, fmt.Errorf("%w: no event for the completed digest", ErrNotComplete))
	}
	dest, err := types.SettlementChain(ev)
	if err != nil {
		return nil, s.fail(key, types.FailureUnsettlable, err)
	}
	gw, ok := s.registry.Gateway(dest)
	if !ok {
		return nil, s.fail(key, types.FailureUnsettlable, fmt.Errorf("%w: %d", observer.ErrUnknownGateway, dest))
	}
	tx, err := types.NewBridgeTx(dest, gw.GatewayAddress, set)
	if err != nil {
		return nil, s.fail(key, types.FailureUnsettlable, err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	logger := log.New("key", key, "dest", dest, "round", set.Round)
	start := s.now()
	var result *types.TxResult
	err = s.scheduler.Run(ctx, "settle", func(ctx context.Context) error {
		res, err := s.attempt(ctx, tx, set, logger)
		if err == nil {
			result = res
		}
		return err
	})
	switch {
	case err == nil:
		confirmTimer.UpdateSince(start)
		return result, nil
	case errors.Is(context.Cause(ctx), ErrCancelled):
		logger.Info("Settlement cancelled by rollback")
		return nil, ErrCancelled
	case errors.Is(err, ErrSuperseded):
		return nil, err
	case ctx.Err() != nil:
		return nil, err
	case errors.Is(err, retry.ErrExhausted):
		return nil, s.fail(key, types.FailureExhausted, err)
	}
	return nil, s.fail(key, types.FailureRejected, err)
}

// current rejects sets whose round is no longer the live one.
func (s *Submitter) current(set *types.AttestationSet) error {
	if s.sets == nil {
		return nil
	}
	live, ok := s.sets.Get(set.Key)
	if !ok {
		return nil
	}
	if live.Round != set.Round || live.Status != types.SetComplete || live.CompletedDigest != set.CompletedDigest {
		skippedCounter.Inc(1)
		return retry.AsFatal(fmt.Errorf("%w: %s round %d, live round %d is %s", ErrSuperseded, set.Key, set.Round, live.Round, live.Status))
	}
	return nil
}

// attempt is one settlement attempt: settled check, submission and wait for
// confirmation.
func (s *Submitter) attempt(ctx context.Context, tx *types.BridgeTx, set *types.AttestationSet, logger log.Logger) (*types.TxResult, error) {
	if err := s.current(set); err != nil {
		return nil, err
	}
	key := set.Key
	blob, err := s.client.AccountResource(ctx, tx.ChainID, tx.Gateway, gbridge.SettledResource(key))
	switch {
	case err == nil:
		hash := common.BytesToHash(blob)
		logger.Info("Event already settled on destination", "tx", hash)
		s.record(set, tx.ChainID, hash, true)
		skippedCounter.Inc(1)
		return &types.TxResult{Success: true, Hash: hash}, nil
	case !errors.Is(err, gbridge.NotFound):
		return nil, err
	}

	res, err := s.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, retry.AsTransient(fmt.Errorf("%w: submission of %s not accepted", ErrTxFailed, res.Hash.Hex()))
	}
	submitCounter.Inc(1)
	s.record(set, tx.ChainID, res.Hash, false)
	logger.Info("Submitted settlement", "tx", res.Hash, "signatures", len(tx.Signatures))

	if err := s.confirm(ctx, tx.ChainID, res.Hash); err != nil {
		return nil, err
	}
	s.record(set, tx.ChainID, res.Hash, true)
	confirmedCounter.Inc(1)
	logger.Info("Settlement confirmed", "tx", res.Hash)
	return res, nil
}

// confirm polls the transaction status until it is confirmed, failed or the
// confirmation timeout passes.
func (s *Submitter) confirm(ctx context.Context, chainID uint64, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.config.ConfirmPoll)
	defer ticker.Stop()
	for {
		status, err := s.client.TransactionStatus(ctx, chainID, hash)
		switch {
		case err != nil:
			log.Debug("Transaction status unavailable", "tx", hash, "err", err)
		case status == types.TxConfirmed:
			return nil
		case status == types.TxFailed:
			return retry.AsTransient(fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex()))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
				return cause
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return retry.AsTransient(fmt.Errorf("%w: %s after %v", ErrConfirmTimeout, hash.Hex(), s.config.ConfirmTimeout))
			}
			return ctx.Err()
		}
	}
}

func (s *Submitter) record(set *types.AttestationSet, dest uint64, hash common.Hash, confirmed bool) {
	now := params.TimeToUnixTimestamp(s.now())
	rec := rawdb.ReadSettlement(s.db, set.Key)
	if rec == nil || rec.TxHash != hash {
		rec = &types.Settlement{Key: set.Key, ChainID: dest, TxHash: hash, Digest: set.CompletedDigest, Round: set.Round, SubmittedAt: now}
	}
	if confirmed {
		rec.ConfirmedAt = now
	}
	rawdb.WriteSettlement(s.db, rec)
	if confirmed {
		rawdb.DeleteFailure(s.db, set.Key)
	}
}

func (s *Submitter) fail(key types.EventKey, code types.FailureCode, err error) error {
	f := types.Failure{Key: key, Code: code, Reason: err.Error(), At: params.TimeToUnixTimestamp(s.now())}
	rawdb.WriteFailure(s.db, &f)
	failedCounter.Inc(1)
	log.Error("Settlement failed, manual reconciliation required", "key", key, "code", code, "err", err)
	s.failureFeed.Send(f)
	return err
}
