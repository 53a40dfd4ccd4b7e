package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/retry"
)

var (
	acceptedCounter    = metrics.NewRegisteredCounter("bridge/aggregator/accepted", nil)
	invalidCounter     = metrics.NewRegisteredCounter("bridge/aggregator/invalid", nil)
	completeCounter    = metrics.NewRegisteredCounter("bridge/aggregator/complete", nil)
	expiredCounter     = metrics.NewRegisteredCounter("bridge/aggregator/expired", nil)
	invalidatedCounter = metrics.NewRegisteredCounter("bridge/aggregator/invalidated", nil)
	pendingGauge       = metrics.NewRegisteredGauge("bridge/aggregator/pending", nil)
)

// entry guards one attestation set. Its mutex is the critical section of the
// event key; the aggregator lock only protects the map of entries.
type entry struct {
	mu      sync.Mutex
	set     *types.AttestationSet
	removed bool
}

// Aggregator collects attestations per event key and flips a set to Complete
// exactly once, the moment the signatures over one digest reach the
// threshold.
type Aggregator struct {
	config   Config
	registry *observer.Registry
	policy   QuorumPolicy
	db       bridgedb.KeyValueStore

	mu      sync.Mutex
	entries map[types.EventKey]*entry

	onComplete func(*types.AttestationSet)
	statusFeed event.Feed
	scope      event.SubscriptionScope

	now  func() time.Time
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates an aggregator and loads every persisted set. onComplete is
// invoked once per completed round, outside of any aggregator lock.
func New(config Config, registry *observer.Registry, db bridgedb.KeyValueStore, onComplete func(*types.AttestationSet)) (*Aggregator, error) {
	policy, err := PolicyByName(config.Policy)
	if err != nil {
		return nil, err
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig.TTL
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig.Retention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig.SweepInterval
	}
	a := &Aggregator{
		config:     config,
		registry:   registry,
		policy:     policy,
		db:         db,
		entries:    make(map[types.EventKey]*entry),
		onComplete: onComplete,
		now:        time.Now,
		quit:       make(chan struct{}),
	}
	if db != nil {
		a.load()
	}
	return a, nil
}

func (a *Aggregator) load() {
	sets := rawdb.ReadAllAttestationSets(a.db)
	for _, set := range sets {
		a.entries[set.Key] = &entry{set: set}
	}
	a.updatePending()
	if len(sets) > 0 {
		log.Info("Loaded attestation sets", "count", len(sets), "policy", a.policy.Name())
	}
}

// Start launches the expiry and garbage collection loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop terminates the background loop and all feed subscriptions.
func (a *Aggregator) Stop() {
	close(a.quit)
	a.wg.Wait()
	a.scope.Close()
}

func (a *Aggregator) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Sweep()
		case <-a.quit:
			return
		}
	}
}

// SubscribeStatus registers a subscription for set status changes.
func (a *Aggregator) SubscribeStatus(ch chan<- StatusEvent) event.Subscription {
	return a.scope.Track(a.statusFeed.Subscribe(ch))
}

func (a *Aggregator) nowMs() uint64 {
	return params.TimeToUnixTimestamp(a.now())
}

// lookup returns the live entry of key, creating a pending set if none exists.
func (a *Aggregator) lookup(key types.EventKey, height, threshold uint64) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		e = &entry{set: types.NewAttestationSet(key, height, threshold, a.nowMs())}
		a.entries[key] = e
	}
	return e
}

// Submit verifies an attestation and adds it to the set of its event key. The
// returned status is the status of the set after the attestation was applied.
// Invalid attestations, attestations from unknown observers and attestations
// for closed sets are rejected with an error and never counted.
func (a *Aggregator) Submit(att *types.Attestation) (types.SetStatus, error) {
	if err := a.registry.VerifyAttestation(att); err != nil {
		invalidCounter.Inc(1)
		return types.SetPending, err
	}
	threshold, err := a.registry.Threshold(att.Key.ChainID)
	if err != nil {
		invalidCounter.Inc(1)
		return types.SetPending, err
	}
	att = att.Copy()

	for {
		e := a.lookup(att.Key, att.Event.BlockHeight, threshold)
		status, completed, err := a.apply(e, att, threshold)
		if errors.Is(err, errEntryRemoved) {
			continue
		}
		if completed != nil {
			a.complete(completed)
		}
		return status, err
	}
}

var errEntryRemoved = errors.New("entry removed")

// apply runs the read-check-update sequence of one key under its lock. No
// network call happens here.
func (a *Aggregator) apply(e *entry, att *types.Attestation, threshold uint64) (types.SetStatus, *types.AttestationSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return types.SetPending, nil, errEntryRemoved
	}
	set := e.set
	if set.IsStale(att) {
		return set.Status, nil, ErrStaleAttestation
	}
	switch set.Status {
	case types.SetComplete, types.SetExpired:
		return set.Status, nil, fmt.Errorf("%w: %s is %s", ErrSetClosed, set.Key, set.Status)
	case types.SetInvalidated:
		set.Reset(att.Event.BlockHeight, threshold, a.nowMs())
		log.Info("Reopened invalidated set", "key", set.Key, "round", set.Round, "height", set.BlockHeight)
	}
	if replaced := set.Put(att); replaced {
		log.Debug("Replaced attestation", "key", set.Key, "observer", att.ObserverID)
	}
	set.UpdatedAt = a.nowMs()
	acceptedCounter.Inc(1)

	var completed *types.AttestationSet
	if tally := a.tally(set, att.Digest); tally >= set.Threshold {
		set.Status = types.SetComplete
		set.CompletedDigest = att.Digest
		completed = set.Copy()
	}
	if a.db != nil {
		rawdb.WriteAttestationSet(a.db, set)
	}
	return set.Status, completed, nil
}

// tally sums the policy weight of the observers that signed digest. Observers
// removed from the registry since signing no longer count.
func (a *Aggregator) tally(set *types.AttestationSet, digest common.Hash) uint64 {
	var total uint64
	for _, att := range set.ForDigest(digest) {
		info, ok := a.registry.Observer(att.ObserverID)
		if !ok {
			continue
		}
		total += a.policy.Weight(info)
	}
	return total
}

func (a *Aggregator) complete(set *types.AttestationSet) {
	completeCounter.Inc(1)
	a.updatePending()
	log.Info("Attestation set complete", "key", set.Key, "round", set.Round,
		"signers", set.Signers(set.CompletedDigest), "threshold", set.Threshold)
	if a.onComplete != nil {
		a.onComplete(set)
	}
	a.statusFeed.Send(StatusEvent{Set: set})
}

// Publish makes the aggregator usable as the publisher of an in-process
// observer. Attestations for closed sets are accepted silently.
func (a *Aggregator) Publish(ctx context.Context, att *types.Attestation) error {
	_, err := a.Submit(att)
	switch {
	case err == nil, errors.Is(err, ErrSetClosed), errors.Is(err, ErrStaleAttestation):
		return nil
	}
	return retry.AsValidation(err)
}

// Sweep expires pending sets that made no progress within the TTL and deletes
// terminal sets older than the retention window. Complete sets are only
// deleted once their settlement is confirmed.
func (a *Aggregator) Sweep() {
	now := a.now()
	nowMs := params.TimeToUnixTimestamp(now)
	ttl := uint64(a.config.TTL.Milliseconds())
	retention := uint64(a.config.Retention.Milliseconds())

	var (
		expired []StatusEvent
		deleted int
	)
	for _, e := range a.snapshot() {
		e.mu.Lock()
		set := e.set
		age := nowMs - min(nowMs, set.UpdatedAt)
		switch {
		case set.Status == types.SetPending && age >= ttl:
			set.Status = types.SetExpired
			set.UpdatedAt = nowMs
			reason := fmt.Sprintf("%d signatures from %d observers, threshold %d", a.bestTally(set), set.Len(), set.Threshold)
			if a.db != nil {
				rawdb.WriteAttestationSet(a.db, set)
				rawdb.WriteFailure(a.db, &types.Failure{Key: set.Key, Code: types.FailureExpired, Reason: reason, At: nowMs})
			}
			expired = append(expired, StatusEvent{Set: set.Copy(), Reason: reason})
		case set.Status.Terminal() && age >= retention && a.collectable(set):
			e.removed = true
			if a.db != nil {
				rawdb.DeleteAttestationSet(a.db, set.Key)
			}
			a.mu.Lock()
			if a.entries[set.Key] == e {
				delete(a.entries, set.Key)
			}
			a.mu.Unlock()
			deleted++
		}
		e.mu.Unlock()
	}
	a.updatePending()
	for _, ev := range expired {
		expiredCounter.Inc(1)
		log.Warn("Attestation set expired", "key", ev.Set.Key, "reason", ev.Reason)
		a.statusFeed.Send(ev)
	}
	if deleted > 0 {
		log.Debug("Garbage collected attestation sets", "count", deleted)
	}
}

// collectable reports whether a terminal set may be garbage collected. A
// complete set is kept until its settlement is confirmed, as the redrive loop
// and operators still need its signatures.
func (a *Aggregator) collectable(set *types.AttestationSet) bool {
	if set.Status != types.SetComplete || a.db == nil {
		return true
	}
	rec := rawdb.ReadSettlement(a.db, set.Key)
	return rec != nil && rec.ConfirmedAt != 0 && rec.Round == set.Round
}

func (a *Aggregator) bestTally(set *types.AttestationSet) uint64 {
	var best uint64
	for _, att := range set.Attestations {
		if t := a.tally(set, att.Digest); t > best {
			best = t
		}
	}
	return best
}

// InvalidateAbove marks every set of chainID with a block height above height
// as Invalidated, discarding its signatures, and returns the affected keys.
func (a *Aggregator) InvalidateAbove(chainID, height uint64) []types.EventKey {
	nowMs := a.nowMs()
	var (
		keys   []types.EventKey
		events []StatusEvent
	)
	for _, e := range a.snapshot() {
		e.mu.Lock()
		set := e.set
		if !e.removed && set.Key.ChainID == chainID && set.BlockHeight > height && set.Status != types.SetInvalidated {
			set.Invalidate(nowMs)
			if a.db != nil {
				rawdb.WriteAttestationSet(a.db, set)
			}
			keys = append(keys, set.Key)
			events = append(events, StatusEvent{Set: set.Copy(), Reason: fmt.Sprintf("reorg below height %d", set.BlockHeight)})
		}
		e.mu.Unlock()
	}
	if len(keys) == 0 {
		return nil
	}
	invalidatedCounter.Inc(int64(len(keys)))
	a.updatePending()
	log.Warn("Invalidated attestation sets", "chain", chainID, "ancestor", height, "count", len(keys))
	for _, ev := range events {
		a.statusFeed.Send(ev)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Reopen moves an expired set back to pending so that late attestations can
// still complete it. It is the operator override for consensus failures.
func (a *Aggregator) Reopen(key types.EventKey) error {
	a.mu.Lock()
	e, ok := a.entries[key]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSet, key)
	}
	e.mu.Lock()
	set := e.set
	if set.Status != types.SetExpired {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotExpired, key, set.Status)
	}
	set.Status = types.SetPending
	set.UpdatedAt = a.nowMs()
	if th, err := a.registry.Threshold(key.ChainID); err == nil {
		set.Threshold = th
	}
	var completed *types.AttestationSet
	for _, att := range set.Attestations {
		if a.tally(set, att.Digest) >= set.Threshold {
			set.Status = types.SetComplete
			set.CompletedDigest = att.Digest
			completed = set.Copy()
			break
		}
	}
	if a.db != nil {
		rawdb.WriteAttestationSet(a.db, set)
		rawdb.DeleteFailure(a.db, key)
	}
	e.mu.Unlock()

	log.Info("Reopened expired set", "key", key)
	a.updatePending()
	if completed != nil {
		a.complete(completed)
	}
	return nil
}

// ReopenStored applies Reopen directly to a database, for offline operator
// tooling.
func ReopenStored(db bridgedb.KeyValueStore, key types.EventKey, now time.Time) error {
	set := rawdb.ReadAttestationSet(db, key)
	if set == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSet, key)
	}
	if set.Status != types.SetExpired {
		return fmt.Errorf("%w: %s is %s", ErrNotExpired, key, set.Status)
	}
	set.Status = types.SetPending
	set.UpdatedAt = params.TimeToUnixTimestamp(now)
	rawdb.WriteAttestationSet(db, set)
	rawdb.DeleteFailure(db, key)
	return nil
}

// Get returns a copy of the set of key.
func (a *Aggregator) Get(key types.EventKey) (*types.AttestationSet, bool) {
	a.mu.Lock()
	e, ok := a.entries[key]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set.Copy(), true
}

// Sets returns copies of every live set.
func (a *Aggregator) Sets() []*types.AttestationSet {
	entries := a.snapshot()
	out := make([]*types.AttestationSet, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.set.Copy())
		}
		e.mu.Unlock()
	}
	return out
}

// Completed returns copies of every complete set, for re-driving settlement
// after a restart.
func (a *Aggregator) Completed() []*types.AttestationSet {
	var out []*types.AttestationSet
	for _, set := range a.Sets() {
		if set.Status == types.SetComplete {
			out = append(out, set)
		}
	}
	return out
}

// Counts returns the number of live sets per status.
func (a *Aggregator) Counts() map[types.SetStatus]int {
	counts := make(map[types.SetStatus]int)
	for _, e := range a.snapshot() {
		e.mu.Lock()
		if !e.removed {
			counts[e.set.Status]++
		}
		e.mu.Unlock()
	}
	return counts
}

func (a *Aggregator) snapshot() []*entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	return out
}

func (a *Aggregator) updatePending() {
	pendingGauge.Update(int64(a.Counts()[types.SetPending]))
}
