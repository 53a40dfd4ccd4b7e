package aggregator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/params"
)

type harness struct {
	db       bridgedb.KeyValueStore
	registry *observer.Registry
	signers  []*observer.KeySigner
	agg      *Aggregator
	clock    time.Time

	mu        sync.Mutex
	completed []*types.AttestationSet
}

func newHarness(t *testing.T, n int, threshold uint64, weights ...uint64) *harness {
	t.Helper()
	h := &harness{db: rawdb.NewMemoryDatabase(), clock: time.Unix(1_700_000_000, 0)}
	registry, err := observer.NewRegistry(h.db)
	if err != nil {
		t.Fatal(err)
	}
	h.registry = registry
	for i := 0; i < n; i++ {
		key, _ := crypto.GenerateKey()
		s := observer.NewKeySigner(fmt.Sprintf("observer-%d", i+1), key)
		weight := uint64(1)
		if i < len(weights) {
			weight = weights[i]
		}
		if err := registry.AddObserver(s.Info("", weight)); err != nil {
			t.Fatal(err)
		}
		h.signers = append(h.signers, s)
	}
	if err := registry.Register(types.GatewayConfig{ChainID: 1, GatewayAddress: common.HexToAddress("0x1"), Threshold: threshold}); err != nil {
		t.Fatal(err)
	}
	h.agg = h.newAggregator(t, DefaultConfig)
	return h
}

func (h *harness) newAggregator(t *testing.T, config Config) *Aggregator {
	t.Helper()
	agg, err := New(config, h.registry, h.db, func(set *types.AttestationSet) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.completed = append(h.completed, set)
	})
	if err != nil {
		t.Fatal(err)
	}
	agg.now = func() time.Time { return h.clock }
	return agg
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) completions() []*types.AttestationSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*types.AttestationSet(nil), h.completed...)
}

func testEvent(t testing.TB, height uint64, tx uint64, amount int64) *types.Event {
	payload, err := types.EncodeDeposit(&types.DepositPayload{
		Amount:      big.NewInt(amount),
		DestChainID: 2,
		Recipient:   common.HexToAddress("0xbeef").Bytes(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &types.Event{
		ChainID:     1,
		BlockHeight: height,
		BlockHash:   crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", height))),
		TxHash:      common.BigToHash(new(big.Int).SetUint64(tx)),
		Kind:        types.KindDeposit,
		Payload:     payload,
	}
}

func (h *harness) attest(t testing.TB, i int, ev *types.Event) *types.Attestation {
	digest := ev.SigningHash()
	sig, err := h.signers[i].SignDigest(digest)
	if err != nil {
		t.Fatal(err)
	}
	return &types.Attestation{
		Key:        ev.Key(),
		ObserverID: h.signers[i].ID(),
		Digest:     digest,
		Event:      ev.Copy(),
		Signature:  sig,
		ProducedAt: params.TimeToUnixTimestamp(h.clock),
	}
}

func forge(t testing.TB, att *types.Attestation) *types.Attestation {
	key, _ := crypto.GenerateKey()
	return signWith(t, att, key)
}

func signWith(t testing.TB, att *types.Attestation, key *ecdsa.PrivateKey) *types.Attestation {
	bad := att.Copy()
	sig, err := crypto.Sign(bad.Digest.Bytes(), key)
	if err != nil {
		t.Fatal(err)
	}
	bad.Signature = sig
	return bad
}

func TestBasicFlow(t *testing.T) {
	h := newHarness(t, 3, 2)
	e1 := testEvent(t, 10, 1, 1_000_000)

	status, err := h.agg.Submit(h.attest(t, 0, e1))
	if err != nil || status != types.SetPending {
		t.Fatalf("first attestation: have %v, %v want pending", status, err)
	}
	status, err = h.agg.Submit(h.attest(t, 2, e1))
	if err != nil || status != types.SetComplete {
		t.Fatalf("second attestation: have %v, %v want complete", status, err)
	}
	done := h.completions()
	if len(done) != 1 {
		t.Fatalf("unexpected completions: have %d want 1", len(done))
	}
	signers := done[0].Signers(done[0].CompletedDigest)
	if fmt.Sprint(signers) != "[observer-1 observer-3]" {
		t.Fatalf("unexpected signers: %v", signers)
	}
	if _, err := h.agg.Submit(h.attest(t, 1, e1)); !errors.Is(err, ErrSetClosed) {
		t.Fatalf("late attestation: have %v want %v", err, ErrSetClosed)
	}
	set, _ := h.agg.Get(e1.Key())
	if set.Len() != 2 || len(h.completions()) != 1 {
		t.Fatalf("late attestation changed the set: %d signatures, %d completions", set.Len(), len(h.completions()))
	}
}

func TestExpiry(t *testing.T) {
	h := newHarness(t, 3, 2)
	e2 := testEvent(t, 11, 2, 42)

	statuses := make(chan StatusEvent, 4)
	sub := h.agg.SubscribeStatus(statuses)
	defer sub.Unsubscribe()

	if _, err := h.agg.Submit(h.attest(t, 1, e2)); err != nil {
		t.Fatal(err)
	}
	h.advance(DefaultConfig.TTL - time.Second)
	h.agg.Sweep()
	if set, _ := h.agg.Get(e2.Key()); set.Status != types.SetPending {
		t.Fatalf("set expired early: %v", set.Status)
	}
	h.advance(time.Second)
	h.agg.Sweep()

	set, _ := h.agg.Get(e2.Key())
	if set.Status != types.SetExpired {
		t.Fatalf("unexpected status: have %v want %v", set.Status, types.SetExpired)
	}
	select {
	case ev := <-statuses:
		if ev.Set.Status != types.SetExpired || ev.Reason == "" {
			t.Fatalf("unexpected status event: %+v", ev)
		}
	default:
		t.Fatalf("no expiry notification")
	}
	f := rawdb.ReadFailure(h.db, e2.Key())
	if f == nil || f.Code != types.FailureExpired {
		t.Fatalf("missing failure record: %+v", f)
	}
	if _, err := h.agg.Submit(h.attest(t, 0, e2)); !errors.Is(err, ErrSetClosed) {
		t.Fatalf("expired set accepted attestation: %v", err)
	}
	if len(h.completions()) != 0 {
		t.Fatalf("expired set completed")
	}

	// The operator override reopens the set and late signatures complete it.
	if err := h.agg.Reopen(e2.Key()); err != nil {
		t.Fatal(err)
	}
	if rawdb.ReadFailure(h.db, e2.Key()) != nil {
		t.Fatalf("failure record survived reopen")
	}
	if status, err := h.agg.Submit(h.attest(t, 0, e2)); err != nil || status != types.SetComplete {
		t.Fatalf("reopened set: have %v, %v", status, err)
	}
	if err := h.agg.Reopen(e2.Key()); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestThresholdIffDistinctValidSignatures(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 1; n <= 5; n++ {
		for k := 1; k <= n; k++ {
			for m := 0; m <= n; m++ {
				h := newHarness(t, n, uint64(k))
				ev := testEvent(t, 5, uint64(100*n+10*k+m), 7)

				var atts []*types.Attestation
				for _, i := range rng.Perm(n)[:m] {
					atts = append(atts, h.attest(t, i, ev))
				}
				// Duplicates and forged signatures never count.
				for _, att := range append([]*types.Attestation(nil), atts...) {
					atts = append(atts, att.Copy(), forge(t, att))
				}
				rng.Shuffle(len(atts), func(i, j int) { atts[i], atts[j] = atts[j], atts[i] })
				for _, att := range atts {
					h.agg.Submit(att)
				}
				set, ok := h.agg.Get(ev.Key())
				complete := ok && set.Status == types.SetComplete
				if complete != (m >= k) {
					t.Fatalf("n=%d k=%d m=%d: complete=%v", n, k, m, complete)
				}
				want := 0
				if m >= k {
					want = 1
				}
				if have := len(h.completions()); have != want {
					t.Fatalf("n=%d k=%d m=%d: have %d completions want %d", n, k, m, have, want)
				}
			}
		}
	}
}

func TestDuplicateObserverNotCountedTwice(t *testing.T) {
	h := newHarness(t, 3, 2)
	ev := testEvent(t, 10, 1, 5)
	att := h.attest(t, 0, ev)
	for i := 0; i < 3; i++ {
		status, err := h.agg.Submit(att)
		if err != nil || status != types.SetPending {
			t.Fatalf("attempt %d: have %v, %v want pending", i, status, err)
		}
	}
	// An observer changing its mind replaces its earlier signature.
	other := testEvent(t, 10, 1, 6)
	h.agg.Submit(h.attest(t, 0, other))
	if status, _ := h.agg.Submit(h.attest(t, 1, ev)); status != types.SetPending {
		t.Fatalf("replaced signature still counted: %v", status)
	}
	if status, _ := h.agg.Submit(h.attest(t, 2, ev)); status != types.SetComplete {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestRejectsInvalidAttestations(t *testing.T) {
	h := newHarness(t, 3, 2)
	ev := testEvent(t, 10, 1, 5)
	good := h.attest(t, 0, ev)

	unknown := good.Copy()
	unknown.ObserverID = "observer-9"
	if _, err := h.agg.Submit(unknown); !errors.Is(err, observer.ErrUnknownObserver) {
		t.Fatalf("unknown observer: %v", err)
	}
	if _, err := h.agg.Submit(forge(t, good)); !errors.Is(err, observer.ErrInvalidSignature) {
		t.Fatalf("forged signature: %v", err)
	}
	mismatch := good.Copy()
	mismatch.Event.LogIndex = 3
	mismatch.Key.LogIndex = 3
	if _, err := h.agg.Submit(mismatch); !errors.Is(err, types.ErrDigestMismatch) {
		t.Fatalf("digest mismatch: %v", err)
	}
	other := testEvent(t, 10, 1, 5)
	other.ChainID = 7
	if _, err := h.agg.Submit(h.attest(t, 0, other)); !errors.Is(err, observer.ErrUnknownGateway) {
		t.Fatalf("unregistered chain: %v", err)
	}
	if _, ok := h.agg.Get(ev.Key()); ok {
		t.Fatalf("rejected attestations created a set")
	}
}

func TestConcurrencyIsolation(t *testing.T) {
	h := newHarness(t, 5, 3)
	const keys = 32

	events := make([]*types.Event, keys)
	var atts []*types.Attestation
	for i := range events {
		events[i] = testEvent(t, uint64(10+i), uint64(i+1), int64(i+1))
		for o := range h.signers {
			atts = append(atts, h.attest(t, o, events[i]))
		}
	}
	rand.Shuffle(len(atts), func(i, j int) { atts[i], atts[j] = atts[j], atts[i] })

	var wg sync.WaitGroup
	for _, att := range atts {
		wg.Add(1)
		go func(att *types.Attestation) {
			defer wg.Done()
			h.agg.Submit(att)
		}(att)
	}
	wg.Wait()

	done := h.completions()
	require.Len(t, done, keys)
	seen := make(map[types.EventKey]bool)
	for _, set := range done {
		require.False(t, seen[set.Key], "key %s completed twice", set.Key)
		seen[set.Key] = true
		for _, att := range set.ForDigest(set.CompletedDigest) {
			require.Equal(t, set.Key, att.Key)
			require.Equal(t, set.Key, att.Event.Key())
		}
		require.GreaterOrEqual(t, len(set.Signers(set.CompletedDigest)), 3)
	}
}

func TestFaultToleranceOneDeadObserver(t *testing.T) {
	h := newHarness(t, 3, 2)
	for i := 0; i < 5; i++ {
		ev := testEvent(t, uint64(20+i), uint64(i+1), 1000)
		h.agg.Submit(h.attest(t, 0, ev))
		status, err := h.agg.Submit(h.attest(t, 1, ev))
		require.NoError(t, err)
		require.Equal(t, types.SetComplete, status)
	}
	require.Len(t, h.completions(), 5)
}

func TestInvalidateAbove(t *testing.T) {
	h := newHarness(t, 3, 2)
	statuses := make(chan StatusEvent, 16)
	sub := h.agg.SubscribeStatus(statuses)
	defer sub.Unsubscribe()

	events := make(map[uint64]*types.Event)
	for height := uint64(97); height <= 100; height++ {
		ev := testEvent(t, height, height, 1)
		events[height] = ev
		h.agg.Submit(h.attest(t, 0, ev))
	}
	h.agg.Submit(h.attest(t, 1, events[100]))
	straggler := h.attest(t, 2, events[99])

	h.advance(time.Second)
	keys := h.agg.InvalidateAbove(1, 98)
	require.Len(t, keys, 2)
	for height, ev := range events {
		set, ok := h.agg.Get(ev.Key())
		require.True(t, ok)
		if height > 98 {
			require.Equal(t, types.SetInvalidated, set.Status, "height %d", height)
			require.Zero(t, set.Len())
		} else {
			require.Equal(t, types.SetPending, set.Status, "height %d", height)
		}
	}
	require.Empty(t, h.agg.InvalidateAbove(2, 0), "other chains untouched")

	// Signatures produced before the reorg are refused.
	_, err := h.agg.Submit(straggler)
	require.ErrorIs(t, err, ErrStaleAttestation)
	require.NoError(t, h.agg.Publish(context.Background(), straggler))

	// The re-observed event on the new canonical chain starts a fresh round.
	reobserved := events[99].Copy()
	reobserved.BlockHash = common.HexToHash("0xf0f0")
	status, err := h.agg.Submit(h.attest(t, 0, reobserved))
	require.NoError(t, err)
	require.Equal(t, types.SetPending, status)
	status, err = h.agg.Submit(h.attest(t, 2, reobserved))
	require.NoError(t, err)
	require.Equal(t, types.SetComplete, status)

	set, _ := h.agg.Get(reobserved.Key())
	require.Equal(t, uint64(1), set.Round)
	require.Equal(t, reobserved.SigningHash(), set.CompletedDigest)
	require.GreaterOrEqual(t, len(statuses), 2)
}

// A reorg that flips back to the original fork restores the original digest.
// Fresh attestations over it must still complete the set.
func TestInvalidateFlipBack(t *testing.T) {
	h := newHarness(t, 3, 2)
	ev := testEvent(t, 99, 1, 1)
	_, err := h.agg.Submit(h.attest(t, 0, ev))
	require.NoError(t, err)

	h.advance(time.Second)
	require.Len(t, h.agg.InvalidateAbove(1, 98), 1)

	h.advance(time.Second)
	status, err := h.agg.Submit(h.attest(t, 0, ev))
	require.NoError(t, err)
	require.Equal(t, types.SetPending, status)
	status, err = h.agg.Submit(h.attest(t, 1, ev))
	require.NoError(t, err)
	require.Equal(t, types.SetComplete, status)

	set, ok := h.agg.Get(ev.Key())
	require.True(t, ok)
	require.Equal(t, uint64(1), set.Round)
	require.Equal(t, ev.SigningHash(), set.CompletedDigest)
	require.Equal(t, []string{"observer-1", "observer-2"}, set.Signers(set.CompletedDigest))
	require.Len(t, h.completions(), 1)
}

func TestPersistenceAndRetention(t *testing.T) {
	h := newHarness(t, 3, 2)
	done := testEvent(t, 10, 1, 5)
	pending := testEvent(t, 11, 2, 5)
	h.agg.Submit(h.attest(t, 0, done))
	h.agg.Submit(h.attest(t, 1, done))
	h.agg.Submit(h.attest(t, 0, pending))

	restarted := h.newAggregator(t, DefaultConfig)
	require.Len(t, restarted.Sets(), 2)
	require.Len(t, restarted.Completed(), 1)
	status, err := restarted.Submit(h.attest(t, 2, pending))
	require.NoError(t, err)
	require.Equal(t, types.SetComplete, status)

	// Unsettled complete sets outlive the retention window.
	h.advance(DefaultConfig.Retention)
	restarted.Sweep()
	require.Len(t, restarted.Completed(), 2)

	rawdb.WriteSettlement(h.db, &types.Settlement{Key: done.Key(), ChainID: 2, ConfirmedAt: 1})
	restarted.Sweep()
	require.Len(t, restarted.Sets(), 1)
	_, ok := restarted.Get(done.Key())
	require.False(t, ok)

	// A confirmation recorded for another round does not count.
	rawdb.WriteSettlement(h.db, &types.Settlement{Key: pending.Key(), ChainID: 2, Round: 3, ConfirmedAt: 1})
	restarted.Sweep()
	require.Len(t, restarted.Sets(), 1)

	rawdb.WriteSettlement(h.db, &types.Settlement{Key: pending.Key(), ChainID: 2, ConfirmedAt: 1})
	restarted.Sweep()
	require.Empty(t, restarted.Sets())
	require.Empty(t, rawdb.ReadAllAttestationSets(h.db))
}

func TestWeightedPolicy(t *testing.T) {
	h := newHarness(t, 3, 3, 3, 1, 1)
	agg := h.newAggregator(t, Config{Policy: WeightedPolicy})

	heavy := testEvent(t, 10, 1, 5)
	status, err := agg.Submit(h.attest(t, 0, heavy))
	require.NoError(t, err)
	require.Equal(t, types.SetComplete, status)

	light := testEvent(t, 11, 2, 5)
	agg.Submit(h.attest(t, 1, light))
	status, _ = agg.Submit(h.attest(t, 2, light))
	require.Equal(t, types.SetPending, status)

	_, err = New(Config{Policy: "quadratic"}, h.registry, nil, nil)
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestAttestationIngress(t *testing.T) {
	h := newHarness(t, 3, 2)
	server := rpc.NewServer()
	defer server.Stop()
	for _, api := range h.agg.APIs() {
		require.NoError(t, server.RegisterName(api.Namespace, api.Service))
	}
	httpsrv := httptest.NewServer(server)
	defer httpsrv.Close()

	pub, err := observer.DialPublisher(context.Background(), httpsrv.URL)
	require.NoError(t, err)
	defer pub.Close()

	ev := testEvent(t, 10, 1, 5)
	require.NoError(t, pub.Publish(context.Background(), h.attest(t, 0, ev)))
	require.NoError(t, pub.Publish(context.Background(), h.attest(t, 1, ev)))
	require.Len(t, h.completions(), 1)
	require.Error(t, pub.Publish(context.Background(), forge(t, h.attest(t, 2, ev))))

	client, err := rpc.DialContext(context.Background(), httpsrv.URL)
	require.NoError(t, err)
	defer client.Close()
	var set types.AttestationSet
	require.NoError(t, client.Call(&set, "bridge_getAttestationSet", ev.Key().String()))
	require.Equal(t, types.SetComplete, set.Status)
}
