package reorg

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
	"github.com/tos-network/gbridge/watcher"
)

var testScheduler = retry.New(retry.Config{Base: time.Millisecond, MaxAttempts: 2})

type fakeInvalidator struct {
	chain, height uint64
	calls         int
	keys          []types.EventKey
}

func (f *fakeInvalidator) InvalidateAbove(chainID, height uint64) []types.EventKey {
	f.chain, f.height = chainID, height
	f.calls++
	return f.keys
}

type fakeCanceller struct{ cancelled []types.EventKey }

func (f *fakeCanceller) Cancel(keys ...types.EventKey) int {
	f.cancelled = append(f.cancelled, keys...)
	return len(keys)
}

func TestObserveRecordsWindow(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	chain := simchain.NewChain(1, common.HexToAddress("0x1001"))
	network := simchain.NewNetwork(chain)
	m := New(Config{ChainID: 1, Window: 10}, network, db, testScheduler, nil, nil, nil)

	chain.Mine(25)
	if rb, err := m.Observe(context.Background()); err != nil || rb != nil {
		t.Fatalf("unexpected result on a stable chain: %v, %v", rb, err)
	}
	records := rawdb.ReadBlockHashes(db, 1)
	if len(records) != 10 || records[0].Height != 16 || records[9].Height != 25 {
		t.Fatalf("unexpected window: %d records from %d", len(records), records[0].Height)
	}
	chain.Mine(5)
	m.Observe(context.Background())
	records = rawdb.ReadBlockHashes(db, 1)
	if len(records) != 10 || records[0].Height != 21 || records[9].Height != 30 {
		t.Fatalf("window did not slide: %d records from %d", len(records), records[0].Height)
	}
}

func TestReorgRollsBackToAncestor(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	chain := simchain.NewChain(1, common.HexToAddress("0x1001"))
	network := simchain.NewNetwork(chain)

	w, err := watcher.New(watcher.Config{ChainID: 1, ConfirmationDepth: 1}, network, db, testScheduler)
	if err != nil {
		t.Fatal(err)
	}
	invalidated := []types.EventKey{{ChainID: 1, TxHash: common.HexToHash("0x99")}, {ChainID: 1, TxHash: common.HexToHash("0x100")}}
	inv := &fakeInvalidator{keys: invalidated}
	canc := &fakeCanceller{}
	m := New(Config{ChainID: 1}, network, db, testScheduler, inv, w, canc)

	rollbacks := make(chan Rollback, 1)
	sub := m.SubscribeRollbacks(rollbacks)
	defer sub.Unsubscribe()

	chain.Mine(100)
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Observe(context.Background()); err != nil {
		t.Fatal(err)
	}
	old99, old100 := rawdb.ReadBlockHash(db, 1, 99), rawdb.ReadBlockHash(db, 1, 100)

	if err := chain.Reorg(98, 2); err != nil {
		t.Fatal(err)
	}
	rb, err := m.Observe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rb == nil {
		t.Fatalf("reorganisation not detected")
	}
	if rb.Ancestor != 98 || rb.ForkHeight != 99 || rb.OldHead != 100 || rb.Depth() != 2 {
		t.Fatalf("unexpected rollback: %+v", rb)
	}
	if rb.ExpectedHash != old99 {
		t.Fatalf("unexpected expected hash: have %x want %x", rb.ExpectedHash, old99)
	}
	if inv.calls != 1 || inv.chain != 1 || inv.height != 98 {
		t.Fatalf("unexpected invalidation: %+v", inv)
	}
	if len(canc.cancelled) != 2 || rb.Cancelled != 2 {
		t.Fatalf("in-flight settlements not cancelled: %v", canc.cancelled)
	}
	if cp := w.Checkpoint(); cp.LastFinalizedHeight != 98 || cp.LastProcessedHeight != 98 {
		t.Fatalf("watcher not rolled back: %v", cp)
	}
	if hash := rawdb.ReadBlockHash(db, 1, 100); hash == old100 || hash == (common.Hash{}) {
		t.Fatalf("record of height 100 not replaced: %x", hash)
	}
	select {
	case ev := <-rollbacks:
		if ev.Ancestor != 98 {
			t.Fatalf("unexpected broadcast: %+v", ev)
		}
	default:
		t.Fatalf("rollback not broadcast")
	}
	// The new branch is now the recorded one.
	if rb, err := m.Observe(context.Background()); err != nil || rb != nil {
		t.Fatalf("stable chain reported a reorg: %v, %v", rb, err)
	}
	if m.Last() == nil || m.Last().Ancestor != 98 {
		t.Fatalf("last rollback not kept")
	}
}

func TestReorgShorterChain(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	chain := simchain.NewChain(1, common.HexToAddress("0x1001"))
	m := New(Config{ChainID: 1}, simchain.NewNetwork(chain), db, testScheduler, nil, nil, nil)

	chain.Mine(10)
	m.Observe(context.Background())
	if err := chain.Rewind(7); err != nil {
		t.Fatal(err)
	}
	rb, err := m.Observe(context.Background())
	if err != nil || rb == nil {
		t.Fatalf("shrunk chain not detected: %v, %v", rb, err)
	}
	if rb.Ancestor != 7 || rb.ActualHash != (common.Hash{}) || rb.NewHead != 7 {
		t.Fatalf("unexpected rollback: %+v", rb)
	}
}
