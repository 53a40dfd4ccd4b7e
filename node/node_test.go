package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/monitor"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/retry"
)

const waitTimeout = 10 * time.Second

var (
	srcGateway = common.HexToAddress("0x1001")
	dstGateway = common.HexToAddress("0x2002")
)

// testNet is a source and destination chain plus the keys of three observers.
type testNet struct {
	src, dst *simchain.Chain
	network  *simchain.Network
	keys     map[string]*ecdsa.PrivateKey
	keyDir   string
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	tn := &testNet{
		src:    simchain.NewChain(1, srcGateway),
		dst:    simchain.NewChain(2, dstGateway),
		keys:   make(map[string]*ecdsa.PrivateKey),
		keyDir: t.TempDir(),
	}
	tn.network = simchain.NewNetwork(tn.src, tn.dst)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("observer-%d", i)
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, crypto.SaveECDSA(filepath.Join(tn.keyDir, id+".key"), key))
		tn.keys[id] = key
	}
	return tn
}

// config returns a fast node configuration running the given observers
// locally. The other observers are only known by their public key.
func (tn *testNet) config(local ...string) *Config {
	cfg := DefaultConfig
	cfg.DataDir = ""
	cfg.Client = tn.network
	cfg.Chains = []ChainConfig{
		{ID: 1, Gateway: srcGateway, Threshold: 2, ConfirmationDepth: 1},
		{ID: 2, Gateway: dstGateway, Threshold: 2, ConfirmationDepth: 1},
	}
	isLocal := make(map[string]bool)
	for _, id := range local {
		isLocal[id] = true
	}
	cfg.Observers = nil
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("observer-%d", i)
		oc := ObserverConfig{ID: id, Weight: 1}
		if isLocal[id] {
			oc.KeyFile = filepath.Join(tn.keyDir, id+".key")
		} else {
			oc.PublicKey = hexutil.Encode(crypto.FromECDSAPub(&tn.keys[id].PublicKey))
		}
		cfg.Observers = append(cfg.Observers, oc)
	}
	cfg.RedriveInterval = 50 * time.Millisecond
	cfg.Retry = retry.Config{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3}
	cfg.Watcher.PollInterval = 5 * time.Millisecond
	cfg.Watcher.StallInterval = 10 * time.Millisecond
	cfg.Reorg.Interval = 5 * time.Millisecond
	cfg.Submitter.Workers = 2
	cfg.Submitter.ConfirmPoll = time.Millisecond
	cfg.Submitter.ConfirmTimeout = time.Second
	cfg.Monitor.Enabled = false
	cfg.Monitor.Refresh = 10 * time.Millisecond
	return &cfg
}

// deposit commits a deposit on the source chain and returns its event.
func (tn *testNet) deposit(t *testing.T, amount int64) types.Event {
	t.Helper()
	payload, err := types.EncodeDeposit(&types.DepositPayload{Amount: big.NewInt(amount), DestChainID: 2, Recipient: common.HexToAddress("0xbeef").Bytes()})
	require.NoError(t, err)
	return commitEvent(t, tn.src, types.KindDeposit, payload)
}

// withdraw commits a withdrawal back to the source chain on the destination
// chain and returns its event.
func (tn *testNet) withdraw(t *testing.T, amount int64) types.Event {
	t.Helper()
	payload, err := types.EncodeWithdrawal(&types.WithdrawalPayload{Amount: big.NewInt(amount), SourceChainID: 1, Recipient: common.HexToAddress("0xcafe").Bytes()})
	require.NoError(t, err)
	return commitEvent(t, tn.dst, types.KindWithdrawal, payload)
}

func commitEvent(t *testing.T, chain *simchain.Chain, kind types.EventKind, payload []byte) types.Event {
	t.Helper()
	height := chain.Commit(types.Event{Kind: kind, Payload: payload})
	events, err := chain.Events(context.Background(), height, height)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func startNode(t *testing.T, cfg *Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Close() })
	return n
}

func waitSettled(t *testing.T, n *Node, key types.EventKey) *types.Settlement {
	t.Helper()
	var rec *types.Settlement
	require.Eventually(t, func() bool {
		rec = rawdb.ReadSettlement(n.DB(), key)
		return rec != nil && rec.ConfirmedAt != 0
	}, waitTimeout, 5*time.Millisecond, "event %s not settled", key)
	return rec
}

func TestDepositSettles(t *testing.T) {
	tn := newTestNet(t)
	n := startNode(t, tn.config("observer-1", "observer-2", "observer-3"))

	ev := tn.deposit(t, 1_000_000)
	rec := waitSettled(t, n, ev.Key())

	submitted := tn.dst.Submitted()
	require.Len(t, submitted, 1)
	require.Equal(t, rec.TxHash, submitted[0].Hash())
	require.Equal(t, ev.Key(), submitted[0].Event.Key())
	require.GreaterOrEqual(t, len(submitted[0].Signatures), 2)

	set, ok := n.Aggregator().Get(ev.Key())
	require.True(t, ok)
	require.Equal(t, types.SetComplete, set.Status)
	require.Equal(t, uint64(1), tn.dst.Settled())
}

func TestWithdrawalSettlesOnSource(t *testing.T) {
	tn := newTestNet(t)
	n := startNode(t, tn.config("observer-1", "observer-2", "observer-3"))

	ev := tn.withdraw(t, 250_000)
	require.Equal(t, uint64(2), ev.ChainID)
	rec := waitSettled(t, n, ev.Key())
	require.Equal(t, uint64(1), rec.ChainID)

	submitted := tn.src.Submitted()
	require.Len(t, submitted, 1)
	require.Equal(t, srcGateway, submitted[0].Gateway)
	require.Equal(t, ev.Key(), submitted[0].Event.Key())
	require.Equal(t, types.KindWithdrawal, submitted[0].Event.Kind)
	require.Empty(t, tn.dst.Submitted())
	require.Equal(t, uint64(1), tn.src.Settled())
	require.Zero(t, tn.dst.Settled())
}

func TestMessageSettles(t *testing.T) {
	tn := newTestNet(t)
	n := startNode(t, tn.config("observer-1", "observer-2"))

	payload, err := types.EncodeMessage(&types.MessagePayload{DestChainID: 2, Target: common.HexToAddress("0x7a").Bytes(), Data: []byte("ping")})
	require.NoError(t, err)
	ev := commitEvent(t, tn.src, types.KindMessage, payload)
	rec := waitSettled(t, n, ev.Key())
	require.Equal(t, uint64(2), rec.ChainID)

	submitted := tn.dst.Submitted()
	require.Len(t, submitted, 1)
	require.Equal(t, payload, submitted[0].Event.Payload)
}

func TestOneObserverOffline(t *testing.T) {
	tn := newTestNet(t)
	// observer-3 is registered but never signs.
	n := startNode(t, tn.config("observer-1", "observer-2"))

	ev := tn.deposit(t, 1_000_000)
	waitSettled(t, n, ev.Key())

	set, _ := n.Aggregator().Get(ev.Key())
	require.Len(t, set.ForDigest(set.CompletedDigest), 2)
	_, signed := set.Get("observer-3")
	require.False(t, signed)
}

func TestReorgDoesNotSettleTwice(t *testing.T) {
	tn := newTestNet(t)
	n := startNode(t, tn.config("observer-1", "observer-2", "observer-3"))

	tn.src.Mine(3)
	ev := tn.deposit(t, 5)
	waitSettled(t, n, ev.Key())
	require.Eventually(t, func() bool {
		return rawdb.ReadBlockHash(n.DB(), 1, ev.BlockHeight) == ev.BlockHash
	}, waitTimeout, 5*time.Millisecond)

	// The deposit block is replaced by one carrying the same transaction.
	require.NoError(t, tn.src.Rewind(ev.BlockHeight-1))
	height := tn.src.Commit(types.Event{TxHash: ev.TxHash, Kind: ev.Kind, Payload: ev.Payload})
	require.Equal(t, ev.BlockHeight, height)
	tn.src.Mine(1)

	require.Eventually(t, func() bool {
		rb := n.ReorgMonitor(1).Last()
		return rb != nil && rb.Ancestor == ev.BlockHeight-1
	}, waitTimeout, 5*time.Millisecond, "reorg not detected")
	require.Eventually(t, func() bool {
		for _, o := range n.Observers() {
			if o.Stats().Rejections > 0 {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "re-emitted event not rejected")

	// The invalidated set gets no new round since nobody signs again.
	require.Len(t, tn.dst.Submitted(), 1)
	set, ok := n.Aggregator().Get(ev.Key())
	require.True(t, ok)
	require.Equal(t, uint64(0), set.Round)
	require.Equal(t, types.SetInvalidated, set.Status)
	require.Zero(t, set.Len())
	require.Equal(t, uint64(1), tn.dst.Settled())
	require.Eventually(t, func() bool {
		for _, a := range n.Monitor().Alerts().Active() {
			if a.Code == monitor.AlertEventRejected && a.Subject == ev.Key().String() {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "rejection not surfaced")

	// The bridge keeps working on the new branch.
	next := tn.deposit(t, 6)
	waitSettled(t, n, next.Key())
	require.Len(t, tn.dst.Submitted(), 2)
}

func TestRestartResumes(t *testing.T) {
	tn := newTestNet(t)
	cfg := tn.config("observer-1", "observer-2", "observer-3")
	cfg.DataDir = t.TempDir()

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	first := tn.deposit(t, 1)
	waitSettled(t, n, first.Key())
	require.NoError(t, n.Close())
	require.ErrorIs(t, n.Close(), ErrNodeStopped)

	n = startNode(t, cfg)
	require.GreaterOrEqual(t, n.Watcher(1).Checkpoint().LastFinalizedHeight, first.BlockHeight)
	set, ok := n.Aggregator().Get(first.Key())
	require.True(t, ok, "attestation set not persisted")
	require.Equal(t, types.SetComplete, set.Status)

	second := tn.deposit(t, 2)
	waitSettled(t, n, second.Key())
	// Nothing is settled twice across the restart.
	require.Len(t, tn.dst.Submitted(), 2)
	require.Len(t, n.Registry().Observers(), 3)
}

func TestRemoteObserverIngress(t *testing.T) {
	tn := newTestNet(t)

	secret := filepath.Join(t.TempDir(), "jwt.hex")

	aggCfg := tn.config("observer-1")
	aggCfg.HTTPHost, aggCfg.HTTPPort = "127.0.0.1", 0
	aggCfg.JWTSecret = secret
	agg := startNode(t, aggCfg)
	require.NotNil(t, agg.IngressAddr())
	require.FileExists(t, secret)

	// Requests without a token never reach the aggregator.
	resp, err := http.Post("http://"+agg.IngressAddr().String(), "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"rpc_modules"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	obsCfg := tn.config("observer-2")
	obsCfg.AggregatorURL = "http://" + agg.IngressAddr().String()
	obsCfg.JWTSecret = secret
	remote := startNode(t, obsCfg)
	require.Nil(t, remote.Aggregator())

	ev := tn.deposit(t, 1_000_000)
	waitSettled(t, agg, ev.Key())

	set, _ := agg.Aggregator().Get(ev.Key())
	_, fromRemote := set.Get("observer-2")
	require.True(t, fromRemote, "attestation of the remote observer missing")
	require.Len(t, tn.dst.Submitted(), 1)
	require.Nil(t, rawdb.ReadSettlement(remote.DB(), ev.Key()))
}

func TestDevMode(t *testing.T) {
	cfg := DefaultConfig
	cfg.DataDir = ""
	cfg.Dev = true
	cfg.DevPeriod = 10 * time.Millisecond
	cfg.Retry = retry.Config{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3}
	cfg.Watcher.PollInterval = 5 * time.Millisecond
	cfg.Reorg.Interval = 5 * time.Millisecond
	cfg.Submitter.ConfirmPoll = time.Millisecond
	cfg.ChainRPC.ReadRate = 0
	cfg.Monitor.Host, cfg.Monitor.Port = "127.0.0.1", 0
	cfg.Monitor.Refresh = 10 * time.Millisecond

	n := startNode(t, &cfg)
	require.ErrorIs(t, n.Start(), ErrNodeRunning)
	require.Len(t, n.Observers(), 3)
	require.Eventually(t, func() bool {
		return n.Dev().Dest.Settled() >= 2
	}, waitTimeout, 5*time.Millisecond, "dev deposits not settled")

	require.Eventually(t, func() bool {
		return n.Monitor().Snapshot().Transactions.Completed >= 2
	}, waitTimeout, 5*time.Millisecond)

	resp, err := http.Get("http://" + n.MonitorAddr().String() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status monitor.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status.Gateways, 2)

	resp, err = http.Get("http://" + n.MonitorAddr().String() + "/api/observers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var observers []monitor.ObserverStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&observers))
	require.Len(t, observers, 3)
}

func TestConfigValidation(t *testing.T) {
	tn := newTestNet(t)
	for name, mutate := range map[string]func(*Config){
		"no chains":        func(c *Config) { c.Chains = nil },
		"no observers":     func(c *Config) { c.Observers = nil },
		"duplicate chain":  func(c *Config) { c.Chains = append(c.Chains, c.Chains[0]) },
		"no gateway":       func(c *Config) { c.Chains[0].Gateway = common.Address{} },
		"keyless observer": func(c *Config) { c.Observers[2].PublicKey = "" },
		"unknown policy":   func(c *Config) { c.Aggregator.Policy = "majority" },
		"high threshold":   func(c *Config) { c.Chains[0].Threshold = 4 },
	} {
		cfg := tn.config("observer-1")
		cfg.Chains = append([]ChainConfig(nil), cfg.Chains...)
		mutate(cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: config accepted", name)
		}
	}

	// Trust weights do not count under the equal policy.
	cfg := tn.config("observer-1")
	for i := range cfg.Observers {
		cfg.Observers[i].Weight = 5
	}
	cfg.Chains[0].Threshold = 10
	_, err := New(cfg)
	require.ErrorIs(t, err, observer.ErrThresholdTooLarge)

	cfg.Aggregator.Policy = aggregator.WeightedPolicy
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Close())
}
