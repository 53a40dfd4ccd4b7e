package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/monitor"
	"github.com/tos-network/gbridge/node"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/watcher"
)

func init() {
	color.NoColor = true
}

const testConfig = `
DataDir = "/var/lib/gbridge"
AggregatorURL = "ws://aggregator:8545"

[[Chains]]
ID = 1
Name = "source"
URL = "http://source:8545"
Gateway = "0x0000000000000000000000000000000000001001"
Threshold = 2

[[Chains]]
ID = 2
URL = "http://dest:8545"
Gateway = "0x0000000000000000000000000000000000002002"
ConfirmationDepth = 3

[[Observers]]
ID = "observer-1"
KeyFile = "keys/observer-1.key"

[Watcher]
ConfirmationDepth = 12
PollInterval = 2000000000

[Aggregator]
Policy = "weighted"
`

func TestDecodeConfig(t *testing.T) {
	cfg := node.DefaultConfig
	if err := decodeConfig(strings.NewReader(testConfig), &cfg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	require.Equal(t, "/var/lib/gbridge", cfg.DataDir)
	require.Equal(t, "ws://aggregator:8545", cfg.AggregatorURL)
	require.Len(t, cfg.Chains, 2)
	require.Equal(t, common.HexToAddress("0x1001"), cfg.Chains[0].Gateway)
	require.Equal(t, uint64(2), cfg.Chains[0].Threshold)
	require.Equal(t, uint64(3), cfg.Chains[1].ConfirmationDepth)
	require.Equal(t, "keys/observer-1.key", cfg.Observers[0].KeyFile)
	require.Equal(t, uint64(12), cfg.Watcher.ConfirmationDepth)
	require.Equal(t, 2*time.Second, cfg.Watcher.PollInterval)
	require.Equal(t, aggregator.WeightedPolicy, cfg.Aggregator.Policy)

	// Sections absent from the file keep their defaults.
	require.Equal(t, node.DefaultConfig.Submitter, cfg.Submitter)
	require.NoError(t, cfg.Validate())
}

func TestDecodeConfigUnknownField(t *testing.T) {
	cfg := node.DefaultConfig
	err := decodeConfig(strings.NewReader("[Watcher]\nConfirmations = 4\n"), &cfg)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "Confirmations") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestDumpedConfigLoads(t *testing.T) {
	cfg := node.DefaultConfig
	cfg.Chains = []node.ChainConfig{{ID: 7, URL: "http://chain:8545", Gateway: common.HexToAddress("0x77")}}
	cfg.Observers = []node.ObserverConfig{{ID: "o1", PublicKey: "0x04aa", Weight: 3}}

	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var loaded node.Config
	if err := decodeConfig(bytes.NewReader(out), &loaded); err != nil {
		t.Fatalf("dumped config does not load: %v\n%s", err, out)
	}
	require.Equal(t, cfg.Chains, loaded.Chains)
	require.Equal(t, cfg.Observers, loaded.Observers)
	require.Equal(t, cfg.Retry, loaded.Retry)
	require.Equal(t, cfg.Monitor, loaded.Monitor)
}

func TestRenderSnapshot(t *testing.T) {
	snap := &monitor.Snapshot{
		Time:    time.Unix(1700000000, 0),
		Version: "0.3.0-stable",
		Gateways: []monitor.GatewayStatus{
			{ChainID: 1, Address: common.HexToAddress("0x1001"), Threshold: 2, Reachable: true, Height: 42},
			{ChainID: 2, Address: common.HexToAddress("0x2002"), Threshold: 2, Error: "connection refused"},
		},
		Observers: []monitor.ObserverStatus{
			{Stats: observer.Stats{ID: "observer-1", Health: types.Healthy.String(), Validations: 10}, Weight: 1},
			{Stats: observer.Stats{ID: "observer-2", Health: types.Unreachable.String(), Errors: 4}, Weight: 1},
		},
		Transactions: monitor.TxStats{Completed: 9, Failed: 1, FailuresByCode: map[string]int{string(types.FailureExhausted): 1}},
		Chains:       []watcher.Status{{ChainID: 1, Head: 50, Stalled: true}},
		Alerts: []monitor.Alert{
			{Severity: monitor.SeverityCritical, Code: "chain-stalled", Subject: "1", Message: "no progress"},
		},
	}
	var buf bytes.Buffer
	renderSnapshot(&buf, snap)
	out := buf.String()

	for _, want := range []string{
		"0.3.0-stable", "connection refused", "observer-2", "unreachable",
		"stalled", "completed 9", string(types.FailureExhausted), "chain-stalled", "no progress",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered status misses %q:\n%s", want, out)
		}
	}
}

func TestVerifyChecks(t *testing.T) {
	var (
		src     = simchain.NewChain(1, common.HexToAddress("0x1001"))
		dst     = simchain.NewChain(2, common.HexToAddress("0x2002"))
		dir     = t.TempDir()
		key, _  = crypto.GenerateKey()
		other   = crypto.FromECDSAPub(&key.PublicKey)
		localID = "observer-1"
	)
	src.Mine(3)
	local, _ := crypto.GenerateKey()
	require.NoError(t, crypto.SaveECDSA(filepath.Join(dir, "local.key"), local))

	cfg := node.DefaultConfig
	cfg.DataDir = dir
	cfg.Client = simchain.NewNetwork(src, dst)
	cfg.Chains = []node.ChainConfig{
		{ID: 1, Gateway: src.Gateway()},
		{ID: 2, Gateway: dst.Gateway()},
	}
	cfg.Observers = []node.ObserverConfig{
		{ID: localID, KeyFile: "local.key"},
		{ID: "observer-2", PublicKey: hexutil.Encode(other)},
	}
	results := runChecks(context.Background(), &cfg)
	for _, r := range results {
		if r.err != nil {
			t.Errorf("%s %s failed: %v", r.subject, r.check, r.err)
		}
	}
	require.Len(t, results, 8)
	require.Equal(t, "3", results[1].detail)
	require.Equal(t, crypto.PubkeyToAddress(local.PublicKey).Hex(), results[6].detail)

	// A wrong gateway address, a missing key and a bad public key all fail.
	cfg.Chains[1].Gateway = common.HexToAddress("0xdead")
	cfg.Observers[0].KeyFile = "missing.key"
	cfg.Observers[1].PublicKey = "0x04"
	results = runChecks(context.Background(), &cfg)

	var buf bytes.Buffer
	if failed := renderChecks(&buf, results); failed != 3 {
		t.Fatalf("failed check count mismatch: have %d want 3\n%s", failed, buf.String())
	}
	require.Contains(t, buf.String(), "no GatewayState resource")
}

func TestReopenAndListings(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	defer db.Close()

	key := types.EventKey{ChainID: 1, TxHash: common.HexToHash("0xabc"), LogIndex: 0}
	set := types.NewAttestationSet(key, 10, 2, 1000)
	set.Status = types.SetExpired
	rawdb.WriteAttestationSet(db, set)
	rawdb.WriteFailure(db, &types.Failure{Key: key, Code: types.FailureExpired, Reason: "1 of 2 signatures", At: 2000})

	var buf bytes.Buffer
	listFailures(&buf, db)
	require.Contains(t, buf.String(), key.String())
	require.Contains(t, buf.String(), string(types.FailureExpired))

	parsed, err := types.ParseEventKey(key.String())
	require.NoError(t, err)
	require.NoError(t, aggregator.ReopenStored(db, parsed, time.Now()))
	require.Nil(t, rawdb.ReadFailure(db, key))

	pending, _ := parseSetStatus("pending")
	buf.Reset()
	listSets(&buf, db, &pending)
	require.Contains(t, buf.String(), key.String())

	expired, _ := parseSetStatus("expired")
	buf.Reset()
	listSets(&buf, db, &expired)
	require.NotContains(t, buf.String(), key.String())

	if _, err := parseSetStatus("settled"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
