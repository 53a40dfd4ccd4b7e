package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/chainrpc"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/metrics"
	"github.com/tos-network/gbridge/monitor"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/reorg"
	"github.com/tos-network/gbridge/retry"
	"github.com/tos-network/gbridge/submitter"
	"github.com/tos-network/gbridge/watcher"
)

const (
	datadirDatabase = "bridgedata" // Path within the datadir to the bridge database
	datadirKeys     = "keys"       // Path within the datadir to generated observer keys

	// Ids and gateways of the developer chains.
	DevSourceChain uint64 = 1
	DevDestChain   uint64 = 2
)

var (
	DevSourceGateway = common.HexToAddress("0x1001")
	DevDestGateway   = common.HexToAddress("0x2002")
)

var (
	errNoChains    = errors.New("node: no chains configured")
	errNoObservers = errors.New("node: no observers configured")
)

// ChainConfig describes one connected chain and the gateway deployed on it.
type ChainConfig struct {
	ID                uint64
	Name              string         `toml:",omitempty"`
	URL               string         `toml:",omitempty"` // gateway JSON-RPC endpoint of the chain node
	Gateway           common.Address
	Threshold         uint64         `toml:",omitempty"` // signatures required for events of this chain
	ConfirmationDepth uint64         `toml:",omitempty"` // overrides Watcher.ConfirmationDepth
	StartHeight       uint64         `toml:",omitempty"`
}

// ObserverConfig describes one observer. Observers with a key file are run by
// this node; the others are remote and only known by their public key.
type ObserverConfig struct {
	ID        string
	KeyFile   string `toml:",omitempty"`
	PublicKey string `toml:",omitempty"` // hex encoded uncompressed secp256k1 key
	Endpoint  string `toml:",omitempty"`
	Weight    uint64 `toml:",omitempty"`
}

// Local reports whether the observer signs on this node.
func (c *ObserverConfig) Local() bool { return c.KeyFile != "" }

// Info returns the registry record of a remote observer.
func (c *ObserverConfig) Info() (types.ObserverInfo, error) {
	pub, err := hexutil.Decode(c.PublicKey)
	if err != nil {
		return types.ObserverInfo{}, fmt.Errorf("observer %s: public key: %w", c.ID, err)
	}
	return types.ObserverInfo{ID: c.ID, Endpoint: c.Endpoint, PublicKey: pub, TrustWeight: c.weight()}, nil
}

func (c *ObserverConfig) weight() uint64 {
	if c.Weight == 0 {
		return 1
	}
	return c.Weight
}

// Config represents a small collection of configuration values to fine tune
// the bridge node. These values can be further extended by all registered
// components.
type Config struct {
	// DataDir is the file system folder the node should use for its database.
	// An empty DataDir keeps everything in memory.
	DataDir string

	// Dev runs the node against two in-memory chains with generated observers
	// and a deposit generator.
	Dev       bool          `toml:",omitempty"`
	DevPeriod time.Duration `toml:",omitempty"`

	Chains    []ChainConfig
	Observers []ObserverConfig

	// AggregatorURL points local observers at a remote aggregator. When set, the
	// node neither aggregates nor settles.
	AggregatorURL string `toml:",omitempty"`

	// HTTPHost is the host interface of the attestation ingress JSON-RPC server.
	// An empty host disables the server.
	HTTPHost string   `toml:",omitempty"`
	HTTPPort int      `toml:",omitempty"`
	HTTPCors []string `toml:",omitempty"`

	// JWTSecret is the path of a hex encoded 32 byte secret shared between an
	// aggregator and its remote observers. When set, the ingress only accepts
	// requests signed with it. An aggregator generates the file if missing.
	JWTSecret string `toml:",omitempty"`

	DatabaseCache   int `toml:",omitempty"`
	DatabaseHandles int `toml:"-"`

	ValidationTimeout time.Duration `toml:",omitempty"`

	// RedriveInterval is the period at which completed but unsettled sets are
	// handed to the submitter again.
	RedriveInterval time.Duration `toml:",omitempty"`

	Retry      retry.Config
	Watcher    watcher.Config
	Reorg      reorg.Config
	Aggregator aggregator.Config
	Submitter  submitter.Config
	ChainRPC   chainrpc.Config
	Monitor    monitor.Config
	Metrics    metrics.Config

	// Client replaces the chain connections built from Chains. Used by tests
	// and embedders.
	Client gbridge.ChainClient `toml:"-"`
}

// DefaultConfig contains reasonable default settings.
var DefaultConfig = Config{
	DataDir:           DefaultDataDir(),
	DevPeriod:         time.Second,
	HTTPPort:          8545,
	HTTPCors:          []string{"*"},
	DatabaseCache:     64,
	DatabaseHandles:   256,
	ValidationTimeout: 30 * time.Second,
	RedriveInterval:   time.Minute,
	Retry:             retry.DefaultConfig,
	Watcher:           watcher.DefaultConfig,
	Reorg:             reorg.DefaultConfig,
	Aggregator:        aggregator.DefaultConfig,
	Submitter:         submitter.DefaultConfig,
	ChainRPC:          chainrpc.DefaultConfig,
	Monitor:           monitor.DefaultConfig,
	Metrics:           metrics.DefaultConfig,
}

// DefaultDataDir is the default data directory to use for the databases.
func DefaultDataDir() string {
	home := homeDir()
	if home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "GBridge")
	case "windows":
		if appdata := os.Getenv("LOCALAPPDATA"); appdata != "" {
			return filepath.Join(appdata, "GBridge")
		}
		return filepath.Join(home, "AppData", "Local", "GBridge")
	}
	return filepath.Join(home, ".gbridge")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// HTTPEndpoint resolves the listen address of the ingress server, or "" when
// it is disabled.
func (c *Config) HTTPEndpoint() string {
	if c.HTTPHost == "" {
		return ""
	}
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// ResolvePath resolves path in the data directory. Absolute paths are
// returned as is.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) || c.DataDir == "" {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// DatabasePath returns the location of the bridge database, or "" when the
// node keeps it in memory.
func (c *Config) DatabasePath() string {
	if c.DataDir == "" {
		return ""
	}
	return c.ResolvePath(datadirDatabase)
}

// Chain returns the config of a chain.
func (c *Config) Chain(id uint64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ID == id {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// WatcherConfig returns the watcher settings of a chain.
func (c *Config) WatcherConfig(chain ChainConfig) watcher.Config {
	wc := c.Watcher
	wc.ChainID = chain.ID
	if chain.ConfirmationDepth != 0 {
		wc.ConfirmationDepth = chain.ConfirmationDepth
	}
	if chain.StartHeight != 0 {
		wc.StartHeight = chain.StartHeight
	}
	return wc
}

// GatewayConfig returns the registry record of a chain's gateway.
func (c *Config) GatewayConfig(chain ChainConfig) types.GatewayConfig {
	threshold := chain.Threshold
	if threshold == 0 {
		threshold = params.DefaultThreshold
	}
	return types.GatewayConfig{ChainID: chain.ID, GatewayAddress: chain.Gateway, Threshold: threshold}
}

// SetDevDefaults fills in the developer chains and observers where the
// configuration leaves them empty.
func (c *Config) SetDevDefaults() {
	if len(c.Chains) == 0 {
		c.Chains = []ChainConfig{
			{ID: DevSourceChain, Name: "dev-source", Gateway: DevSourceGateway, Threshold: 2, ConfirmationDepth: 1},
			{ID: DevDestChain, Name: "dev-dest", Gateway: DevDestGateway, Threshold: 2, ConfirmationDepth: 1},
		}
	}
	if c.DevPeriod == 0 {
		c.DevPeriod = DefaultConfig.DevPeriod
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return errNoChains
	}
	seen := make(map[uint64]bool)
	for _, chain := range c.Chains {
		if chain.ID == 0 {
			return errors.New("node: chain id 0 is reserved")
		}
		if seen[chain.ID] {
			return fmt.Errorf("node: chain %d configured twice", chain.ID)
		}
		seen[chain.ID] = true
		if chain.Gateway == (common.Address{}) {
			return fmt.Errorf("node: chain %d has no gateway address", chain.ID)
		}
		if chain.URL == "" && !c.Dev && c.Client == nil {
			return fmt.Errorf("node: chain %d has no endpoint", chain.ID)
		}
	}
	if len(c.Observers) == 0 && !c.Dev {
		return errNoObservers
	}
	ids := make(map[string]bool)
	for _, o := range c.Observers {
		if o.ID == "" {
			return errors.New("node: observer without id")
		}
		if ids[o.ID] {
			return fmt.Errorf("node: observer %s configured twice", o.ID)
		}
		ids[o.ID] = true
		if !o.Local() && o.PublicKey == "" {
			return fmt.Errorf("node: observer %s needs a key file or a public key", o.ID)
		}
	}
	if _, err := aggregator.PolicyByName(c.Aggregator.Policy); err != nil {
		return err
	}
	return nil
}
