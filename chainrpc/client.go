// Package chainrpc connects the bridge to chain nodes serving the gateway
// JSON-RPC API.
package chainrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
	"golang.org/x/time/rate"
)

var ErrUnknownChain = fmt.Errorf("chainrpc: unknown chain")

// Config limits the load the bridge puts on chain nodes.
type Config struct {
	ReadRate       float64       `toml:",omitempty"` // reads per second per chain, 0 disables the limit
	ReadBurst      int           `toml:",omitempty"`
	RequestTimeout time.Duration `toml:",omitempty"`
}

// DefaultConfig is the default client configuration.
var DefaultConfig = Config{
	ReadRate:       50,
	ReadBurst:      10,
	RequestTimeout: 10 * time.Second,
}

type endpoint struct {
	chainID uint64
	url     string
	c       *rpc.Client
	limiter *rate.Limiter
	log     log.Logger
}

// Client is a gbridge.ChainClient talking to one node per chain.
type Client struct {
	config Config

	mu        sync.RWMutex
	endpoints map[uint64]*endpoint
}

var _ gbridge.ChainClient = (*Client)(nil)

// NewClient creates a client without endpoints.
func NewClient(config Config) *Client {
	if config.ReadBurst <= 0 {
		config.ReadBurst = 1
	}
	return &Client{config: config, endpoints: make(map[uint64]*endpoint)}
}

// Dial connects the node of every chain in urls and checks that it serves the
// chain it is configured for.
func Dial(ctx context.Context, config Config, urls map[uint64]string) (*Client, error) {
	client := NewClient(config)
	for chainID, url := range urls {
		c, err := rpc.DialContext(ctx, url)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("chainrpc: dial chain %d at %s: %w", chainID, url, err)
		}
		if err := client.Attach(ctx, chainID, url, c); err != nil {
			c.Close()
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// Attach adds an already connected node.
func (c *Client) Attach(ctx context.Context, chainID uint64, url string, rc *rpc.Client) error {
	var remote hexutil.Uint64
	if err := rc.CallContext(ctx, &remote, Namespace+"_chainId"); err != nil {
		return fmt.Errorf("chainrpc: chain id of %s: %w", url, err)
	}
	if uint64(remote) != chainID {
		return fmt.Errorf("chainrpc: %s serves chain %d, want %d", url, uint64(remote), chainID)
	}
	limit := rate.Inf
	if c.config.ReadRate > 0 {
		limit = rate.Limit(c.config.ReadRate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.endpoints[chainID]; ok {
		old.c.Close()
	}
	c.endpoints[chainID] = &endpoint{
		chainID: chainID,
		url:     url,
		c:       rc,
		limiter: rate.NewLimiter(limit, c.config.ReadBurst),
		log:     log.New("chain", chainID, "url", url),
	}
	return nil
}

// ChainIDs returns the connected chains in ascending order.
func (c *Client) ChainIDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every node.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ep := range c.endpoints {
		ep.c.Close()
		delete(c.endpoints, id)
	}
}

func (c *Client) endpoint(chainID uint64) (*endpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[chainID]
	if !ok {
		return nil, retry.AsFatal(fmt.Errorf("%w: %d", ErrUnknownChain, chainID))
	}
	return ep, nil
}

// call performs one request. Reads wait for the chain's rate limiter; writes
// are never throttled.
func (c *Client) call(ctx context.Context, chainID uint64, read bool, result interface{}, method string, args ...interface{}) error {
	ep, err := c.endpoint(chainID)
	if err != nil {
		return err
	}
	if read {
		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	err = ep.c.CallContext(ctx, result, Namespace+"_"+method, args...)
	metrics.GetOrRegisterTimer(fmt.Sprintf("chainrpc/%d/%s", chainID, method), nil).UpdateSince(start)
	if err != nil {
		metrics.GetOrRegisterCounter(fmt.Sprintf("chainrpc/%d/errors", chainID), nil).Inc(1)
		ep.log.Trace("Chain request failed", "method", method, "err", err)
		return decodeError(err)
	}
	return nil
}

func (c *Client) Events(ctx context.Context, chainID, from, to uint64) ([]types.Event, error) {
	var raw []RPCEvent
	if err := c.call(ctx, chainID, true, &raw, "getEvents", hexutil.Uint64(from), hexutil.Uint64(to)); err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(raw))
	for i := range raw {
		ev, err := raw[i].toEvent()
		if err != nil {
			return nil, retry.AsValidation(fmt.Errorf("chainrpc: event %s: %w", raw[i].TxHash, err))
		}
		if ev.ChainID != chainID {
			return nil, retry.AsValidation(fmt.Errorf("chainrpc: event %s from chain %d on chain %d", ev.TxHash, ev.ChainID, chainID))
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) CurrentHeight(ctx context.Context, chainID uint64) (uint64, error) {
	var head hexutil.Uint64
	if err := c.call(ctx, chainID, true, &head, "blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

func (c *Client) BlockHash(ctx context.Context, chainID, height uint64) (common.Hash, error) {
	var hash common.Hash
	err := c.call(ctx, chainID, true, &hash, "getBlockHash", hexutil.Uint64(height))
	return hash, err
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *types.BridgeTx) (*types.TxResult, error) {
	raw, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return nil, retry.AsFatal(err)
	}
	var res RPCTxResult
	if err := c.call(ctx, tx.ChainID, false, &res, "sendBridgeTransaction", hexutil.Bytes(raw)); err != nil {
		return nil, err
	}
	return &types.TxResult{Success: res.Success, Hash: res.Hash}, nil
}

func (c *Client) TransactionStatus(ctx context.Context, chainID uint64, hash common.Hash) (types.TxStatus, error) {
	var status string
	if err := c.call(ctx, chainID, true, &status, "getTransactionStatus", hash); err != nil {
		return types.TxUnknown, err
	}
	s, err := parseTxStatus(status)
	if err != nil {
		return types.TxUnknown, retry.AsValidation(err)
	}
	return s, nil
}

func (c *Client) AccountResource(ctx context.Context, chainID uint64, address common.Address, resourceType string) ([]byte, error) {
	var data hexutil.Bytes
	if err := c.call(ctx, chainID, true, &data, "getResource", address, resourceType); err != nil {
		return nil, err
	}
	return data, nil
}
