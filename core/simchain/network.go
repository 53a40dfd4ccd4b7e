package simchain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
)

// Network routes gbridge.ChainClient calls to a set of simulated chains by
// chain id.
type Network struct {
	mu     sync.RWMutex
	chains map[uint64]*Chain
}

var _ gbridge.ChainClient = (*Network)(nil)

// NewNetwork creates a network over the given chains.
func NewNetwork(chains ...*Chain) *Network {
	n := &Network{chains: make(map[uint64]*Chain)}
	for _, c := range chains {
		n.chains[c.ID()] = c
	}
	return n
}

// Add registers another chain.
func (n *Network) Add(c *Chain) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chains[c.ID()] = c
}

// Chain returns the chain with the given id.
func (n *Network) Chain(id uint64) (*Chain, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.chains[id]
	return c, ok
}

// ChainIDs returns the ids of all chains in ascending order.
func (n *Network) ChainIDs() []uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]uint64, 0, len(n.chains))
	for id := range n.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (n *Network) chain(id uint64) (*Chain, error) {
	c, ok := n.Chain(id)
	if !ok {
		return nil, retry.AsFatal(fmt.Errorf("%w: %d", ErrUnknownChain, id))
	}
	return c, nil
}

func (n *Network) Events(ctx context.Context, chainID, from, to uint64) ([]types.Event, error) {
	c, err := n.chain(chainID)
	if err != nil {
		return nil, err
	}
	return c.Events(ctx, from, to)
}

func (n *Network) CurrentHeight(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := n.chain(chainID)
	if err != nil {
		return 0, err
	}
	return c.CurrentHeight(ctx)
}

func (n *Network) BlockHash(ctx context.Context, chainID, height uint64) (common.Hash, error) {
	c, err := n.chain(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return c.BlockHash(ctx, height)
}

func (n *Network) SubmitTransaction(ctx context.Context, tx *types.BridgeTx) (*types.TxResult, error) {
	c, err := n.chain(tx.ChainID)
	if err != nil {
		return nil, err
	}
	return c.SubmitTransaction(ctx, tx)
}

func (n *Network) TransactionStatus(ctx context.Context, chainID uint64, hash common.Hash) (types.TxStatus, error) {
	c, err := n.chain(chainID)
	if err != nil {
		return types.TxUnknown, err
	}
	return c.TransactionStatus(ctx, hash)
}

func (n *Network) AccountResource(ctx context.Context, chainID uint64, address common.Address, resourceType string) ([]byte, error) {
	c, err := n.chain(chainID)
	if err != nil {
		return nil, err
	}
	return c.AccountResource(ctx, address, resourceType)
}
