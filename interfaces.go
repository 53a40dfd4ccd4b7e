// Package gbridge defines interfaces for interacting with the chains a bridge
// node connects.
package gbridge

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tos-network/gbridge/core/types"
)

// NotFound is returned by API methods if the requested item does not exist.
var NotFound = errors.New("not found")

// ChainReader provides access to the event history of a chain.
type ChainReader interface {
	// Events returns the gateway events in the inclusive height range [from, to],
	// ordered by height and log index.
	Events(ctx context.Context, chainID, from, to uint64) ([]types.Event, error)
	CurrentHeight(ctx context.Context, chainID uint64) (uint64, error)
	BlockHash(ctx context.Context, chainID, height uint64) (common.Hash, error)
}

// TransactionSender submits settlement transactions and reports their status.
type TransactionSender interface {
	SubmitTransaction(ctx context.Context, tx *types.BridgeTx) (*types.TxResult, error)
	TransactionStatus(ctx context.Context, chainID uint64, hash common.Hash) (types.TxStatus, error)
}

// StateReader gives access to resources stored under an account.
type StateReader interface {
	// AccountResource returns the resource blob, or NotFound if the account
	// holds no resource of that type.
	AccountResource(ctx context.Context, chainID uint64, address common.Address, resourceType string) ([]byte, error)
}

// ChainClient is the full read/write access to a chain the bridge needs.
type ChainClient interface {
	ChainReader
	TransactionSender
	StateReader
}

// SettledResource returns the gateway resource type marking key as settled on
// the destination chain.
func SettledResource(key types.EventKey) string {
	return "settled:" + key.String()
}

// GatewayStateResource is the gateway resource describing its own status.
const GatewayStateResource = "GatewayState"
