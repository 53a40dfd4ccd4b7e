package chainrpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
)

// Namespace is the JSON-RPC namespace of the gateway API.
const Namespace = "gateway"

// Backend is a single chain as seen by the gateway API. simchain.Chain
// implements it.
type Backend interface {
	ID() uint64
	Events(ctx context.Context, from, to uint64) ([]types.Event, error)
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, height uint64) (common.Hash, error)
	SubmitTransaction(ctx context.Context, tx *types.BridgeTx) (*types.TxResult, error)
	TransactionStatus(ctx context.Context, hash common.Hash) (types.TxStatus, error)
	AccountResource(ctx context.Context, address common.Address, resourceType string) ([]byte, error)
}

// RPCEvent is the JSON form of a gateway event.
type RPCEvent struct {
	ChainID       hexutil.Uint64 `json:"chainId"`
	BlockHeight   hexutil.Uint64 `json:"blockHeight"`
	BlockHash     common.Hash    `json:"blockHash"`
	TxHash        common.Hash    `json:"txHash"`
	LogIndex      hexutil.Uint   `json:"logIndex"`
	Kind          string         `json:"kind"`
	Payload       hexutil.Bytes  `json:"payload"`
	Confirmations hexutil.Uint64 `json:"confirmations"`
}

func newRPCEvent(ev *types.Event) RPCEvent {
	return RPCEvent{
		ChainID:       hexutil.Uint64(ev.ChainID),
		BlockHeight:   hexutil.Uint64(ev.BlockHeight),
		BlockHash:     ev.BlockHash,
		TxHash:        ev.TxHash,
		LogIndex:      hexutil.Uint(ev.LogIndex),
		Kind:          ev.Kind.String(),
		Payload:       ev.Payload,
		Confirmations: hexutil.Uint64(ev.Confirmations),
	}
}

func (e *RPCEvent) toEvent() (types.Event, error) {
	kind, err := types.ParseEventKind(e.Kind)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		ChainID:       uint64(e.ChainID),
		BlockHeight:   uint64(e.BlockHeight),
		BlockHash:     e.BlockHash,
		TxHash:        e.TxHash,
		LogIndex:      uint32(e.LogIndex),
		Kind:          kind,
		Payload:       common.CopyBytes(e.Payload),
		Confirmations: uint64(e.Confirmations),
	}, nil
}

// RPCTxResult is the JSON form of a submission result.
type RPCTxResult struct {
	Success bool        `json:"success"`
	Hash    common.Hash `json:"hash"`
}

// GatewayAPI serves a Backend over JSON-RPC.
type GatewayAPI struct {
	b Backend
}

// NewGatewayAPI creates the gateway API of a chain.
func NewGatewayAPI(b Backend) *GatewayAPI {
	return &GatewayAPI{b}
}

// APIs returns the RPC descriptors of the gateway API.
func APIs(b Backend) []rpc.API {
	return []rpc.API{{Namespace: Namespace, Service: NewGatewayAPI(b)}}
}

// ChainId returns the id of the served chain.
func (api *GatewayAPI) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(api.b.ID())
}

// BlockNumber returns the current head height.
func (api *GatewayAPI) BlockNumber(ctx context.Context) (hexutil.Uint64, error) {
	h, err := api.b.CurrentHeight(ctx)
	return hexutil.Uint64(h), encodeError(err)
}

// GetBlockHash returns the hash of the block at height.
func (api *GatewayAPI) GetBlockHash(ctx context.Context, height hexutil.Uint64) (common.Hash, error) {
	hash, err := api.b.BlockHash(ctx, uint64(height))
	return hash, encodeError(err)
}

// GetEvents returns the gateway events in [from, to].
func (api *GatewayAPI) GetEvents(ctx context.Context, from, to hexutil.Uint64) ([]RPCEvent, error) {
	if from > to {
		return nil, encodeError(retry.AsValidation(fmt.Errorf("invalid range [%d, %d]", from, to)))
	}
	events, err := api.b.Events(ctx, uint64(from), uint64(to))
	if err != nil {
		return nil, encodeError(err)
	}
	out := make([]RPCEvent, len(events))
	for i := range events {
		out[i] = newRPCEvent(&events[i])
	}
	return out, nil
}

// SendBridgeTransaction submits an RLP encoded settlement transaction.
func (api *GatewayAPI) SendBridgeTransaction(ctx context.Context, raw hexutil.Bytes) (*RPCTxResult, error) {
	tx := new(types.BridgeTx)
	if err := rlp.DecodeBytes(raw, tx); err != nil {
		return nil, encodeError(retry.AsValidation(err))
	}
	res, err := api.b.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, encodeError(err)
	}
	return &RPCTxResult{Success: res.Success, Hash: res.Hash}, nil
}

// GetTransactionStatus returns the inclusion status of a transaction.
func (api *GatewayAPI) GetTransactionStatus(ctx context.Context, hash common.Hash) (string, error) {
	status, err := api.b.TransactionStatus(ctx, hash)
	if err != nil {
		return "", encodeError(err)
	}
	return status.String(), nil
}

// GetResource returns a resource stored under address.
func (api *GatewayAPI) GetResource(ctx context.Context, address common.Address, resourceType string) (hexutil.Bytes, error) {
	data, err := api.b.AccountResource(ctx, address, resourceType)
	return data, encodeError(err)
}

func parseTxStatus(s string) (types.TxStatus, error) {
	for _, status := range []types.TxStatus{types.TxUnknown, types.TxPending, types.TxConfirmed, types.TxFailed} {
		if status.String() == s {
			return status, nil
		}
	}
	return types.TxUnknown, fmt.Errorf("unknown transaction status %q", s)
}
