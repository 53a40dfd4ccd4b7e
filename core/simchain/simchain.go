// Package simchain implements an in-memory chain satisfying gbridge.ChainClient,
// with fault injection and forced reorganisations for tests and dev mode.
package simchain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
)

var (
	ErrUnavailable    = errors.New("simchain: node unavailable")
	ErrUnknownChain   = errors.New("simchain: unknown chain")
	ErrAlreadySettled = errors.New("simchain: event already settled")
	ErrWrongGateway   = errors.New("simchain: transaction not addressed to the gateway")
	ErrNoSignatures   = errors.New("simchain: transaction carries no signatures")
	ErrHeightRange    = errors.New("simchain: height out of range")
)

// GatewayState is the resource the simulated gateway exposes about itself.
type GatewayState struct {
	ChainID uint64 `json:"chainId"`
	Paused  bool   `json:"paused"`
	Settled uint64 `json:"settled"`
}

type block struct {
	hash   common.Hash
	events []types.Event
	txs    []common.Hash
}

type txRecord struct {
	tx     *types.BridgeTx
	height uint64 // 0 while pending
	failed bool
}

// Chain is a single simulated chain. Height 0 is the genesis block.
type Chain struct {
	mu sync.Mutex

	id       uint64
	gateway  common.Address
	blocks   []block
	fork     uint64 // bumped on every rewind so replacement blocks hash differently
	autoMine bool

	resources map[common.Address]map[string][]byte
	txs       map[common.Hash]*txRecord
	submitted []*types.BridgeTx
	settled   uint64

	failReads   int
	failSubmits int
	rejectNext  int
	down        bool
}

// NewChain creates a chain holding only its genesis block. Submitted
// transactions are mined immediately unless SetAutoMine(false) is called.
func NewChain(id uint64, gateway common.Address) *Chain {
	c := &Chain{
		id:        id,
		gateway:   gateway,
		autoMine:  true,
		resources: make(map[common.Address]map[string][]byte),
		txs:       make(map[common.Hash]*txRecord),
	}
	c.blocks = append(c.blocks, block{hash: c.blockHash(0, nil, nil)})
	c.writeGatewayState()
	return c
}

// ID returns the chain id.
func (c *Chain) ID() uint64 { return c.id }

// Gateway returns the gateway address.
func (c *Chain) Gateway() common.Address { return c.gateway }

func (c *Chain) blockHash(height uint64, events []types.Event, txs []common.Hash) common.Hash {
	var parent common.Hash
	if height > 0 {
		parent = c.blocks[height-1].hash
	}
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf, c.id)
	binary.BigEndian.PutUint64(buf[8:], height)
	binary.BigEndian.PutUint64(buf[16:], c.fork)
	data := [][]byte{parent.Bytes(), buf}
	for i := range events {
		data = append(data, events[i].TxHash.Bytes(), events[i].Payload)
	}
	for _, h := range txs {
		data = append(data, h.Bytes())
	}
	return crypto.Keccak256Hash(data...)
}

// Commit mines a block carrying the given events and returns its height. The
// chain fills in chain id, height, block hash and log index; a zero TxHash is
// replaced by a deterministic one.
func (c *Chain) Commit(events ...types.Event) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit(events)
}

func (c *Chain) commit(events []types.Event) uint64 {
	height := uint64(len(c.blocks))
	evs := make([]types.Event, len(events))
	for i, ev := range events {
		ev = *ev.Copy()
		ev.ChainID = c.id
		ev.BlockHeight = height
		ev.LogIndex = uint32(i)
		if ev.TxHash == (common.Hash{}) {
			seed := make([]byte, 28)
			binary.BigEndian.PutUint64(seed, c.id)
			binary.BigEndian.PutUint64(seed[8:], height)
			binary.BigEndian.PutUint64(seed[16:], c.fork)
			binary.BigEndian.PutUint32(seed[24:], uint32(i))
			ev.TxHash = crypto.Keccak256Hash(seed)
		}
		evs[i] = ev
	}
	var txs []common.Hash
	for hash, rec := range c.txs {
		if rec.height == 0 && !rec.failed {
			txs = append(txs, hash)
		}
	}
	hash := c.blockHash(height, evs, txs)
	for i := range evs {
		evs[i].BlockHash = hash
	}
	c.blocks = append(c.blocks, block{hash: hash, events: evs, txs: txs})
	for _, h := range txs {
		c.include(h, height)
	}
	return height
}

// Mine appends n empty blocks and returns the new height.
func (c *Chain) Mine(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.commit(nil)
	}
	return uint64(len(c.blocks) - 1)
}

// Rewind drops every block above height, simulating the losing side of a
// reorganisation. Settlements included in dropped blocks are rolled back.
func (c *Chain) Rewind(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height >= uint64(len(c.blocks)) {
		return fmt.Errorf("%w: rewind to %d, head %d", ErrHeightRange, height, len(c.blocks)-1)
	}
	for _, b := range c.blocks[height+1:] {
		for _, h := range b.txs {
			rec := c.txs[h]
			rec.height = 0
			delete(c.resources[c.gateway], gbridge.SettledResource(rec.tx.Event.Key()))
			c.settled--
		}
	}
	c.blocks = c.blocks[:height+1]
	c.fork++
	c.writeGatewayState()
	return nil
}

// Reorg replaces every block above ancestor with n fresh empty blocks.
func (c *Chain) Reorg(ancestor uint64, n int) error {
	if err := c.Rewind(ancestor); err != nil {
		return err
	}
	c.Mine(n)
	return nil
}

func (c *Chain) include(hash common.Hash, height uint64) {
	rec := c.txs[hash]
	rec.height = height
	key := rec.tx.Event.Key()
	c.setResource(c.gateway, gbridge.SettledResource(key), hash.Bytes())
	c.settled++
	c.writeGatewayState()
}

func (c *Chain) setResource(addr common.Address, typ string, data []byte) {
	if c.resources[addr] == nil {
		c.resources[addr] = make(map[string][]byte)
	}
	c.resources[addr][typ] = data
}

func (c *Chain) writeGatewayState() {
	blob, _ := json.Marshal(GatewayState{ChainID: c.id, Settled: c.settled})
	c.setResource(c.gateway, gbridge.GatewayStateResource, blob)
}

// SetResource stores an arbitrary resource blob under an account.
func (c *Chain) SetResource(addr common.Address, typ string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setResource(addr, typ, common.CopyBytes(data))
}

// SetAutoMine toggles whether submitted transactions are mined immediately.
func (c *Chain) SetAutoMine(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoMine = on
}

// FailReads makes the next n read calls fail with a transient error.
func (c *Chain) FailReads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failReads = n
}

// FailSubmits makes the next n submissions fail with a transient error.
func (c *Chain) FailSubmits(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSubmits = n
}

// RejectSubmits makes the next n submissions execute but fail on chain.
func (c *Chain) RejectSubmits(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext = n
}

// SetDown makes every call fail with a transient error while down.
func (c *Chain) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Submitted returns every transaction accepted by SubmitTransaction.
func (c *Chain) Submitted() []*types.BridgeTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.BridgeTx(nil), c.submitted...)
}

// Settled returns the number of settlements currently included.
func (c *Chain) Settled() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

func (c *Chain) readFault() error {
	if c.down {
		return retry.AsTransient(ErrUnavailable)
	}
	if c.failReads > 0 {
		c.failReads--
		return retry.AsTransient(ErrUnavailable)
	}
	return nil
}

// Events implements gbridge.ChainReader.
func (c *Chain) Events(ctx context.Context, from, to uint64) ([]types.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(); err != nil {
		return nil, err
	}
	head := uint64(len(c.blocks) - 1)
	if to > head {
		to = head
	}
	var out []types.Event
	for h := from; h <= to && h <= head; h++ {
		for _, ev := range c.blocks[h].events {
			cpy := *ev.Copy()
			cpy.Confirmations = types.Confirmations(head, h)
			out = append(out, cpy)
		}
	}
	return out, nil
}

// CurrentHeight implements gbridge.ChainReader.
func (c *Chain) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(); err != nil {
		return 0, err
	}
	return uint64(len(c.blocks) - 1), nil
}

// BlockHash implements gbridge.ChainReader.
func (c *Chain) BlockHash(ctx context.Context, height uint64) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(); err != nil {
		return common.Hash{}, err
	}
	if height >= uint64(len(c.blocks)) {
		return common.Hash{}, gbridge.NotFound
	}
	return c.blocks[height].hash, nil
}

// SubmitTransaction implements gbridge.TransactionSender.
func (c *Chain) SubmitTransaction(ctx context.Context, tx *types.BridgeTx) (*types.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, retry.AsTransient(ErrUnavailable)
	}
	if c.failSubmits > 0 {
		c.failSubmits--
		return nil, retry.AsTransient(ErrUnavailable)
	}
	if tx.Gateway != c.gateway {
		return nil, retry.AsFatal(ErrWrongGateway)
	}
	if len(tx.Signatures) == 0 {
		return nil, retry.AsFatal(ErrNoSignatures)
	}
	if _, ok := c.resources[c.gateway][gbridge.SettledResource(tx.Event.Key())]; ok {
		return nil, retry.AsFatal(ErrAlreadySettled)
	}
	hash := tx.Hash()
	if rec, ok := c.txs[hash]; ok && !rec.failed {
		return &types.TxResult{Success: true, Hash: hash}, nil
	}
	rec := &txRecord{tx: tx}
	c.txs[hash] = rec
	c.submitted = append(c.submitted, tx)
	if c.rejectNext > 0 {
		c.rejectNext--
		rec.failed = true
		return &types.TxResult{Success: true, Hash: hash}, nil
	}
	if c.autoMine {
		c.commit(nil)
	}
	return &types.TxResult{Success: true, Hash: hash}, nil
}

// TransactionStatus implements gbridge.TransactionSender.
func (c *Chain) TransactionStatus(ctx context.Context, hash common.Hash) (types.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(); err != nil {
		return types.TxUnknown, err
	}
	rec, ok := c.txs[hash]
	switch {
	case !ok:
		return types.TxUnknown, nil
	case rec.failed:
		return types.TxFailed, nil
	case rec.height == 0:
		return types.TxPending, nil
	}
	return types.TxConfirmed, nil
}

// AccountResource implements gbridge.StateReader.
func (c *Chain) AccountResource(ctx context.Context, address common.Address, resourceType string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(); err != nil {
		return nil, err
	}
	data, ok := c.resources[address][resourceType]
	if !ok {
		return nil, gbridge.NotFound
	}
	return common.CopyBytes(data), nil
}
