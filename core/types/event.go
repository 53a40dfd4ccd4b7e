package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// attestDomain tags the canonical event encoding so that signatures produced for
// bridge attestations can never be replayed as signatures over anything else.
const attestDomain = "gbridge-attest-v1"

var (
	ErrUnknownEventKind = errors.New("types: unknown event kind")
	ErrInvalidEventKey  = errors.New("types: invalid event key")
)

// EventKind classifies a gateway event.
type EventKind uint8

const (
	KindDeposit EventKind = iota + 1
	KindWithdrawal
	KindMessage
)

func (k EventKind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdrawal:
		return "Withdrawal"
	case KindMessage:
		return "Message"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	return k >= KindDeposit && k <= KindMessage
}

// ParseEventKind maps the gateway's textual event names onto kinds. The
// CrossChainMessage alias is what the gateway module emits for messages.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(s) {
	case "deposit", "depositevent":
		return KindDeposit, nil
	case "withdrawal", "withdrawalevent":
		return KindWithdrawal, nil
	case "message", "crosschainmessage":
		return KindMessage, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// EventKey is the identity of a gateway event. It never changes once the event
// has been observed, even if the block carrying it is reorganised away.
type EventKey struct {
	ChainID  uint64
	TxHash   common.Hash
	LogIndex uint32
}

// String renders the key as chainID/txHash/logIndex.
func (k EventKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.ChainID, k.TxHash.Hex(), k.LogIndex)
}

// Hash returns a fixed size digest of the key, used for database keys and
// destination settlement lookups.
func (k EventKey) Hash() common.Hash {
	enc, _ := rlp.EncodeToBytes(k)
	return crypto.Keccak256Hash(enc)
}

// ParseEventKey is the inverse of EventKey.String.
func ParseEventKey(s string) (EventKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return EventKey{}, fmt.Errorf("%w: %q", ErrInvalidEventKey, s)
	}
	chainID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EventKey{}, fmt.Errorf("%w: chain id: %v", ErrInvalidEventKey, err)
	}
	if !strings.HasPrefix(parts[1], "0x") || len(parts[1]) != 2+2*common.HashLength {
		return EventKey{}, fmt.Errorf("%w: tx hash %q", ErrInvalidEventKey, parts[1])
	}
	logIndex, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return EventKey{}, fmt.Errorf("%w: log index: %v", ErrInvalidEventKey, err)
	}
	return EventKey{
		ChainID:  chainID,
		TxHash:   common.HexToHash(parts[1]),
		LogIndex: uint32(logIndex),
	}, nil
}

//go:generate go run github.com/fjl/gencodec -type Event -field-override eventMarshaling -out gen_event_json.go

// Event is a gateway event as observed on its source chain.
type Event struct {
	ChainID     uint64      `json:"chainId"     gencodec:"required"`
	BlockHeight uint64      `json:"blockHeight" gencodec:"required"`
	BlockHash   common.Hash `json:"blockHash"   gencodec:"required"`
	TxHash      common.Hash `json:"txHash"      gencodec:"required"`
	LogIndex    uint32      `json:"logIndex"    gencodec:"required"`
	Kind        EventKind   `json:"kind"        gencodec:"required"`
	Payload     []byte      `json:"payload"     gencodec:"required"`

	// Confirmations is the number of blocks on top of (and including) the
	// event's block when it was fetched. It is observational and not part of
	// the signed encoding.
	Confirmations uint64 `json:"confirmations" rlp:"-"`
}

type eventMarshaling struct {
	ChainID       hexutil.Uint64
	BlockHeight   hexutil.Uint64
	LogIndex      hexutil.Uint
	Payload       hexutil.Bytes
	Confirmations hexutil.Uint64
}

// Key returns the identity of the event.
func (ev *Event) Key() EventKey {
	return EventKey{ChainID: ev.ChainID, TxHash: ev.TxHash, LogIndex: ev.LogIndex}
}

// SigningHash returns the digest observers sign to attest the event.
func (ev *Event) SigningHash() common.Hash {
	enc, err := rlp.EncodeToBytes([]interface{}{
		attestDomain,
		ev.ChainID,
		ev.TxHash,
		ev.LogIndex,
		ev.BlockHeight,
		ev.BlockHash,
		uint8(ev.Kind),
		ev.Payload,
	})
	if err != nil {
		// All fields are fixed-size integers, hashes and byte slices.
		panic(fmt.Sprintf("types: encode event: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Copy returns a deep copy of the event.
func (ev *Event) Copy() *Event {
	cpy := *ev
	cpy.Payload = common.CopyBytes(ev.Payload)
	return &cpy
}

// SameContent reports whether two observations of the same key carry identical
// signed content.
func (ev *Event) SameContent(other *Event) bool {
	return ev.SigningHash() == other.SigningHash()
}

// EventsByPosition sorts events by (height, tx hash, log index), the order in
// which the watcher emits them.
type EventsByPosition []Event

func (s EventsByPosition) Len() int      { return len(s) }
func (s EventsByPosition) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s EventsByPosition) Less(i, j int) bool {
	if s[i].BlockHeight != s[j].BlockHeight {
		return s[i].BlockHeight < s[j].BlockHeight
	}
	if s[i].TxHash != s[j].TxHash {
		return s[i].TxHash.Hex() < s[j].TxHash.Hex()
	}
	return s[i].LogIndex < s[j].LogIndex
}
