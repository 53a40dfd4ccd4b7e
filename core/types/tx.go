package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ObserverSignature is one aggregated signature carried by a BridgeTx.
type ObserverSignature struct {
	ObserverID string
	Signature  []byte
}

// BridgeTx is the destination transaction settling one event. Signatures are
// sorted by observer id.
type BridgeTx struct {
	ChainID    uint64 // destination chain
	Gateway    common.Address
	Event      Event
	Digest     common.Hash
	Round      uint64
	Signatures []ObserverSignature
}

// NewBridgeTx builds the settlement transaction of a completed set.
func NewBridgeTx(dest uint64, gateway common.Address, set *AttestationSet) (*BridgeTx, error) {
	if set.Status != SetComplete {
		return nil, fmt.Errorf("types: set %s is %s, not complete", set.Key, set.Status)
	}
	ev := set.CompletedEvent()
	if ev == nil {
		return nil, fmt.Errorf("types: set %s has no attestation for its completed digest", set.Key)
	}
	tx := &BridgeTx{
		ChainID: dest,
		Gateway: gateway,
		Event:   *ev.Copy(),
		Digest:  set.CompletedDigest,
		Round:   set.Round,
	}
	for _, att := range set.ForDigest(set.CompletedDigest) {
		tx.Signatures = append(tx.Signatures, ObserverSignature{
			ObserverID: att.ObserverID,
			Signature:  common.CopyBytes(att.Signature),
		})
	}
	return tx, nil
}

// Hash returns the content hash of the transaction.
func (tx *BridgeTx) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		panic(fmt.Sprintf("types: encode bridge tx: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// TxResult is the outcome of handing a transaction to a chain.
type TxResult struct {
	Success bool
	Hash    common.Hash
}

// TxStatus is the inclusion status of a submitted transaction.
type TxStatus uint8

const (
	TxUnknown TxStatus = iota
	TxPending
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxUnknown:
		return "unknown"
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	}
	return fmt.Sprintf("TxStatus(%d)", uint8(s))
}

// SettlementChain returns the chain an event settles on.
func SettlementChain(ev *Event) (uint64, error) {
	switch ev.Kind {
	case KindDeposit:
		p, err := DecodeDeposit(ev.Payload)
		if err != nil {
			return 0, err
		}
		return p.DestChainID, nil
	case KindWithdrawal:
		p, err := DecodeWithdrawal(ev.Payload)
		if err != nil {
			return 0, err
		}
		return p.SourceChainID, nil
	case KindMessage:
		p, err := DecodeMessage(ev.Payload)
		if err != nil {
			return 0, err
		}
		return p.DestChainID, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownEventKind, ev.Kind)
}

// Settlement is the local record of a confirmed destination transaction.
type Settlement struct {
	Key         EventKey
	ChainID     uint64
	TxHash      common.Hash
	Digest      common.Hash
	Round       uint64
	SubmittedAt uint64 // unix milliseconds
	ConfirmedAt uint64 // unix milliseconds
}

// FailureCode classifies terminal failures that need operator attention.
type FailureCode string

const (
	FailureExpired     FailureCode = "consensus-expired"
	FailureExhausted   FailureCode = "submission-exhausted"
	FailureRejected    FailureCode = "submission-rejected"
	FailureUnsettlable FailureCode = "unsettlable-event"
)

// Failure is a terminal failure record for one event key.
type Failure struct {
	Key    EventKey
	Code   FailureCode
	Reason string
	At     uint64 // unix milliseconds
}
