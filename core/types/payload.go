package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrMalformedPayload = errors.New("types: malformed payload")
	ErrZeroAmount       = errors.New("types: zero amount")
	ErrAmountOverflow   = errors.New("types: amount exceeds 256 bits")
	ErrMissingRecipient = errors.New("types: missing recipient")
	ErrMissingChain     = errors.New("types: missing counterpart chain")
)

// DepositPayload is the body of a Deposit event: the user locked Amount of Asset
// on the source chain for Recipient on DestChainID.
type DepositPayload struct {
	Amount      *big.Int
	DestChainID uint64
	Recipient   []byte
	Asset       string
}

// WithdrawalPayload is the body of a Withdrawal event.
type WithdrawalPayload struct {
	Amount        *big.Int
	SourceChainID uint64
	Recipient     []byte
}

// MessagePayload is the body of a cross-chain message event.
type MessagePayload struct {
	DestChainID uint64
	Target      []byte
	Data        []byte
}

// EncodeDeposit returns the canonical payload bytes of a deposit.
func EncodeDeposit(p *DepositPayload) ([]byte, error) {
	if _, err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(p)
}

// EncodeWithdrawal returns the canonical payload bytes of a withdrawal.
func EncodeWithdrawal(p *WithdrawalPayload) ([]byte, error) {
	if _, err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(p)
}

// EncodeMessage returns the canonical payload bytes of a message.
func EncodeMessage(p *MessagePayload) ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// DecodeDeposit parses and validates a deposit payload.
func DecodeDeposit(data []byte) (*DepositPayload, error) {
	p := new(DepositPayload)
	if err := rlp.DecodeBytes(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	if p.DestChainID == 0 {
		return nil, ErrMissingChain
	}
	if len(p.Recipient) == 0 {
		return nil, ErrMissingRecipient
	}
	return p, nil
}

// DecodeWithdrawal parses and validates a withdrawal payload.
func DecodeWithdrawal(data []byte) (*WithdrawalPayload, error) {
	p := new(WithdrawalPayload)
	if err := rlp.DecodeBytes(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	if p.SourceChainID == 0 {
		return nil, ErrMissingChain
	}
	if len(p.Recipient) == 0 {
		return nil, ErrMissingRecipient
	}
	return p, nil
}

// DecodeMessage parses and validates a message payload.
func DecodeMessage(data []byte) (*MessagePayload, error) {
	p := new(MessagePayload)
	if err := rlp.DecodeBytes(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.DestChainID == 0 {
		return nil, ErrMissingChain
	}
	if len(p.Target) == 0 {
		return nil, ErrMissingRecipient
	}
	return p, nil
}

// CheckPayload decodes the payload of ev according to its kind and reports the
// first structural problem found.
func CheckPayload(ev *Event) error {
	var err error
	switch ev.Kind {
	case KindDeposit:
		_, err = DecodeDeposit(ev.Payload)
	case KindWithdrawal:
		_, err = DecodeWithdrawal(ev.Payload)
	case KindMessage:
		_, err = DecodeMessage(ev.Payload)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownEventKind, ev.Kind)
	}
	return err
}

// DepositAmount returns the deposit amount as a 256-bit integer.
func DepositAmount(p *DepositPayload) *uint256.Int {
	amount, _ := uint256.FromBig(p.Amount)
	return amount
}

func checkAmount(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// RecipientAddress interprets a 20 byte recipient as an account address.
func RecipientAddress(recipient []byte) (common.Address, bool) {
	if len(recipient) != common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(recipient), true
}
