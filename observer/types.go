// Package observer implements independent event validation and attestation
// signing, together with the registry of observers and gateways every bridge
// component shares.
package observer

import (
	"errors"

	"github.com/tos-network/gbridge/core/types"
)

// Sentinel errors returned by the registry and the observer.
var (
	ErrUnknownObserver   = errors.New("observer: unknown observer")
	ErrUnknownGateway    = errors.New("observer: no gateway registered for chain")
	ErrInvalidSignature  = errors.New("observer: invalid signature")
	ErrNotFinal          = errors.New("observer: event below confirmation depth")
	ErrNotIncluded       = errors.New("observer: event not found at its height")
	ErrContentMismatch   = errors.New("observer: event content differs from chain")
	ErrAlreadySettled    = errors.New("observer: event already settled on destination")
	ErrWrongSourceChain  = errors.New("observer: event from a chain this observer does not watch")
	ErrObserverExists    = errors.New("observer: already registered")
	ErrThresholdTooLarge = errors.New("observer: threshold exceeds total observer weight")
)

// State is the per-event validation state of an observer.
type State uint8

const (
	Idle State = iota
	Validating
	Signed
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Signed:
		return "signed"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Rejection is posted whenever an observer refuses to sign an event, so that
// the event can be reviewed by an operator.
type Rejection struct {
	Observer string
	Key      types.EventKey
	Height   uint64
	Reason   string
}
