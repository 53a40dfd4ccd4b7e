// Package aggregator collects observer attestations per event and detects the
// moment a set reaches its signature threshold.
package aggregator

import (
	"errors"
	"time"

	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
)

var (
	ErrSetClosed        = errors.New("aggregator: attestation set is closed")
	ErrStaleAttestation = errors.New("aggregator: attestation for an invalidated round")
	ErrNotExpired       = errors.New("aggregator: set is not expired")
	ErrUnknownSet       = errors.New("aggregator: unknown attestation set")
	ErrUnknownPolicy    = errors.New("aggregator: unknown quorum policy")
	ErrAggregatorDown   = errors.New("aggregator: stopped")
)

// Config tunes the aggregator.
type Config struct {
	TTL           time.Duration `toml:",omitempty"` // pending sets without a new attestation expire after TTL
	Retention     time.Duration `toml:",omitempty"` // terminal sets are deleted after Retention
	SweepInterval time.Duration `toml:",omitempty"`
	Policy        string        `toml:",omitempty"` // "equal" or "weighted"
}

// DefaultConfig contains the default aggregator settings.
var DefaultConfig = Config{
	TTL:           params.DefaultAttestationTTL,
	Retention:     params.DefaultRetention,
	SweepInterval: params.DefaultSweepInterval,
	Policy:        EqualWeightPolicy,
}

// StatusEvent is posted whenever a set changes status.
type StatusEvent struct {
	Set    *types.AttestationSet
	Reason string
}
