package aggregator

import (
	"fmt"

	"github.com/tos-network/gbridge/core/types"
)

const (
	EqualWeightPolicy = "equal"
	WeightedPolicy    = "weighted"
)

// QuorumPolicy decides how much each signature counts toward a threshold.
type QuorumPolicy interface {
	Name() string
	Weight(info types.ObserverInfo) uint64
}

// EqualWeight is plain k-of-n counting: every registered observer counts one.
type EqualWeight struct{}

func (EqualWeight) Name() string                      { return EqualWeightPolicy }
func (EqualWeight) Weight(types.ObserverInfo) uint64 { return 1 }

// Weighted counts every observer with its trust weight, so the threshold is a
// minimum total weight.
type Weighted struct{}

func (Weighted) Name() string { return WeightedPolicy }
func (Weighted) Weight(info types.ObserverInfo) uint64 {
	return info.TrustWeight
}

// PolicyByName returns the policy registered under name. An empty name
// selects EqualWeight.
func PolicyByName(name string) (QuorumPolicy, error) {
	switch name {
	case "", EqualWeightPolicy:
		return EqualWeight{}, nil
	case WeightedPolicy:
		return Weighted{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}
