package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidObserver = errors.New("types: invalid observer")
	ErrInvalidGateway  = errors.New("types: invalid gateway config")
)

// Health is the observer health as scored from its own activity.
type Health uint8

const (
	Healthy Health = iota
	Degraded
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	}
	return fmt.Sprintf("Health(%d)", uint8(h))
}

// ObserverInfo describes a registered observer. PublicKey is the uncompressed
// secp256k1 public key signatures are verified against.
type ObserverInfo struct {
	ID          string
	Endpoint    string
	PublicKey   []byte
	TrustWeight uint64
	Health      Health
}

// Address returns the account address derived from the observer key.
func (o *ObserverInfo) Address() (common.Address, error) {
	pub, err := crypto.UnmarshalPubkey(o.PublicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", ErrInvalidObserver, o.ID, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Validate checks the static fields of the observer.
func (o *ObserverInfo) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidObserver)
	}
	if o.TrustWeight == 0 {
		return fmt.Errorf("%w: %s: zero trust weight", ErrInvalidObserver, o.ID)
	}
	_, err := o.Address()
	return err
}

// GatewayConfig registers the gateway of one source chain together with the
// signature threshold its events need.
type GatewayConfig struct {
	ChainID        uint64
	GatewayAddress common.Address
	Threshold      uint64
}

// Validate checks the config against the number of registered observers.
func (g *GatewayConfig) Validate(observers int) error {
	if g.ChainID == 0 {
		return fmt.Errorf("%w: zero chain id", ErrInvalidGateway)
	}
	if g.GatewayAddress == (common.Address{}) {
		return fmt.Errorf("%w: chain %d: empty gateway address", ErrInvalidGateway, g.ChainID)
	}
	if g.Threshold == 0 {
		return fmt.Errorf("%w: chain %d: zero threshold", ErrInvalidGateway, g.ChainID)
	}
	if observers > 0 && g.Threshold > uint64(observers) {
		return fmt.Errorf("%w: chain %d: threshold %d exceeds %d observers", ErrInvalidGateway, g.ChainID, g.Threshold, observers)
	}
	return nil
}
