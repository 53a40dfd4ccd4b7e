package observer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tos-network/gbridge/core/types"
)

// Signer produces attestation signatures for one observer identity.
type Signer interface {
	ID() string
	PublicKey() []byte
	SignDigest(digest common.Hash) ([]byte, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	id  string
	key *ecdsa.PrivateKey
}

// NewKeySigner wraps a private key.
func NewKeySigner(id string, key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{id: id, key: key}
}

// LoadKeySigner reads a hex encoded private key from file.
func LoadKeySigner(id, file string) (*KeySigner, error) {
	key, err := crypto.LoadECDSA(file)
	if err != nil {
		return nil, fmt.Errorf("observer %s: load key: %w", id, err)
	}
	return NewKeySigner(id, key), nil
}

func (s *KeySigner) ID() string { return s.id }

func (s *KeySigner) PublicKey() []byte { return crypto.FromECDSAPub(&s.key.PublicKey) }

func (s *KeySigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *KeySigner) SignDigest(digest common.Hash) ([]byte, error) {
	return crypto.Sign(digest.Bytes(), s.key)
}

// Info returns the registry record describing this signer.
func (s *KeySigner) Info(endpoint string, weight uint64) types.ObserverInfo {
	return types.ObserverInfo{
		ID:          s.id,
		Endpoint:    endpoint,
		PublicKey:   s.PublicKey(),
		TrustWeight: weight,
	}
}

// RecoverSigner returns the address that produced signature over digest.
// Signatures with a 27/28 recovery id are accepted too.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig := append([]byte(nil), signature...)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil && sig[64] >= 27 {
		sig[64] -= 27
		pub, err = crypto.SigToPub(digest.Bytes(), sig)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAttestation checks that att is self-consistent and signed by the
// registered key of its observer.
func (r *Registry) VerifyAttestation(att *types.Attestation) error {
	addr, ok := r.Address(att.ObserverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, att.ObserverID)
	}
	if err := att.Sanity(); err != nil {
		return err
	}
	signer, err := RecoverSigner(att.Digest, att.Signature)
	if err != nil {
		return err
	}
	if signer != addr {
		return fmt.Errorf("%w: signed by %s, observer %s is %s", ErrInvalidSignature, signer.Hex(), att.ObserverID, addr.Hex())
	}
	return nil
}
