package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrDigestMismatch = errors.New("types: attestation digest does not match event")

//go:generate go run github.com/fjl/gencodec -type Attestation -field-override attestationMarshaling -out gen_attestation_json.go

// Attestation is one observer's signed endorsement of one event.
type Attestation struct {
	Key        EventKey    `json:"key"        gencodec:"required"`
	ObserverID string      `json:"observerId" gencodec:"required"`
	Digest     common.Hash `json:"digest"     gencodec:"required"`
	Event      *Event      `json:"event"`
	Signature  []byte      `json:"signature"  gencodec:"required"`
	ProducedAt uint64      `json:"producedAt"` // unix milliseconds
}

type attestationMarshaling struct {
	Signature  hexutil.Bytes
	ProducedAt hexutil.Uint64
}

// Sanity checks the self-consistency of the attestation without touching any
// key material.
func (a *Attestation) Sanity() error {
	if a.Event == nil {
		return fmt.Errorf("%w: missing event", ErrInvalidEventKey)
	}
	if a.Event.Key() != a.Key {
		return fmt.Errorf("%w: key %s, event %s", ErrInvalidEventKey, a.Key, a.Event.Key())
	}
	if a.Event.SigningHash() != a.Digest {
		return ErrDigestMismatch
	}
	return nil
}

// Copy returns a deep copy of the attestation.
func (a *Attestation) Copy() *Attestation {
	cpy := *a
	if a.Event != nil {
		cpy.Event = a.Event.Copy()
	}
	cpy.Signature = common.CopyBytes(a.Signature)
	return &cpy
}

// SetStatus is the lifecycle state of an attestation set.
type SetStatus uint8

const (
	SetPending SetStatus = iota
	SetComplete
	SetExpired
	SetInvalidated
)

func (s SetStatus) String() string {
	switch s {
	case SetPending:
		return "pending"
	case SetComplete:
		return "complete"
	case SetExpired:
		return "expired"
	case SetInvalidated:
		return "invalidated"
	}
	return fmt.Sprintf("SetStatus(%d)", uint8(s))
}

// Terminal reports whether no further attestation can change the set.
// Invalidated is terminal for the current round only.
func (s SetStatus) Terminal() bool {
	return s != SetPending
}

// AttestationSet collects the attestations of one event key. Attestations are
// kept sorted by observer id and hold at most one entry per observer.
type AttestationSet struct {
	Key             EventKey
	BlockHeight     uint64
	Threshold       uint64
	Status          SetStatus
	Round           uint64
	CreatedAt       uint64 // unix milliseconds
	UpdatedAt       uint64 // unix milliseconds
	CompletedDigest common.Hash
	Attestations    []*Attestation
	InvalidatedAt   uint64 // unix milliseconds, zero if never invalidated
}

// NewAttestationSet creates an empty pending set for the event key.
func NewAttestationSet(key EventKey, height, threshold, now uint64) *AttestationSet {
	return &AttestationSet{
		Key:         key,
		BlockHeight: height,
		Threshold:   threshold,
		Status:      SetPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *AttestationSet) find(observer string) (int, bool) {
	i := sort.Search(len(s.Attestations), func(i int) bool {
		return s.Attestations[i].ObserverID >= observer
	})
	return i, i < len(s.Attestations) && s.Attestations[i].ObserverID == observer
}

// Get returns the attestation of the given observer, if any.
func (s *AttestationSet) Get(observer string) (*Attestation, bool) {
	i, ok := s.find(observer)
	if !ok {
		return nil, false
	}
	return s.Attestations[i], true
}

// Put stores att, replacing any earlier attestation of the same observer.
// It reports whether an earlier one was replaced.
func (s *AttestationSet) Put(att *Attestation) bool {
	i, ok := s.find(att.ObserverID)
	if ok {
		s.Attestations[i] = att
		return true
	}
	s.Attestations = append(s.Attestations, nil)
	copy(s.Attestations[i+1:], s.Attestations[i:])
	s.Attestations[i] = att
	return false
}

// Len returns the number of distinct observers that attested.
func (s *AttestationSet) Len() int {
	return len(s.Attestations)
}

// ForDigest returns the attestations over digest in observer id order.
func (s *AttestationSet) ForDigest(digest common.Hash) []*Attestation {
	var out []*Attestation
	for _, att := range s.Attestations {
		if att.Digest == digest {
			out = append(out, att)
		}
	}
	return out
}

// Signers returns the observer ids whose attestations carry digest.
func (s *AttestationSet) Signers(digest common.Hash) []string {
	atts := s.ForDigest(digest)
	ids := make([]string, len(atts))
	for i, att := range atts {
		ids[i] = att.ObserverID
	}
	return ids
}

// Invalidate discards all signatures of the current round.
func (s *AttestationSet) Invalidate(now uint64) {
	s.Attestations = nil
	s.Status = SetInvalidated
	s.InvalidatedAt = now
	s.UpdatedAt = now
}

// IsStale reports whether att was produced before the last invalidation of
// the set. Fresh attestations are accepted whatever their digest, since a
// reorg back to the original fork restores the same digest.
func (s *AttestationSet) IsStale(att *Attestation) bool {
	return att.ProducedAt < s.InvalidatedAt
}

// Reset discards all partial signatures and opens a new round.
func (s *AttestationSet) Reset(height, threshold, now uint64) {
	s.Attestations = nil
	s.Status = SetPending
	s.CompletedDigest = common.Hash{}
	s.BlockHeight = height
	s.Threshold = threshold
	s.Round++
	s.UpdatedAt = now
}

// Copy returns a deep copy of the set.
func (s *AttestationSet) Copy() *AttestationSet {
	cpy := *s
	cpy.Attestations = make([]*Attestation, len(s.Attestations))
	for i, att := range s.Attestations {
		cpy.Attestations[i] = att.Copy()
	}
	return &cpy
}

// CompletedEvent returns the event the set completed on, or nil if the set is
// not complete.
func (s *AttestationSet) CompletedEvent() *Event {
	if s.Status != SetComplete {
		return nil
	}
	for _, att := range s.Attestations {
		if att.Digest == s.CompletedDigest {
			return att.Event
		}
	}
	return nil
}
