package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
)

func testDeposit(t *testing.T, amount int64) *Event {
	t.Helper()
	payload, err := EncodeDeposit(&DepositPayload{
		Amount:      big.NewInt(amount),
		DestChainID: 2,
		Recipient:   common.HexToAddress("0xbeef").Bytes(),
		Asset:       "TOS",
	})
	if err != nil {
		t.Fatalf("encode deposit: %v", err)
	}
	return &Event{
		ChainID:     1,
		BlockHeight: 10,
		BlockHash:   common.HexToHash("0xb10c"),
		TxHash:      common.HexToHash("0x01"),
		LogIndex:    0,
		Kind:        KindDeposit,
		Payload:     payload,
	}
}

func TestEventKeyRoundTrip(t *testing.T) {
	key := EventKey{ChainID: 7, TxHash: common.HexToHash("0xabc"), LogIndex: 3}
	parsed, err := ParseEventKey(key.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != key {
		t.Fatalf("key mismatch: have %v want %v", parsed, key)
	}
	for _, bad := range []string{"", "1/0x01/2", "x/" + key.TxHash.Hex() + "/1", "1/" + key.TxHash.Hex()} {
		if _, err := ParseEventKey(bad); !errors.Is(err, ErrInvalidEventKey) {
			t.Fatalf("%q: unexpected error: have %v want %v", bad, err, ErrInvalidEventKey)
		}
	}
}

func TestSigningHashCoversContent(t *testing.T) {
	ev := testDeposit(t, 1_000_000)
	base := ev.SigningHash()

	cpy := ev.Copy()
	cpy.Confirmations = 99
	if cpy.SigningHash() != base {
		t.Fatalf("confirmations must not affect the digest")
	}
	cpy.BlockHash = common.HexToHash("0xdead")
	if cpy.SigningHash() == base {
		t.Fatalf("block hash must affect the digest")
	}
	other := testDeposit(t, 1_000_001)
	if other.SigningHash() == base {
		t.Fatalf("payload must affect the digest")
	}
	if !ev.SameContent(ev.Copy()) {
		t.Fatalf("copy should have the same content")
	}
}

func TestPayloadValidation(t *testing.T) {
	if _, err := EncodeDeposit(&DepositPayload{Amount: big.NewInt(0), DestChainID: 2, Recipient: []byte{1}}); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero amount: have %v want %v", err, ErrZeroAmount)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := EncodeWithdrawal(&WithdrawalPayload{Amount: huge, SourceChainID: 1, Recipient: []byte{1}}); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("overflow: have %v want %v", err, ErrAmountOverflow)
	}
	ev := testDeposit(t, 1_000_000)
	if err := CheckPayload(ev); err != nil {
		t.Fatalf("valid deposit rejected: %v", err)
	}
	p, _ := DecodeDeposit(ev.Payload)
	if got := DepositAmount(p).Uint64(); got != 1_000_000 {
		t.Fatalf("amount mismatch: have %d want %d", got, 1_000_000)
	}
	ev.Payload = []byte{0xff, 0x00}
	if err := CheckPayload(ev); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("garbage payload: have %v want %v", err, ErrMalformedPayload)
	}
	ev.Kind = 9
	if err := CheckPayload(ev); !errors.Is(err, ErrUnknownEventKind) {
		t.Fatalf("unknown kind: have %v want %v", err, ErrUnknownEventKind)
	}
	msg, err := EncodeMessage(&MessagePayload{DestChainID: 2, Target: []byte{0x01}, Data: []byte("ping")})
	if err != nil {
		t.Fatal(err)
	}
	if chain, err := SettlementChain(&Event{Kind: KindMessage, Payload: msg}); err != nil || chain != 2 {
		t.Fatalf("settlement chain: have %d, %v want 2", chain, err)
	}
}

func TestAttestationSetPutReplaces(t *testing.T) {
	ev := testDeposit(t, 5)
	set := NewAttestationSet(ev.Key(), ev.BlockHeight, 2, 1)
	for _, id := range []string{"observer-3", "observer-1", "observer-2"} {
		if set.Put(&Attestation{Key: ev.Key(), ObserverID: id, Digest: ev.SigningHash(), Event: ev}) {
			t.Fatalf("%s: fresh attestation reported as replacement", id)
		}
	}
	if !set.Put(&Attestation{Key: ev.Key(), ObserverID: "observer-2", Digest: common.HexToHash("0x02"), Event: ev}) {
		t.Fatalf("second attestation of observer-2 not reported as replacement")
	}
	if set.Len() != 3 {
		t.Fatalf("unexpected set size: have %d want 3", set.Len())
	}
	ids := set.Signers(ev.SigningHash())
	if !sort.StringsAreSorted(ids) || len(ids) != 2 || ids[0] != "observer-1" || ids[1] != "observer-3" {
		t.Fatalf("unexpected signers: %v", ids)
	}
	set.Reset(ev.BlockHeight, 2, 5)
	if set.Len() != 0 || set.Round != 1 || set.Status != SetPending {
		t.Fatalf("reset did not open a fresh round: %+v", set)
	}
}

func TestAttestationSanity(t *testing.T) {
	ev := testDeposit(t, 5)
	att := &Attestation{Key: ev.Key(), ObserverID: "o", Digest: ev.SigningHash(), Event: ev}
	if err := att.Sanity(); err != nil {
		t.Fatalf("sane attestation rejected: %v", err)
	}
	att.Digest = common.Hash{}
	if err := att.Sanity(); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("have %v want %v", err, ErrDigestMismatch)
	}
	att.Key.LogIndex = 4
	if err := att.Sanity(); !errors.Is(err, ErrInvalidEventKey) {
		t.Fatalf("have %v want %v", err, ErrInvalidEventKey)
	}
}

func TestFinalizedTip(t *testing.T) {
	tests := []struct {
		current, depth, tip uint64
		ok                  bool
	}{
		{100, 6, 95, true},
		{5, 6, 0, true},
		{4, 6, 0, false},
		{10, 0, 10, true},
		{10, 1, 10, true},
	}
	for i, tt := range tests {
		tip, ok := FinalizedTip(tt.current, tt.depth)
		if tip != tt.tip || ok != tt.ok {
			t.Fatalf("test %d: have (%d,%v) want (%d,%v)", i, tip, ok, tt.tip, tt.ok)
		}
	}
	if got := Confirmations(100, 95); got != 6 {
		t.Fatalf("confirmations: have %d want 6", got)
	}
}

func TestBridgeTxRequiresComplete(t *testing.T) {
	ev := testDeposit(t, 5)
	set := NewAttestationSet(ev.Key(), ev.BlockHeight, 1, 1)
	set.Put(&Attestation{Key: ev.Key(), ObserverID: "observer-1", Digest: ev.SigningHash(), Event: ev, Signature: []byte{1}})
	if _, err := NewBridgeTx(2, common.HexToAddress("0x1"), set); err == nil {
		t.Fatalf("pending set produced a transaction")
	}
	set.Status, set.CompletedDigest = SetComplete, ev.SigningHash()
	tx, err := NewBridgeTx(2, common.HexToAddress("0x1"), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(tx.Signatures) != 1 || tx.Signatures[0].ObserverID != "observer-1" {
		t.Fatalf("unexpected signatures: %+v", tx.Signatures)
	}
	if tx.Hash() == (common.Hash{}) {
		t.Fatalf("empty tx hash")
	}
}

func TestAttestationSetInvalidate(t *testing.T) {
	ev := testDeposit(t, 5)
	set := NewAttestationSet(ev.Key(), ev.BlockHeight, 2, 1)
	early := &Attestation{Key: ev.Key(), ObserverID: "observer-1", Digest: ev.SigningHash(), Event: ev, ProducedAt: 1}
	set.Put(early)
	set.Invalidate(2)
	if set.Status != SetInvalidated || set.Len() != 0 {
		t.Fatalf("set not invalidated: %+v", set)
	}
	if !set.IsStale(early) {
		t.Fatalf("attestation of the invalidated round accepted")
	}
	set.Reset(ev.BlockHeight, 2, 3)
	if !set.IsStale(early) || set.Round != 1 {
		t.Fatalf("reset forgot the invalidation: %+v", set)
	}
	// Same digest, signed after the reorg.
	late := &Attestation{Key: ev.Key(), ObserverID: "observer-1", Digest: ev.SigningHash(), Event: ev, ProducedAt: 3}
	if set.IsStale(late) {
		t.Fatalf("fresh attestation over a restored digest refused")
	}
}

func TestAttestationJSON(t *testing.T) {
	ev := testDeposit(t, 5)
	ev.Confirmations = 3
	att := &Attestation{
		Key:        ev.Key(),
		ObserverID: "observer-1",
		Digest:     ev.SigningHash(),
		Event:      ev,
		Signature:  []byte{0xde, 0xad},
		ProducedAt: 1700000000000,
	}
	blob, err := json.Marshal(att)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"signature":"0xdead"`, `"producedAt":"0x18bcfe56800"`, `"blockHeight":"0xa"`, `"confirmations":"0x3"`} {
		if !strings.Contains(string(blob), want) {
			t.Errorf("encoding lacks %s: %s", want, blob)
		}
	}
	var dec Attestation
	if err := json.Unmarshal(blob, &dec); err != nil {
		t.Fatal(err)
	}
	if dec.Key != att.Key || dec.Digest != att.Digest || !bytes.Equal(dec.Signature, att.Signature) || dec.ProducedAt != att.ProducedAt {
		t.Fatalf("attestation mismatch:\nhave %s\nwant %s", spew.Sdump(dec), spew.Sdump(att))
	}
	if !dec.Event.SameContent(ev) || dec.Event.Confirmations != 3 {
		t.Fatalf("event mismatch:\nhave %s\nwant %s", spew.Sdump(dec.Event), spew.Sdump(ev))
	}
	if err := dec.Sanity(); err != nil {
		t.Fatalf("decoded attestation not sane: %v", err)
	}

	if err := json.Unmarshal([]byte(`{"key":{"ChainID":1},"observerId":"o","digest":"0x0000000000000000000000000000000000000000000000000000000000000000"}`), &dec); err == nil {
		t.Fatal("attestation without signature accepted")
	}
}
