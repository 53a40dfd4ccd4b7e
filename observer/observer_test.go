package observer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
)

var (
	srcGateway = common.HexToAddress("0x1001")
	dstGateway = common.HexToAddress("0x2002")
)

type testEnv struct {
	src, dst *simchain.Chain
	net      *simchain.Network
	registry *Registry
	signers  []*KeySigner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		src: simchain.NewChain(1, srcGateway),
		dst: simchain.NewChain(2, dstGateway),
	}
	env.net = simchain.NewNetwork(env.src, env.dst)
	registry, err := NewRegistry(rawdb.NewMemoryDatabase())
	if err != nil {
		t.Fatal(err)
	}
	env.registry = registry
	for i := 1; i <= 3; i++ {
		key, _ := crypto.GenerateKey()
		s := NewKeySigner(fmt.Sprintf("observer-%d", i), key)
		if err := registry.AddObserver(s.Info("", 1)); err != nil {
			t.Fatal(err)
		}
		env.signers = append(env.signers, s)
	}
	for _, gw := range []types.GatewayConfig{
		{ChainID: 1, GatewayAddress: srcGateway, Threshold: 2},
		{ChainID: 2, GatewayAddress: dstGateway, Threshold: 2},
	} {
		if err := registry.Register(gw); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

func (env *testEnv) observer(i int, publisher Publisher) *Observer {
	sched := retry.New(retry.Config{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3})
	return New(Config{ConfirmationDepth: 3}, env.signers[i], env.registry, env.net, sched, publisher)
}

func (env *testEnv) deposit(t *testing.T, amount int64) types.Event {
	t.Helper()
	payload, err := types.EncodeDeposit(&types.DepositPayload{
		Amount:      big.NewInt(amount),
		DestChainID: 2,
		Recipient:   common.HexToAddress("0xbeef").Bytes(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := env.src.Commit(types.Event{Kind: types.KindDeposit, Payload: payload})
	env.src.Mine(3)
	evs, err := env.src.Events(context.Background(), h, h)
	if err != nil || len(evs) != 1 {
		t.Fatalf("event not mined: %v %v", evs, err)
	}
	return evs[0]
}

func TestValidateSigns(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 1_000_000)
	obs := env.observer(0, nil)

	verdict, err := obs.Validate(context.Background(), &ev)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.State != Signed {
		t.Fatalf("unexpected verdict: %v (%v)", verdict.State, verdict.Reason)
	}
	if err := env.registry.VerifyAttestation(verdict.Attestation); err != nil {
		t.Fatalf("attestation does not verify: %v", err)
	}
	if obs.State(ev.Key()) != Signed {
		t.Fatalf("unexpected state: %v", obs.State(ev.Key()))
	}
	if stats := obs.Stats(); stats.Validations != 1 || stats.LastProcessedHeight != ev.BlockHeight {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	var digests []common.Hash
	for i := range env.signers {
		verdict, err := env.observer(i, nil).Validate(context.Background(), &ev)
		if err != nil || verdict.State != Signed {
			t.Fatalf("observer %d: %v %v", i, verdict, err)
		}
		digests = append(digests, verdict.Attestation.Digest)
	}
	if digests[0] != digests[1] || digests[1] != digests[2] {
		t.Fatalf("observers signed different digests: %v", digests)
	}
}

func TestValidateRejectsForgedEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	obs := env.observer(0, nil)

	forged := ev.Copy()
	forged.Payload, _ = types.EncodeDeposit(&types.DepositPayload{Amount: big.NewInt(500), DestChainID: 2, Recipient: []byte{1}})
	verdict, err := obs.Validate(context.Background(), forged)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.State != Rejected || !errors.Is(verdict.Reason, ErrContentMismatch) {
		t.Fatalf("unexpected verdict: %v %v", verdict.State, verdict.Reason)
	}
	// The same content is not validated again.
	env.src.SetDown(true)
	verdict, err = obs.Validate(context.Background(), forged)
	if err != nil || verdict.State != Rejected {
		t.Fatalf("cached rejection lost: %v %v", verdict, err)
	}
	// Different content for the same key is validated afresh.
	env.src.SetDown(false)
	verdict, err = obs.Validate(context.Background(), &ev)
	if err != nil || verdict.State != Signed {
		t.Fatalf("fresh content not signed: %v %v", verdict, err)
	}

	missing := ev.Copy()
	missing.LogIndex = 7
	if verdict, _ := obs.Validate(context.Background(), missing); !errors.Is(verdict.Reason, ErrNotIncluded) {
		t.Fatalf("unexpected reason: %v", verdict.Reason)
	}
	bad := ev.Copy()
	bad.TxHash = common.HexToHash("0x99")
	bad.Payload = []byte{0x01}
	if verdict, _ := obs.Validate(context.Background(), bad); !errors.Is(verdict.Reason, types.ErrMalformedPayload) {
		t.Fatalf("unexpected reason: %v", verdict.Reason)
	}
	if stats := obs.Stats(); stats.Rejections != 3 {
		t.Fatalf("unexpected rejection count: have %d want 3", stats.Rejections)
	}
}

func TestValidateRejectsSettled(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	env.dst.SetResource(dstGateway, gbridge.SettledResource(ev.Key()), []byte{1})

	verdict, err := env.observer(1, nil).Validate(context.Background(), &ev)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.State != Rejected || !errors.Is(verdict.Reason, ErrAlreadySettled) {
		t.Fatalf("unexpected verdict: %v %v", verdict.State, verdict.Reason)
	}
}

func TestRejectionsArePosted(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	env.dst.SetResource(dstGateway, gbridge.SettledResource(ev.Key()), []byte{1})
	obs := env.observer(1, nil)

	rejections := make(chan Rejection, 4)
	sub := obs.SubscribeRejections(rejections)
	defer sub.Unsubscribe()

	for i := 0; i < 2; i++ {
		if _, err := obs.Validate(context.Background(), &ev); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case r := <-rejections:
		if r.Observer != obs.ID() || r.Key != ev.Key() || r.Height != ev.BlockHeight || r.Reason == "" {
			t.Fatalf("unexpected rejection: %+v", r)
		}
	default:
		t.Fatal("no rejection posted")
	}
	select {
	case r := <-rejections:
		t.Fatalf("cached rejection posted again: %+v", r)
	default:
	}
}

func TestValidateNotFinal(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	sched := retry.New(retry.Config{Base: time.Millisecond, MaxAttempts: 2})
	obs := New(Config{ConfirmationDepth: 50}, env.signers[0], env.registry, env.net, sched, nil)

	_, err := obs.Validate(context.Background(), &ev)
	if !errors.Is(err, ErrNotFinal) || !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.State(ev.Key()) != Idle {
		t.Fatalf("aborted validation left state %v", obs.State(ev.Key()))
	}
}

func TestUnreachableObserver(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	obs := env.observer(2, nil)
	env.src.SetDown(true)

	for i := 0; i < 3; i++ {
		if _, err := obs.Validate(context.Background(), &ev); err == nil {
			t.Fatalf("validation succeeded against a dead chain")
		}
	}
	info, _ := env.registry.Observer("observer-3")
	if info.Health != types.Unreachable {
		t.Fatalf("unexpected health: have %v want %v", info.Health, types.Unreachable)
	}
	env.src.SetDown(false)
	if _, err := obs.Validate(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	if info, _ := env.registry.Observer("observer-3"); info.Health != types.Healthy {
		t.Fatalf("health not restored: %v", info.Health)
	}
}

func TestHandlePublishes(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	var published []*types.Attestation
	obs := env.observer(0, PublisherFunc(func(ctx context.Context, att *types.Attestation) error {
		published = append(published, att)
		return nil
	}))
	if _, err := obs.Handle(context.Background(), &ev); err != nil {
		t.Fatal(err)
	}
	forged := ev.Copy()
	forged.BlockHash = common.HexToHash("0xdead")
	if _, err := obs.Handle(context.Background(), forged); err != nil {
		t.Fatal(err)
	}
	if len(published) != 1 || published[0].Key != ev.Key() {
		t.Fatalf("unexpected publications: %v", published)
	}
}

type testIngress struct {
	registry *Registry
	got      chan *types.Attestation
}

func (s *testIngress) SubmitAttestation(att *types.Attestation) (string, error) {
	if err := s.registry.VerifyAttestation(att); err != nil {
		return "", err
	}
	s.got <- att
	return "pending", nil
}

func TestRemotePublisher(t *testing.T) {
	env := newTestEnv(t)
	ev := env.deposit(t, 5)
	ingress := &testIngress{registry: env.registry, got: make(chan *types.Attestation, 1)}

	server := rpc.NewServer()
	defer server.Stop()
	if err := server.RegisterName("bridge", ingress); err != nil {
		t.Fatal(err)
	}
	httpsrv := httptest.NewServer(server)
	defer httpsrv.Close()

	pub, err := DialPublisher(context.Background(), httpsrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	verdict, err := env.observer(0, nil).Validate(context.Background(), &ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), verdict.Attestation); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := <-ingress.got; got.Digest != ev.SigningHash() || got.ObserverID != "observer-1" {
		t.Fatalf("unexpected attestation received: %+v", got)
	}
	bad := verdict.Attestation.Copy()
	bad.ObserverID = "observer-2"
	if err := pub.Publish(context.Background(), bad); retry.Classify(err) != retry.Validation {
		t.Fatalf("forged attestation: have %v (%v)", err, retry.Classify(err))
	}
}
