package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/retry"
)

const verdictCacheSize = 4096

// Config tunes one observer.
type Config struct {
	ConfirmationDepth uint64            // default depth
	Depths            map[uint64]uint64 // per chain overrides
	Timeout           time.Duration     // upper bound for a single validation
}

func (c *Config) depth(chainID uint64) uint64 {
	if d, ok := c.Depths[chainID]; ok {
		return d
	}
	if c.ConfirmationDepth == 0 {
		return params.DefaultConfirmationDepth
	}
	return c.ConfirmationDepth
}

// Verdict is the outcome of validating one event.
type Verdict struct {
	State       State // Signed or Rejected
	Attestation *types.Attestation
	Reason      error
}

type verdictRecord struct {
	digest common.Hash
	state  State
	reason error
}

// Observer validates events against its own view of the chains and signs the
// ones it can vouch for.
type Observer struct {
	config     Config
	signer     Signer
	registry   *Registry
	client     gbridge.ChainClient
	scheduler  *retry.Scheduler
	publisher  Publisher
	health     *health
	verdicts   *lru.Cache // EventKey → verdictRecord
	rejectFeed event.Feed
	now        func() time.Time
	log        log.Logger
}

// New creates an observer. The publisher may be nil, in which case Handle only
// validates.
func New(config Config, signer Signer, registry *Registry, client gbridge.ChainClient, scheduler *retry.Scheduler, publisher Publisher) *Observer {
	verdicts, _ := lru.New(verdictCacheSize)
	return &Observer{
		config:    config,
		signer:    signer,
		registry:  registry,
		client:    client,
		scheduler: scheduler,
		publisher: publisher,
		health:    newHealth(signer.ID(), registry),
		verdicts:  verdicts,
		now:       time.Now,
		log:       log.New("observer", signer.ID()),
	}
}

// ID returns the observer id.
func (o *Observer) ID() string { return o.signer.ID() }

// Stats returns the observer's activity summary.
func (o *Observer) Stats() Stats { return o.health.stats() }

// SubscribeRejections registers a subscription for rejected events. Cached
// rejections of already seen content are not posted again.
func (o *Observer) SubscribeRejections(ch chan<- Rejection) event.Subscription {
	return o.rejectFeed.Subscribe(ch)
}

// State returns the validation state of an event key.
func (o *Observer) State(key types.EventKey) State {
	v, ok := o.verdicts.Peek(key)
	if !ok {
		return Idle
	}
	return v.(verdictRecord).state
}

// Handle validates ev and publishes the attestation if it was signed.
func (o *Observer) Handle(ctx context.Context, ev *types.Event) (*Verdict, error) {
	verdict, err := o.Validate(ctx, ev)
	if err != nil || verdict.State != Signed || o.publisher == nil {
		return verdict, err
	}
	err = o.scheduler.Run(ctx, "publish", func(ctx context.Context) error {
		return o.publisher.Publish(ctx, verdict.Attestation)
	})
	if err != nil {
		return verdict, fmt.Errorf("observer %s: publish %s: %w", o.ID(), ev.Key(), err)
	}
	return verdict, nil
}

// Validate decides whether this observer vouches for ev. A returned error
// means no verdict could be reached (chain unreachable) and the event may be
// handed in again later. A rejection for the same content is remembered and
// returned without touching the chain again.
func (o *Observer) Validate(ctx context.Context, ev *types.Event) (*Verdict, error) {
	key, digest := ev.Key(), ev.SigningHash()
	if v, ok := o.verdicts.Get(key); ok {
		if rec := v.(verdictRecord); rec.digest == digest && rec.state == Rejected {
			return &Verdict{State: Rejected, Reason: rec.reason}, nil
		}
	}
	o.verdicts.Add(key, verdictRecord{digest: digest, state: Validating})

	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}
	start := time.Now()
	reason, err := o.check(ctx, ev)
	took := time.Since(start)
	if err != nil {
		o.verdicts.Remove(key)
		o.health.failed()
		o.log.Warn("Validation aborted", "key", key, "err", err)
		return nil, err
	}
	if reason != nil {
		o.verdicts.Add(key, verdictRecord{digest: digest, state: Rejected, reason: reason})
		o.health.rejected(ev.BlockHeight, took)
		o.log.Info("Rejected event", "key", key, "height", ev.BlockHeight, "reason", reason)
		o.rejectFeed.Send(Rejection{Observer: o.ID(), Key: key, Height: ev.BlockHeight, Reason: reason.Error()})
		return &Verdict{State: Rejected, Reason: reason}, nil
	}
	sig, err := o.signer.SignDigest(digest)
	if err != nil {
		o.verdicts.Remove(key)
		return nil, retry.AsFatal(fmt.Errorf("observer %s: sign: %w", o.ID(), err))
	}
	att := &types.Attestation{
		Key:        key,
		ObserverID: o.ID(),
		Digest:     digest,
		Event:      ev.Copy(),
		Signature:  sig,
		ProducedAt: params.TimeToUnixTimestamp(o.now()),
	}
	o.verdicts.Add(key, verdictRecord{digest: digest, state: Signed})
	o.health.signed(ev.BlockHeight, took)
	o.log.Debug("Signed event", "key", key, "height", ev.BlockHeight, "digest", digest)
	return &Verdict{State: Signed, Attestation: att}, nil
}

// check returns a non-nil reason if the event must be rejected, or an error if
// the chain state needed to decide could not be read.
func (o *Observer) check(ctx context.Context, ev *types.Event) (reason error, err error) {
	if err := types.CheckPayload(ev); err != nil {
		return err, nil
	}
	if _, ok := o.registry.Gateway(ev.ChainID); !ok {
		return fmt.Errorf("%w: %d", ErrWrongSourceChain, ev.ChainID), nil
	}
	// Finality is re-checked against this observer's own view of the chain.
	depth := o.config.depth(ev.ChainID)
	err = o.scheduler.Run(ctx, "height", func(ctx context.Context) error {
		head, err := o.client.CurrentHeight(ctx, ev.ChainID)
		if err != nil {
			return err
		}
		if types.Confirmations(head, ev.BlockHeight) < depth {
			return retry.AsTransient(fmt.Errorf("%w: height %d, head %d, depth %d", ErrNotFinal, ev.BlockHeight, head, depth))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	events, err := retry.Do(ctx, o.scheduler, "events", func(ctx context.Context) ([]types.Event, error) {
		return o.client.Events(ctx, ev.ChainID, ev.BlockHeight, ev.BlockHeight)
	})
	if err != nil {
		return nil, err
	}
	if reason := matchEvent(ev, events); reason != nil {
		return reason, nil
	}
	return o.checkUnsettled(ctx, ev)
}

func matchEvent(ev *types.Event, events []types.Event) error {
	key := ev.Key()
	for i := range events {
		onchain := &events[i]
		if onchain.Key() != key {
			continue
		}
		if onchain.BlockHeight != ev.BlockHeight || onchain.BlockHash != ev.BlockHash {
			return fmt.Errorf("%w: block %d/%x on chain, %d/%x observed", ErrContentMismatch,
				onchain.BlockHeight, onchain.BlockHash, ev.BlockHeight, ev.BlockHash)
		}
		if !onchain.SameContent(ev) {
			return fmt.Errorf("%w: payload or kind", ErrContentMismatch)
		}
		return nil
	}
	return fmt.Errorf("%w: %s at height %d", ErrNotIncluded, key, ev.BlockHeight)
}

func (o *Observer) checkUnsettled(ctx context.Context, ev *types.Event) (reason error, err error) {
	dest, err := types.SettlementChain(ev)
	if err != nil {
		return err, nil
	}
	gw, ok := o.registry.Gateway(dest)
	if !ok {
		return fmt.Errorf("%w: destination %d", ErrUnknownGateway, dest), nil
	}
	err = o.scheduler.Run(ctx, "settled", func(ctx context.Context) error {
		_, err := o.client.AccountResource(ctx, dest, gw.GatewayAddress, gbridge.SettledResource(ev.Key()))
		if errors.Is(err, gbridge.NotFound) {
			return nil
		}
		if err == nil {
			return retry.AsValidation(ErrAlreadySettled)
		}
		return err
	})
	if errors.Is(err, ErrAlreadySettled) {
		return ErrAlreadySettled, nil
	}
	return nil, err
}
