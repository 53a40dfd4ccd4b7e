package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/watcher"
)

// consume hands every final event of a chain to the local observers. An
// event is acknowledged only after every observer reached a verdict or gave
// up, so a restart of the consumer sees it again.
func (n *Node) consume(ctx context.Context, w *watcher.Watcher) error {
	queue := w.Queue()
	for {
		ev, err := queue.Next(ctx)
		if errors.Is(err, watcher.ErrQueueClosed) {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		n.dispatch(ctx, ev)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		queue.Ack(ev.Key())
	}
}

// dispatch runs all local observers over ev in parallel. A failing observer
// does not hold back the others.
func (n *Node) dispatch(ctx context.Context, ev *types.Event) {
	var wg sync.WaitGroup
	for _, o := range n.observers {
		wg.Add(1)
		go func(o *observer.Observer) {
			defer wg.Done()
			verdict, err := o.Handle(ctx, ev.Copy())
			switch {
			case err != nil:
				if ctx.Err() == nil {
					n.log.Warn("Observer did not attest event", "observer", o.ID(), "key", ev.Key(), "err", err)
				}
			case verdict.State == observer.Rejected:
				n.log.Info("Observer rejected event", "observer", o.ID(), "key", ev.Key(), "reason", verdict.Reason)
			default:
				n.log.Debug("Observer attested event", "observer", o.ID(), "key", ev.Key(), "digest", verdict.Attestation.Digest)
			}
		}(o)
	}
	wg.Wait()
}

// redrive hands completed sets without a confirmed settlement to the
// submitter, once at start and then periodically. Settlements that failed
// permanently are retried this way once the destination recovers.
func (n *Node) redrive(ctx context.Context) error {
	interval := n.config.RedriveInterval
	if interval <= 0 {
		interval = DefaultConfig.RedriveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var pending int
		for _, set := range n.aggregator.Completed() {
			if rec := rawdb.ReadSettlement(n.db, set.Key); rec != nil && rec.ConfirmedAt != 0 && rec.Round == set.Round {
				continue
			}
			pending++
			n.submitter.Enqueue(set)
		}
		if pending > 0 {
			n.log.Info("Re-driving unsettled sets", "count", pending)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
