package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge/core/types"
)

var ErrQueueClosed = errors.New("watcher: queue closed")

// Queue is the ordered hand-off of finalized events of one chain to its
// consumer. An event stays at the head until it is acknowledged, so a consumer
// that fails before Ack sees the same event again.
type Queue struct {
	mu     sync.Mutex
	items  []types.Event
	notify chan struct{}
	closed bool

	lengthGauge metrics.Gauge
}

// NewQueue creates an empty queue for the given chain.
func NewQueue(chainID uint64) *Queue {
	return &Queue{
		notify:      make(chan struct{}, 1),
		lengthGauge: metrics.GetOrRegisterGauge(fmt.Sprintf("bridge/watcher/%d/queue", chainID), nil),
	}
}

// Push appends events in the given order.
func (q *Queue) Push(events ...types.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for i := range events {
		q.items = append(q.items, *events[i].Copy())
	}
	q.lengthGauge.Update(int64(len(q.items)))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Next blocks until the queue is non-empty and returns a copy of its head
// without removing it.
func (q *Queue) Next(ctx context.Context) (*types.Event, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) > 0 {
			head := q.items[0].Copy()
			q.mu.Unlock()
			return head, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack removes the head if it carries key. It reports whether anything was
// removed; a head dropped by a rollback in the meantime is not an error.
func (q *Queue) Ack(key types.EventKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].Key() != key {
		return false
	}
	q.items[0] = types.Event{}
	q.items = q.items[1:]
	q.lengthGauge.Update(int64(len(q.items)))
	return true
}

// DropAbove removes every queued event with a block height above height and
// returns how many were dropped.
func (q *Queue) DropAbove(height uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, ev := range q.items {
		if ev.BlockHeight <= height {
			kept = append(kept, ev)
		}
	}
	dropped := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = types.Event{}
	}
	q.items = kept
	q.lengthGauge.Update(int64(len(q.items)))
	return dropped
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes up blocked consumers; subsequent Next calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
}
