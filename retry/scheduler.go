// Package retry implements the bounded exponential backoff driver wrapped
// around chain reads and settlement submissions.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge/params"
)

var (
	retryCounter     = metrics.NewRegisteredCounter("bridge/retry/attempts", nil)
	exhaustedCounter = metrics.NewRegisteredCounter("bridge/retry/exhausted", nil)
)

// Config is the backoff policy.
type Config struct {
	Base        time.Duration `toml:",omitempty"`
	Max         time.Duration `toml:",omitempty"`
	MaxAttempts int           `toml:",omitempty"` // total attempts, including the first
}

// DefaultConfig is the default backoff policy.
var DefaultConfig = Config{
	Base:        params.DefaultRetryBase,
	Max:         params.DefaultRetryMax,
	MaxAttempts: params.DefaultRetryMaxAttempts,
}

func (c Config) sanitize() Config {
	if c.Base <= 0 {
		c.Base = DefaultConfig.Base
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	return c
}

// Delay returns the wait before retrying after the given zero based failed
// attempt: min(Base*2^attempt, Max).
func (c Config) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := c.Base << uint(attempt)
	if delay > c.Max || delay <= 0 {
		delay = c.Max
	}
	return delay
}

// Scheduler runs operations under a backoff policy.
type Scheduler struct {
	config Config
	wait   func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler with the given policy.
func New(config Config) *Scheduler {
	return &Scheduler{config: config.sanitize(), wait: sleep}
}

// Config returns the effective policy.
func (s *Scheduler) Config() Config {
	return s.config
}

// Run executes op until it succeeds, fails with a non-transient error, the
// attempt budget is exhausted or ctx is done. The name only labels logs.
func (s *Scheduler) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == s.config.MaxAttempts-1 {
			break
		}
		delay := s.config.Delay(attempt)
		retryCounter.Inc(1)
		log.Debug("Retrying operation", "op", name, "attempt", attempt+1, "delay", delay, "err", err)
		if werr := s.wait(ctx, delay); werr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", name, werr, err)
		}
	}
	exhaustedCounter.Inc(1)
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, s.config.MaxAttempts, err)
}

// Do is Run for operations producing a value.
func Do[T any](ctx context.Context, s *Scheduler, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Run(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
