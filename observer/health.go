package observer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
)

// Stats is the activity summary of one observer.
type Stats struct {
	ID                  string        `json:"id"`
	Health              string        `json:"status"`
	Latency             time.Duration `json:"latency"`
	LastProcessedHeight uint64        `json:"lastProcessedHeight"`
	Validations         uint64        `json:"validationCount"`
	Rejections          uint64        `json:"rejectionCount"`
	Errors              uint64        `json:"errorCount"`
}

// health scores an observer from its own validation outcomes and pushes the
// result into the registry.
type health struct {
	mu       sync.Mutex
	id       string
	registry *Registry

	validations   uint64
	rejections    uint64
	errors        uint64
	consecutive   int
	latency       time.Duration
	lastHeight    uint64
	current       types.Health
	validateTimer metrics.Timer
	rejectCounter metrics.Counter
	errorCounter  metrics.Counter
}

func newHealth(id string, registry *Registry) *health {
	prefix := "bridge/observer/" + id + "/"
	return &health{
		id:            id,
		registry:      registry,
		validateTimer: metrics.GetOrRegisterTimer(prefix+"validate", nil),
		rejectCounter: metrics.GetOrRegisterCounter(prefix+"rejections", nil),
		errorCounter:  metrics.GetOrRegisterCounter(prefix+"errors", nil),
	}
}

func (h *health) signed(height uint64, took time.Duration) {
	h.mu.Lock()
	h.validations++
	h.consecutive = 0
	h.latency = took
	if height > h.lastHeight {
		h.lastHeight = height
	}
	h.mu.Unlock()
	h.validateTimer.Update(took)
	h.rescore()
}

func (h *health) rejected(height uint64, took time.Duration) {
	h.mu.Lock()
	h.validations++
	h.rejections++
	h.consecutive = 0
	h.latency = took
	if height > h.lastHeight {
		h.lastHeight = height
	}
	h.mu.Unlock()
	h.validateTimer.Update(took)
	h.rejectCounter.Inc(1)
	h.rescore()
}

func (h *health) failed() {
	h.mu.Lock()
	h.errors++
	h.consecutive++
	h.mu.Unlock()
	h.errorCounter.Inc(1)
	h.rescore()
}

func (h *health) score() types.Health {
	switch {
	case h.consecutive >= params.UnreachableErrorCount:
		return types.Unreachable
	case h.consecutive > 0:
		return types.Degraded
	case h.validations >= params.MinScoredValidations &&
		float64(h.rejections)/float64(h.validations) > params.DegradedRejectionRatio:
		return types.Degraded
	}
	return types.Healthy
}

func (h *health) rescore() {
	h.mu.Lock()
	next := h.score()
	changed := next != h.current
	h.current = next
	h.mu.Unlock()

	if changed && h.registry != nil {
		h.registry.SetHealth(h.id, next)
	}
}

func (h *health) stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		ID:                  h.id,
		Health:              h.current.String(),
		Latency:             h.latency,
		LastProcessedHeight: h.lastHeight,
		Validations:         h.validations,
		Rejections:          h.rejections,
		Errors:              h.errors,
	}
}
