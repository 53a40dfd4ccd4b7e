package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/reorg"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert codes raised by the node itself, next to the failure codes of
// types.FailureCode.
const (
	AlertChainStalled        = "chain-stalled"
	AlertChainReorg          = "chain-reorg"
	AlertObserverUnreachable = "observer-unreachable"
	AlertEventRejected       = "event-rejected"
)

// Alert is one active condition that may need operator attention.
type Alert struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"severity"`
	Code     string    `json:"code"`
	Subject  string    `json:"subject"` // event key, chain id or observer id
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raisedAt"`
}

// AlertBook keeps the active alerts, at most one per (code, subject).
type AlertBook struct {
	mu     sync.Mutex
	active map[string]Alert
	now    func() time.Time
}

// NewAlertBook creates an empty alert book.
func NewAlertBook() *AlertBook {
	return &AlertBook{active: make(map[string]Alert), now: time.Now}
}

func alertKey(code, subject string) string { return code + "|" + subject }

// Raise records an alert unless one with the same code and subject is already
// active. It returns the active alert.
func (b *AlertBook) Raise(severity Severity, code, subject, message string) Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := alertKey(code, subject)
	if a, ok := b.active[k]; ok {
		return a
	}
	a := Alert{
		ID:       uuid.New().String(),
		Severity: severity,
		Code:     code,
		Subject:  subject,
		Message:  message,
		RaisedAt: b.now(),
	}
	b.active[k] = a
	switch severity {
	case SeverityCritical:
		log.Error("Bridge alert raised", "code", code, "subject", subject, "msg", message)
	default:
		log.Warn("Bridge alert raised", "code", code, "subject", subject, "msg", message)
	}
	return a
}

// Resolve clears the alert with the given code and subject.
func (b *AlertBook) Resolve(code, subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := alertKey(code, subject)
	if _, ok := b.active[k]; !ok {
		return false
	}
	delete(b.active, k)
	log.Info("Bridge alert resolved", "code", code, "subject", subject)
	return true
}

// Retain resolves every alert of code whose subject is not in keep.
func (b *AlertBook) Retain(code string, keep mapset.Set) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, a := range b.active {
		if a.Code == code && !keep.Contains(a.Subject) {
			delete(b.active, k)
		}
	}
}

// Active returns the active alerts, oldest first.
func (b *AlertBook) Active() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.active))
	for _, a := range b.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *AlertBook) onStatus(ev aggregator.StatusEvent) {
	set := ev.Set
	switch set.Status {
	case types.SetExpired:
		b.Raise(SeverityCritical, string(types.FailureExpired), set.Key.String(), ev.Reason)
	case types.SetComplete:
		b.Resolve(string(types.FailureExpired), set.Key.String())
		b.Resolve(AlertEventRejected, set.Key.String())
	case types.SetPending:
		b.Resolve(string(types.FailureExpired), set.Key.String())
	}
}

// onRejection raises one alert per rejected event key, whichever observer
// rejected it first.
func (b *AlertBook) onRejection(r observer.Rejection) {
	b.Raise(SeverityWarning, AlertEventRejected, r.Key.String(),
		fmt.Sprintf("%s refused to sign at height %d: %s", r.Observer, r.Height, r.Reason))
}

func (b *AlertBook) onFailure(f types.Failure) {
	b.Raise(SeverityCritical, string(f.Code), f.Key.String(), f.Reason)
}

func (b *AlertBook) onRollback(rb reorg.Rollback) {
	// Reorg alerts are informational; a newer one on the same chain replaces
	// the older.
	subject := fmt.Sprintf("chain-%d", rb.ChainID)
	b.Resolve(AlertChainReorg, subject)
	b.Raise(SeverityInfo, AlertChainReorg, subject,
		fmt.Sprintf("rolled back %d blocks to %d, %d attestation sets invalidated", rb.Depth(), rb.Ancestor, len(rb.Invalidated)))
}
