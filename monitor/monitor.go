package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/params"
	"github.com/tos-network/gbridge/reorg"
	"github.com/tos-network/gbridge/watcher"
)

// Config configures the monitoring service and its HTTP server.
type Config struct {
	Enabled     bool          `toml:",omitempty"`
	Host        string        `toml:",omitempty"`
	Port        int           `toml:",omitempty"`
	CORSDomains []string      `toml:",omitempty"`
	Refresh     time.Duration `toml:",omitempty"`
	CallTimeout time.Duration `toml:",omitempty"` // per gateway query
}

// DefaultConfig contains the default monitoring settings.
var DefaultConfig = Config{
	Enabled:     true,
	Host:        "127.0.0.1",
	Port:        8547,
	CORSDomains: []string{"*"},
	Refresh:     params.DefaultMonitorRefresh,
	CallTimeout: 2 * time.Second,
}

// Endpoint returns the listen address of the HTTP server.
func (c Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StatsProvider is an in-process observer.
type StatsProvider interface {
	Stats() observer.Stats
}

// ChainStatus reports the progress of one chain watcher.
type ChainStatus interface {
	Status() watcher.Status
}

// SetCounter reports the attestation sets per status.
type SetCounter interface {
	Counts() map[types.SetStatus]int
}

// SettlementActivity reports the work of the settlement pipeline.
type SettlementActivity interface {
	Inflight() int
	Queued() int
}

// Sources are the components the monitor reads. Any of them may be nil.
type Sources struct {
	Registry    *observer.Registry
	Client      gbridge.ChainClient
	DB          bridgedb.KeyValueStore
	Observers   []StatsProvider
	Watchers    []ChainStatus
	Sets        SetCounter
	Settlements SettlementActivity

	StatusFeed    func(chan<- aggregator.StatusEvent) event.Subscription
	FailureFeed   func(chan<- types.Failure) event.Subscription
	RollbackFeed  []func(chan<- reorg.Rollback) event.Subscription
	RejectionFeed []func(chan<- observer.Rejection) event.Subscription
}

// Monitor periodically collects a Snapshot of the node.
type Monitor struct {
	config  Config
	src     Sources
	alerts  *AlertBook
	current atomic.Pointer[Snapshot]
}

// New creates a monitor over the given sources.
func New(config Config, src Sources) *Monitor {
	if config.Refresh <= 0 {
		config.Refresh = DefaultConfig.Refresh
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig.CallTimeout
	}
	m := &Monitor{config: config, src: src, alerts: NewAlertBook()}
	m.current.Store(&Snapshot{Time: time.Time{}, Version: params.VersionWithMeta, Sets: map[string]int{}})
	return m
}

// Alerts returns the alert book.
func (m *Monitor) Alerts() *AlertBook { return m.alerts }

// Snapshot returns a copy of the latest snapshot.
func (m *Monitor) Snapshot() *Snapshot {
	return m.current.Load().Copy()
}

// Run subscribes to the alert sources and refreshes the snapshot until ctx
// is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	var (
		statusCh   = make(chan aggregator.StatusEvent, 64)
		failureCh  = make(chan types.Failure, 64)
		rollbackCh = make(chan reorg.Rollback, 16)
		rejectCh   = make(chan observer.Rejection, 64)
		subs       []event.Subscription
	)
	if m.src.StatusFeed != nil {
		subs = append(subs, m.src.StatusFeed(statusCh))
	}
	if m.src.FailureFeed != nil {
		subs = append(subs, m.src.FailureFeed(failureCh))
	}
	for _, feed := range m.src.RollbackFeed {
		subs = append(subs, feed(rollbackCh))
	}
	for _, feed := range m.src.RejectionFeed {
		subs = append(subs, feed(rejectCh))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	m.Refresh(ctx)
	ticker := time.NewTicker(m.config.Refresh)
	defer ticker.Stop()
	for {
		select {
		case ev := <-statusCh:
			m.alerts.onStatus(ev)
		case f := <-failureCh:
			m.alerts.onFailure(f)
		case rb := <-rollbackCh:
			m.alerts.onRollback(rb)
		case r := <-rejectCh:
			m.alerts.onRejection(r)
		case <-ticker.C:
			m.Refresh(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh collects and publishes a new snapshot.
func (m *Monitor) Refresh(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Time:    time.Now(),
		Version: params.VersionWithMeta,
		Sets:    make(map[string]int),
	}
	snap.Gateways = m.gateways(ctx)
	snap.Observers = m.observers()
	snap.Chains = m.chains()
	if m.src.Sets != nil {
		for status, n := range m.src.Sets.Counts() {
			snap.Sets[status.String()] = n
		}
	}
	snap.Transactions = m.transactions()
	snap.Alerts = m.alerts.Active()

	m.current.Store(snap)
	log.Trace("Refreshed monitoring snapshot", "alerts", len(snap.Alerts), "pending", snap.Transactions.Pending)
	return snap.Copy()
}

func (m *Monitor) gateways(ctx context.Context) []GatewayStatus {
	if m.src.Registry == nil {
		return nil
	}
	var out []GatewayStatus
	for _, gw := range m.src.Registry.Gateways() {
		st := GatewayStatus{ChainID: gw.ChainID, Address: gw.GatewayAddress, Threshold: gw.Threshold}
		if m.src.Client != nil {
			cctx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
			height, err := m.src.Client.CurrentHeight(cctx, gw.ChainID)
			if err == nil {
				st.Reachable, st.Height = true, height
				var state []byte
				state, err = m.src.Client.AccountResource(cctx, gw.ChainID, gw.GatewayAddress, gbridge.GatewayStateResource)
				st.State = state
			}
			if err != nil {
				st.Error = err.Error()
			}
			cancel()
		}
		out = append(out, st)
	}
	return out
}

func (m *Monitor) observers() []ObserverStatus {
	if m.src.Registry == nil {
		return nil
	}
	local := make(map[string]observer.Stats)
	for _, o := range m.src.Observers {
		s := o.Stats()
		local[s.ID] = s
	}
	unreachable := mapset.NewSet()
	var out []ObserverStatus
	for _, info := range m.src.Registry.Observers() {
		st := ObserverStatus{Endpoint: info.Endpoint, Weight: info.TrustWeight}
		if s, ok := local[info.ID]; ok {
			st.Stats, st.Local = s, true
		} else {
			st.Stats = observer.Stats{ID: info.ID, Health: info.Health.String()}
		}
		if info.Health == types.Unreachable {
			unreachable.Add(info.ID)
			m.alerts.Raise(SeverityWarning, AlertObserverUnreachable, info.ID, "observer cannot read chain state")
		}
		out = append(out, st)
	}
	m.alerts.Retain(AlertObserverUnreachable, unreachable)
	return out
}

func (m *Monitor) chains() []watcher.Status {
	stalled := mapset.NewSet()
	var out []watcher.Status
	for _, w := range m.src.Watchers {
		st := w.Status()
		if st.Stalled {
			subject := fmt.Sprintf("chain-%d", st.ChainID)
			stalled.Add(subject)
			m.alerts.Raise(SeverityWarning, AlertChainStalled, subject, st.LastError)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	m.alerts.Retain(AlertChainStalled, stalled)
	return out
}

func (m *Monitor) transactions() TxStats {
	var st TxStats
	if m.src.Settlements != nil {
		st.Pending = m.src.Settlements.Inflight() + m.src.Settlements.Queued()
	}
	if m.src.DB == nil {
		return st
	}
	var total time.Duration
	for _, s := range rawdb.ReadAllSettlements(m.src.DB) {
		if s.ConfirmedAt == 0 {
			st.Submitted++
			continue
		}
		st.Completed++
		if s.ConfirmedAt > s.SubmittedAt {
			total += time.Duration(s.ConfirmedAt-s.SubmittedAt) * time.Millisecond
		}
	}
	if st.Completed > 0 {
		st.AvgConfirmation = total / time.Duration(st.Completed)
	}
	// Failure records are the source of truth for failure alerts: records
	// removed by reconciliation or Reopen clear their alert.
	failed := make(map[types.FailureCode]mapset.Set)
	for _, code := range []types.FailureCode{types.FailureExpired, types.FailureExhausted, types.FailureRejected, types.FailureUnsettlable} {
		failed[code] = mapset.NewSet()
	}
	for _, f := range rawdb.ReadAllFailures(m.src.DB) {
		st.Failed++
		if st.FailuresByCode == nil {
			st.FailuresByCode = make(map[string]int)
		}
		st.FailuresByCode[string(f.Code)]++
		if set, ok := failed[f.Code]; ok {
			set.Add(f.Key.String())
		}
		m.alerts.Raise(SeverityCritical, string(f.Code), f.Key.String(), f.Reason)
	}
	for code, keys := range failed {
		m.alerts.Retain(string(code), keys)
	}
	return st
}
