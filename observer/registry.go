package observer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
)

// Registry is the process wide set of observers and gateway configs. It is
// constructed at startup and handed to every component that needs it; all
// mutations are persisted when a database is attached.
type Registry struct {
	mu        sync.RWMutex
	db        bridgedb.KeyValueStore
	observers map[string]*types.ObserverInfo // observerID → record
	addrs     map[string]common.Address      // observerID → signing address
	gateways  map[uint64]*types.GatewayConfig
	weigh     func(types.ObserverInfo) uint64 // nil counts trust weights
}

// NewRegistry creates a registry. If db is not nil, previously persisted
// observers and gateways are loaded from it.
func NewRegistry(db bridgedb.KeyValueStore) (*Registry, error) {
	r := &Registry{
		db:        db,
		observers: make(map[string]*types.ObserverInfo),
		addrs:     make(map[string]common.Address),
		gateways:  make(map[uint64]*types.GatewayConfig),
	}
	if db == nil {
		return r, nil
	}
	for _, o := range rawdb.ReadObservers(db) {
		addr, err := o.Address()
		if err != nil {
			return nil, err
		}
		r.observers[o.ID] = o
		r.addrs[o.ID] = addr
	}
	for _, g := range rawdb.ReadGateways(db) {
		r.gateways[g.ChainID] = g
	}
	if len(r.observers) > 0 || len(r.gateways) > 0 {
		log.Info("Loaded observer registry", "observers", len(r.observers), "gateways", len(r.gateways))
	}
	return r, nil
}

// AddObserver inserts or replaces an observer record. Replacing keeps the
// recorded health.
func (r *Registry) AddObserver(info types.ObserverInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	addr, _ := info.Address()

	r.mu.Lock()
	defer r.mu.Unlock()
	clone := info
	clone.PublicKey = common.CopyBytes(info.PublicKey)
	if prev, ok := r.observers[info.ID]; ok {
		clone.Health = prev.Health
	}
	r.observers[info.ID] = &clone
	r.addrs[info.ID] = addr
	if r.db != nil {
		rawdb.WriteObserver(r.db, &clone)
	}
	return nil
}

// RemoveObserver deletes an observer record.
func (r *Registry) RemoveObserver(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
	delete(r.addrs, id)
	if r.db != nil {
		rawdb.DeleteObserver(r.db, id)
	}
}

// Observer returns a copy of the observer record, or false if not found.
func (r *Registry) Observer(id string) (types.ObserverInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.observers[id]
	if !ok {
		return types.ObserverInfo{}, false
	}
	return *p, true
}

// Address returns the signing address of an observer.
func (r *Registry) Address(id string) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[id]
	return addr, ok
}

// Observers returns copies of all records ordered by id.
func (r *Registry) Observers() []types.ObserverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ObserverInfo, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// TotalWeight returns the sum of all trust weights.
func (r *Registry) TotalWeight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalWeight()
}

func (r *Registry) totalWeight() uint64 {
	var total uint64
	for _, o := range r.observers {
		total += o.TrustWeight
	}
	return total
}

// SetWeighting sets how much each observer counts toward a threshold, so that
// Register only accepts thresholds the quorum policy can reach. A nil weigh
// counts trust weights.
func (r *Registry) SetWeighting(weigh func(types.ObserverInfo) uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weigh = weigh
}

// QuorumWeight returns the largest tally the registered observers can reach
// under the configured weighting.
func (r *Registry) QuorumWeight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.weigh == nil {
		return r.totalWeight()
	}
	var total uint64
	for _, o := range r.observers {
		total += r.weigh(*o)
	}
	return total
}

// SetHealth records the health of an observer.
func (r *Registry) SetHealth(id string, health types.Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[id]
	if !ok || o.Health == health {
		return
	}
	log.Info("Observer health changed", "observer", id, "from", o.Health, "to", health)
	o.Health = health
	if r.db != nil {
		rawdb.WriteObserver(r.db, o)
	}
}

// Register adds or replaces the gateway config of a source chain. The
// threshold must be reachable with the registered observers under the
// configured weighting.
func (r *Registry) Register(cfg types.GatewayConfig) error {
	if err := cfg.Validate(0); err != nil {
		return err
	}
	if total := r.QuorumWeight(); cfg.Threshold > total {
		return fmt.Errorf("%w: chain %d threshold %d, total %d", ErrThresholdTooLarge, cfg.ChainID, cfg.Threshold, total)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := cfg
	r.gateways[cfg.ChainID] = &clone
	if r.db != nil {
		rawdb.WriteGateway(r.db, &clone)
	}
	log.Info("Registered gateway", "chain", cfg.ChainID, "gateway", cfg.GatewayAddress, "threshold", cfg.Threshold)
	return nil
}

// Gateway returns the gateway config of a chain.
func (r *Registry) Gateway(chainID uint64) (types.GatewayConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[chainID]
	if !ok {
		return types.GatewayConfig{}, false
	}
	return *g, true
}

// Gateways returns every registered gateway ordered by chain id.
func (r *Registry) Gateways() []types.GatewayConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.GatewayConfig, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// Threshold returns the signature threshold of a source chain.
func (r *Registry) Threshold(chainID uint64) (uint64, error) {
	g, ok := r.Gateway(chainID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownGateway, chainID)
	}
	return g.Threshold, nil
}
