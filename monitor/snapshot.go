// Package monitor assembles the read-only operational view of a bridge node
// and serves it over HTTP.
package monitor

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/watcher"
)

// GatewayStatus is the state of one registered gateway.
type GatewayStatus struct {
	ChainID   uint64          `json:"chainId"`
	Address   common.Address  `json:"address"`
	Threshold uint64          `json:"threshold"`
	Reachable bool            `json:"reachable"`
	Height    uint64          `json:"height"`
	State     json.RawMessage `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ObserverStatus is the state of one registered observer.
type ObserverStatus struct {
	observer.Stats
	Endpoint string `json:"endpoint,omitempty"`
	Weight   uint64 `json:"weight"`
	Local    bool   `json:"local"`
}

// TxStats summarises settlement activity.
type TxStats struct {
	Pending         int            `json:"pending"`   // queued or running
	Submitted       int            `json:"submitted"` // sent, not yet confirmed
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	FailuresByCode  map[string]int `json:"failuresByCode,omitempty"`
	AvgConfirmation time.Duration  `json:"avgConfirmation"`
}

// Snapshot is the complete monitoring view at one point in time. Snapshots
// are immutable once published.
type Snapshot struct {
	Time         time.Time        `json:"time"`
	Version      string           `json:"version"`
	Gateways     []GatewayStatus  `json:"gateways"`
	Observers    []ObserverStatus `json:"observers"`
	Transactions TxStats          `json:"transactions"`
	Sets         map[string]int   `json:"sets"`
	Chains       []watcher.Status `json:"chains"`
	Alerts       []Alert          `json:"alerts"`
}

// Copy returns a deep copy of the snapshot.
func (s *Snapshot) Copy() *Snapshot {
	cpy := *s
	cpy.Gateways = append([]GatewayStatus(nil), s.Gateways...)
	for i := range cpy.Gateways {
		cpy.Gateways[i].State = append(json.RawMessage(nil), s.Gateways[i].State...)
	}
	cpy.Observers = append([]ObserverStatus(nil), s.Observers...)
	cpy.Chains = append([]watcher.Status(nil), s.Chains...)
	cpy.Alerts = append([]Alert(nil), s.Alerts...)
	cpy.Sets = make(map[string]int, len(s.Sets))
	for k, v := range s.Sets {
		cpy.Sets[k] = v
	}
	if s.Transactions.FailuresByCode != nil {
		cpy.Transactions.FailuresByCode = make(map[string]int, len(s.Transactions.FailuresByCode))
		for k, v := range s.Transactions.FailuresByCode {
			cpy.Transactions.FailuresByCode[k] = v
		}
	}
	return &cpy
}

// Stalled returns the ids of the chains whose watcher is stalled.
func (s *Snapshot) Stalled() []uint64 {
	var ids []uint64
	for _, c := range s.Chains {
		if c.Stalled {
			ids = append(ids, c.ChainID)
		}
	}
	return ids
}
