package aggregator

import (
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge/core/types"
)

// API exposes attestation ingress and set inspection under the "bridge"
// namespace.
type API struct {
	agg *Aggregator
}

// SubmitAttestation hands a remote observer's attestation to the aggregator and
// returns the resulting set status.
func (api *API) SubmitAttestation(att *types.Attestation) (string, error) {
	if att == nil || att.Event == nil {
		return "", types.ErrInvalidEventKey
	}
	status, err := api.agg.Submit(att)
	if err != nil {
		return "", err
	}
	return status.String(), nil
}

// GetAttestationSet returns the set of an event key in chain/txhash/logindex
// form.
func (api *API) GetAttestationSet(key string) (*types.AttestationSet, error) {
	k, err := types.ParseEventKey(key)
	if err != nil {
		return nil, err
	}
	set, ok := api.agg.Get(k)
	if !ok {
		return nil, ErrUnknownSet
	}
	return set, nil
}

// SetCounts returns the number of live sets per status name.
func (api *API) SetCounts() map[string]int {
	out := make(map[string]int)
	for status, n := range api.agg.Counts() {
		out[status.String()] = n
	}
	return out
}

// APIs returns the RPC services of the aggregator.
func (a *Aggregator) APIs() []rpc.API {
	return []rpc.API{{Namespace: "bridge", Service: &API{agg: a}}}
}
