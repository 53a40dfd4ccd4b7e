package observer

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/retry"
)

// Publisher delivers signed attestations to an aggregator.
type Publisher interface {
	Publish(ctx context.Context, att *types.Attestation) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, att *types.Attestation) error

func (f PublisherFunc) Publish(ctx context.Context, att *types.Attestation) error { return f(ctx, att) }

// RemotePublisher publishes attestations to the bridge_submitAttestation
// endpoint of a remote aggregator.
type RemotePublisher struct {
	c *rpc.Client
}

// DialPublisher connects to a remote aggregator. Options such as
// rpc.WithHTTPAuth are passed on to the RPC client.
func DialPublisher(ctx context.Context, rawurl string, opts ...rpc.ClientOption) (*RemotePublisher, error) {
	c, err := rpc.DialOptions(ctx, rawurl, opts...)
	if err != nil {
		return nil, err
	}
	return NewRemotePublisher(c), nil
}

// NewRemotePublisher wraps an existing RPC client.
func NewRemotePublisher(c *rpc.Client) *RemotePublisher {
	return &RemotePublisher{c: c}
}

// Publish sends att and returns nil once the remote side accepted it. Transport
// failures are transient; errors returned by the aggregator are not.
func (p *RemotePublisher) Publish(ctx context.Context, att *types.Attestation) error {
	var status string
	err := p.c.CallContext(ctx, &status, "bridge_submitAttestation", att)
	if err == nil {
		return nil
	}
	if _, ok := err.(rpc.Error); ok {
		return retry.AsValidation(err)
	}
	return retry.AsTransient(err)
}

// Close terminates the underlying connection.
func (p *RemotePublisher) Close() {
	p.c.Close()
}
