package chainrpc

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/retry"
)

// JSON-RPC error codes carrying the failure class across the wire.
const (
	codeNotFound   = -39000
	codeTransient  = -39001
	codeValidation = -39002
	codeConsensus  = -39003
	codeFatal      = -39004
)

// codedError is the server side form of a classified chain error.
type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string  { return e.msg }
func (e *codedError) ErrorCode() int { return e.code }

// encodeError attaches the wire code of err's class.
func encodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gbridge.NotFound) {
		return &codedError{codeNotFound, err.Error()}
	}
	code := codeFatal
	switch retry.Classify(err) {
	case retry.Transient:
		code = codeTransient
	case retry.Validation:
		code = codeValidation
	case retry.Consensus:
		code = codeConsensus
	}
	return &codedError{code, err.Error()}
}

// remoteError is an error reported by the chain node.
type remoteError struct {
	code int
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

// decodeError maps a client side error to the retry taxonomy. Transport
// failures are transient; errors returned by the node keep the class they
// were encoded with.
func decodeError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		remote := &remoteError{code: rpcErr.ErrorCode(), msg: rpcErr.Error()}
		switch remote.code {
		case codeNotFound:
			return gbridge.NotFound
		case codeTransient:
			return retry.AsTransient(remote)
		case codeValidation:
			return retry.AsValidation(remote)
		case codeConsensus:
			return retry.AsConsensus(remote)
		case -32603: // internal error
			return retry.AsTransient(remote)
		}
		return retry.AsFatal(remote)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return retry.AsTransient(err)
		}
		return retry.AsFatal(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, rpc.ErrClientQuit) {
		return retry.AsFatal(err)
	}
	if retry.Classify(err) == retry.Fatal {
		// Anything else the rpc client reports is a transport problem.
		return retry.AsTransient(err)
	}
	return err
}
