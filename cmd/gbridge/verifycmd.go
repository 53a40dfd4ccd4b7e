package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/fatih/color"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/chainrpc"
	"github.com/tos-network/gbridge/cmd/utils"
	"github.com/tos-network/gbridge/core/simchain"
	"github.com/tos-network/gbridge/internal/flags"
	"github.com/tos-network/gbridge/node"
	"github.com/tos-network/gbridge/observer"
	"github.com/urfave/cli/v2"
)

var (
	verifyTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Time allowed for all checks",
		Value: 30 * time.Second,
	}
	verifyCommand = &cli.Command{
		Action:    verifySetup,
		Name:      "verify",
		Usage:     "Check the chains, observers and gateways of a configuration",
		ArgsUsage: " ",
		Flags:     flags.Merge([]cli.Flag{configFileFlag, utils.DataDirFlag, utils.AggregatorURLFlag, verifyTimeoutFlag}, utils.ChainFlags),
		Description: `
The verify command connects to every configured chain and reports its
height and gateway state, loads the key of every local observer and
probes the endpoints of observers and of the aggregator.`,
	}
)

var errVerifyFailed = errors.New("verification failed")

type checkResult struct {
	subject string
	check   string
	detail  string
	err     error
}

func verifySetup(ctx *cli.Context) error {
	cfg := makeConfig(ctx)

	c, cancel := context.WithTimeout(ctx.Context, ctx.Duration(verifyTimeoutFlag.Name))
	defer cancel()

	results := runChecks(c, &cfg)
	if failed := renderChecks(color.Output, results); failed > 0 {
		return fmt.Errorf("%w: %d of %d checks failed", errVerifyFailed, failed, len(results))
	}
	return nil
}

// runChecks verifies cfg. Chains are reached through cfg.Client when set,
// otherwise every chain is dialed on its own.
func runChecks(ctx context.Context, cfg *node.Config) []checkResult {
	var results []checkResult
	for _, chain := range cfg.Chains {
		results = append(results, verifyChain(ctx, cfg, chain)...)
	}
	for _, oc := range cfg.Observers {
		results = append(results, verifyObserver(ctx, cfg, oc)...)
	}
	if cfg.AggregatorURL != "" {
		results = append(results, verifyEndpoint(ctx, "aggregator", cfg.AggregatorURL))
	}
	return results
}

func verifyChain(ctx context.Context, cfg *node.Config, chain node.ChainConfig) []checkResult {
	subject := fmt.Sprintf("chain %d", chain.ID)
	client := cfg.Client
	if client == nil {
		rc, err := rpc.DialContext(ctx, chain.URL)
		if err != nil {
			return []checkResult{{subject: subject, check: "connect", detail: chain.URL, err: err}}
		}
		c := chainrpc.NewClient(cfg.ChainRPC)
		defer c.Close()
		if err := c.Attach(ctx, chain.ID, chain.URL, rc); err != nil {
			rc.Close()
			return []checkResult{{subject: subject, check: "connect", detail: chain.URL, err: err}}
		}
		client = c
	}
	results := []checkResult{{subject: subject, check: "connect", detail: chain.URL}}

	height, err := client.CurrentHeight(ctx, chain.ID)
	results = append(results, checkResult{subject: subject, check: "height", detail: fmt.Sprint(height), err: err})

	blob, err := client.AccountResource(ctx, chain.ID, chain.Gateway, gbridge.GatewayStateResource)
	state := checkResult{subject: subject, check: "gateway state", err: err}
	if err == nil {
		var compact bytes.Buffer
		if err := json.Compact(&compact, blob); err != nil {
			state.detail = hexutil.Encode(blob)
		} else {
			state.detail = compact.String()
		}
		var gs simchain.GatewayState
		if json.Unmarshal(blob, &gs) == nil && gs.ChainID != 0 && gs.ChainID != chain.ID {
			state.err = fmt.Errorf("gateway reports chain %d", gs.ChainID)
		}
	} else if errors.Is(err, gbridge.NotFound) {
		state.err = fmt.Errorf("no %s resource at %s", gbridge.GatewayStateResource, chain.Gateway.Hex())
	}
	return append(results, state)
}

func verifyObserver(ctx context.Context, cfg *node.Config, oc node.ObserverConfig) []checkResult {
	subject := "observer " + oc.ID
	var results []checkResult
	if oc.Local() {
		signer, err := observer.LoadKeySigner(oc.ID, cfg.ResolvePath(oc.KeyFile))
		key := checkResult{subject: subject, check: "key", err: err}
		if err == nil {
			key.detail = signer.Address().Hex()
			if oc.PublicKey != "" && oc.PublicKey != hexutil.Encode(signer.PublicKey()) {
				key.err = errors.New("key file does not match the configured public key")
			}
		}
		results = append(results, key)
	} else {
		info, err := oc.Info()
		key := checkResult{subject: subject, check: "public key", err: err}
		if err == nil {
			if err = info.Validate(); err == nil {
				var addr common.Address
				addr, err = info.Address()
				key.detail = addr.Hex()
			}
			key.err = err
		}
		results = append(results, key)
	}
	if oc.Endpoint != "" {
		results = append(results, verifyEndpoint(ctx, subject, oc.Endpoint))
	}
	return results
}

// verifyEndpoint checks that url serves JSON-RPC.
func verifyEndpoint(ctx context.Context, subject, url string) checkResult {
	res := checkResult{subject: subject, check: "endpoint", detail: url}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		res.err = err
		return res
	}
	defer rc.Close()

	var modules map[string]string
	if err := rc.CallContext(ctx, &modules, "rpc_modules"); err != nil {
		res.err = err
	}
	return res
}

// renderChecks prints the results and returns the number of failed checks.
func renderChecks(w io.Writer, results []checkResult) int {
	table := newTable(w, "Subject", "Check", "Result", "Detail")
	failed := 0
	for _, r := range results {
		result, detail := green("ok"), r.detail
		if r.err != nil {
			failed++
			result, detail = red("fail"), r.err.Error()
		}
		table.Append([]string{r.subject, r.check, result, detail})
	}
	table.Render()
	return failed
}
