// Copyright 2015 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

// Package utils contains internal helper functions for gbridge commands.
package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/fdlimit"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/internal/flags"
	"github.com/tos-network/gbridge/node"
	"github.com/tos-network/gbridge/params"
	"github.com/urfave/cli/v2"
)

// These are all the command line flags we support.
// If you add to this list, please remember to include the
// flag in the appropriate command definition.
//
// The flags are defined here so their names and help texts
// are the same for all commands.

var (
	// General settings
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for the bridge database and generated keys",
		Value:    node.DefaultDataDir(),
		Category: flags.BridgeCategory,
	}
	CacheFlag = &cli.IntFlag{
		Name:     "cache",
		Usage:    "Megabytes of memory allocated to the bridge database",
		Value:    node.DefaultConfig.DatabaseCache,
		Category: flags.PerfCategory,
	}
	FDLimitFlag = &cli.IntFlag{
		Name:     "fdlimit",
		Usage:    "Raise the open file descriptor resource limit (default = system fd limit)",
		Category: flags.PerfCategory,
	}

	// Chains
	ChainEndpointsFlag = &cli.StringFlag{
		Name:     "chain.rpc",
		Usage:    "Comma separated chain endpoints as <chainid>=<url>, overriding the config file",
		Category: flags.ChainCategory,
	}
	ConfirmationsFlag = &cli.Uint64Flag{
		Name:     "confirmations",
		Usage:    "Blocks an event must be buried under before it is attested",
		Value:    params.DefaultConfirmationDepth,
		Category: flags.ChainCategory,
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:     "chain.poll",
		Usage:    "Interval between head polls of a watched chain",
		Value:    params.DefaultPollInterval,
		Category: flags.ChainCategory,
	}
	RPCRateLimitFlag = &cli.Float64Flag{
		Name:     "chain.ratelimit",
		Usage:    "Read requests per second sent to each chain node (0 = unlimited)",
		Value:    node.DefaultConfig.ChainRPC.ReadRate,
		Category: flags.ChainCategory,
	}

	// Observers and aggregation
	AggregatorURLFlag = &cli.StringFlag{
		Name:     "aggregator.url",
		Usage:    "Publish local attestations to a remote aggregator instead of aggregating",
		Category: flags.ObserverCategory,
	}
	QuorumPolicyFlag = &cli.StringFlag{
		Name:     "quorum.policy",
		Usage:    `Quorum counting policy ("equal" or "weighted")`,
		Value:    aggregator.EqualWeightPolicy,
		Category: flags.ObserverCategory,
	}
	AttestationTTLFlag = &cli.DurationFlag{
		Name:     "attestation.ttl",
		Usage:    "Pending attestation sets without progress expire after this long",
		Value:    params.DefaultAttestationTTL,
		Category: flags.ObserverCategory,
	}
	ValidationTimeoutFlag = &cli.DurationFlag{
		Name:     "observer.timeout",
		Usage:    "Upper bound for validating a single event",
		Value:    node.DefaultConfig.ValidationTimeout,
		Category: flags.ObserverCategory,
	}

	// Settlement
	SubmitWorkersFlag = &cli.IntFlag{
		Name:     "submit.workers",
		Usage:    "Number of concurrent settlement workers",
		Value:    params.DefaultSubmitWorkers,
		Category: flags.SubmitterCategory,
	}
	ConfirmTimeoutFlag = &cli.DurationFlag{
		Name:     "submit.confirmtimeout",
		Usage:    "Time allowed for a settlement transaction to be confirmed",
		Value:    params.DefaultConfirmTimeout,
		Category: flags.SubmitterCategory,
	}
	RetryAttemptsFlag = &cli.IntFlag{
		Name:     "retry.attempts",
		Usage:    "Attempts made for an operation failing with a transient error",
		Value:    params.DefaultRetryMaxAttempts,
		Category: flags.SubmitterCategory,
	}

	// Dev mode
	DeveloperFlag = &cli.BoolFlag{
		Name:     "dev",
		Usage:    "Ephemeral pair of in-memory chains with generated observers and deposits",
		Category: flags.DevCategory,
	}
	DeveloperPeriodFlag = &cli.DurationFlag{
		Name:     "dev.period",
		Usage:    "Deposit period for developer mode (0 = deposits on demand only)",
		Value:    node.DefaultConfig.DevPeriod,
		Category: flags.DevCategory,
	}

	// Attestation ingress
	HTTPEnabledFlag = &cli.BoolFlag{
		Name:     "http",
		Usage:    "Enable the attestation ingress HTTP-RPC server",
		Category: flags.APICategory,
	}
	HTTPListenAddrFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "HTTP-RPC server listening interface",
		Value:    "127.0.0.1",
		Category: flags.APICategory,
	}
	HTTPPortFlag = &cli.IntFlag{
		Name:     "http.port",
		Usage:    "HTTP-RPC server listening port",
		Value:    node.DefaultConfig.HTTPPort,
		Category: flags.APICategory,
	}
	HTTPCORSDomainFlag = &cli.StringFlag{
		Name:     "http.corsdomain",
		Usage:    "Comma separated list of domains from which to accept cross origin requests (browser enforced)",
		Value:    "",
		Category: flags.APICategory,
	}
	JWTSecretFlag = &cli.StringFlag{
		Name:     "http.jwtsecret",
		Usage:     "Path to a JWT secret shared by the aggregator ingress and its remote observers",
		Value:     "",
		TakesFile: true,
		Category:  flags.APICategory,
	}

	// Monitoring
	MonitorDisabledFlag = &cli.BoolFlag{
		Name:     "monitor.off",
		Usage:    "Disable the monitoring dashboard API",
		Category: flags.APICategory,
	}
	MonitorListenAddrFlag = &cli.StringFlag{
		Name:     "monitor.addr",
		Usage:    "Monitoring API listening interface",
		Value:    node.DefaultConfig.Monitor.Host,
		Category: flags.APICategory,
	}
	MonitorPortFlag = &cli.IntFlag{
		Name:     "monitor.port",
		Usage:    "Monitoring API listening port",
		Value:    node.DefaultConfig.Monitor.Port,
		Category: flags.APICategory,
	}
	MonitorRefreshFlag = &cli.DurationFlag{
		Name:     "monitor.refresh",
		Usage:    "Interval between monitoring snapshots",
		Value:    params.DefaultMonitorRefresh,
		Category: flags.APICategory,
	}

	// Metrics flags
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	MetricsEnabledExpensiveFlag = &cli.BoolFlag{
		Name:     "metrics.expensive",
		Usage:    "Enable expensive metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	// MetricsHTTPFlag defines the endpoint for a stand-alone metrics HTTP endpoint.
	// Since the pprof service enables sensitive/vulnerable behavior, this allows a user
	// to enable a public-OK metrics endpoint without having to worry about ALSO exposing
	// other profiling behavior or information.
	MetricsHTTPFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    "Enable stand-alone metrics HTTP server listening interface",
		Value:    node.DefaultConfig.Metrics.HTTP,
		Category: flags.MetricsCategory,
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    "Metrics HTTP server listening port",
		Value:    node.DefaultConfig.Metrics.Port,
		Category: flags.MetricsCategory,
	}
)

var (
	// ChainFlags is the flag group of the watched chains.
	ChainFlags = []cli.Flag{
		ChainEndpointsFlag,
		ConfirmationsFlag,
		PollIntervalFlag,
		RPCRateLimitFlag,
	}
	// MetricsFlags is the flag group of metrics collection.
	MetricsFlags = []cli.Flag{
		MetricsEnabledFlag,
		MetricsEnabledExpensiveFlag,
		MetricsHTTPFlag,
		MetricsPortFlag,
	}
)

// MakeDataDir retrieves the currently requested data directory, terminating
// if none (or the empty string) is specified.
func MakeDataDir(ctx *cli.Context) string {
	if path := ctx.String(DataDirFlag.Name); path != "" {
		return flags.ExpandPath(path)
	}
	Fatalf("Cannot determine default data directory, please set manually (--datadir)")
	return ""
}

// SplitAndTrim splits input separated by a comma
// and trims excessive white space from the substrings.
func SplitAndTrim(input string) (ret []string) {
	l := strings.Split(input, ",")
	for _, r := range l {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}

// SplitEndpointsFlag parses a list of <chainid>=<url> pairs. Entries that
// are malformed are reported as an error.
func SplitEndpointsFlag(input string) (map[uint64]string, error) {
	endpoints := make(map[uint64]string)
	for _, entry := range SplitAndTrim(input) {
		id, url, ok := strings.Cut(entry, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("invalid chain endpoint %q, want <chainid>=<url>", entry)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in %q: %v", entry, err)
		}
		endpoints[chainID] = strings.TrimSpace(url)
	}
	return endpoints, nil
}

// setHTTP creates the HTTP RPC listener interface string from the set
// command line flags, returning empty if the HTTP endpoint is disabled.
func setHTTP(ctx *cli.Context, cfg *node.Config) {
	if ctx.Bool(HTTPEnabledFlag.Name) && cfg.HTTPHost == "" {
		cfg.HTTPHost = "127.0.0.1"
		if ctx.IsSet(HTTPListenAddrFlag.Name) {
			cfg.HTTPHost = ctx.String(HTTPListenAddrFlag.Name)
		}
	}
	if ctx.IsSet(HTTPPortFlag.Name) {
		cfg.HTTPPort = ctx.Int(HTTPPortFlag.Name)
	}
	if ctx.IsSet(HTTPCORSDomainFlag.Name) {
		cfg.HTTPCors = SplitAndTrim(ctx.String(HTTPCORSDomainFlag.Name))
	}
	if ctx.IsSet(JWTSecretFlag.Name) {
		cfg.JWTSecret = ctx.String(JWTSecretFlag.Name)
	}
}

func setMonitor(ctx *cli.Context, cfg *node.Config) {
	if ctx.Bool(MonitorDisabledFlag.Name) {
		cfg.Monitor.Enabled = false
	}
	if ctx.IsSet(MonitorListenAddrFlag.Name) {
		cfg.Monitor.Host = ctx.String(MonitorListenAddrFlag.Name)
	}
	if ctx.IsSet(MonitorPortFlag.Name) {
		cfg.Monitor.Port = ctx.Int(MonitorPortFlag.Name)
	}
	if ctx.IsSet(MonitorRefreshFlag.Name) {
		cfg.Monitor.Refresh = ctx.Duration(MonitorRefreshFlag.Name)
	}
}

func setChains(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(ChainEndpointsFlag.Name) {
		endpoints, err := SplitEndpointsFlag(ctx.String(ChainEndpointsFlag.Name))
		if err != nil {
			Fatalf("Invalid --%s: %v", ChainEndpointsFlag.Name, err)
		}
		for id, url := range endpoints {
			found := false
			for i := range cfg.Chains {
				if cfg.Chains[i].ID == id {
					cfg.Chains[i].URL, found = url, true
				}
			}
			if !found {
				Fatalf("Endpoint given for unconfigured chain %d", id)
			}
		}
	}
	if ctx.IsSet(ConfirmationsFlag.Name) {
		cfg.Watcher.ConfirmationDepth = ctx.Uint64(ConfirmationsFlag.Name)
	}
	if ctx.IsSet(PollIntervalFlag.Name) {
		cfg.Watcher.PollInterval = ctx.Duration(PollIntervalFlag.Name)
	}
	if ctx.IsSet(RPCRateLimitFlag.Name) {
		cfg.ChainRPC.ReadRate = ctx.Float64(RPCRateLimitFlag.Name)
	}
}

func setAggregation(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(AggregatorURLFlag.Name) {
		cfg.AggregatorURL = ctx.String(AggregatorURLFlag.Name)
	}
	if ctx.IsSet(QuorumPolicyFlag.Name) {
		policy := ctx.String(QuorumPolicyFlag.Name)
		if _, err := aggregator.PolicyByName(policy); err != nil {
			Fatalf("Invalid --%s: %v", QuorumPolicyFlag.Name, err)
		}
		cfg.Aggregator.Policy = policy
	}
	if ctx.IsSet(AttestationTTLFlag.Name) {
		cfg.Aggregator.TTL = ctx.Duration(AttestationTTLFlag.Name)
	}
	if ctx.IsSet(ValidationTimeoutFlag.Name) {
		cfg.ValidationTimeout = ctx.Duration(ValidationTimeoutFlag.Name)
	}
	if ctx.IsSet(SubmitWorkersFlag.Name) {
		cfg.Submitter.Workers = ctx.Int(SubmitWorkersFlag.Name)
	}
	if ctx.IsSet(ConfirmTimeoutFlag.Name) {
		cfg.Submitter.ConfirmTimeout = ctx.Duration(ConfirmTimeoutFlag.Name)
	}
	if ctx.IsSet(RetryAttemptsFlag.Name) {
		cfg.Retry.MaxAttempts = ctx.Int(RetryAttemptsFlag.Name)
	}
}

// SetMetricsConfig applies the metrics flags to the config.
func SetMetricsConfig(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(MetricsEnabledFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(MetricsEnabledFlag.Name)
	}
	if ctx.IsSet(MetricsEnabledExpensiveFlag.Name) {
		cfg.Metrics.EnabledExpensive = ctx.Bool(MetricsEnabledExpensiveFlag.Name)
	}
	if ctx.IsSet(MetricsHTTPFlag.Name) {
		cfg.Metrics.HTTP = ctx.String(MetricsHTTPFlag.Name)
	}
	if ctx.IsSet(MetricsPortFlag.Name) {
		cfg.Metrics.Port = ctx.Int(MetricsPortFlag.Name)
	}
}

// SetNodeConfig applies node-related command line flags to the config.
func SetNodeConfig(ctx *cli.Context, cfg *node.Config) {
	CheckExclusive(ctx, DeveloperFlag, AggregatorURLFlag)

	SetDataDir(ctx, cfg)
	setChains(ctx, cfg)
	setAggregation(ctx, cfg)
	setHTTP(ctx, cfg)
	setMonitor(ctx, cfg)
	SetMetricsConfig(ctx, cfg)

	if ctx.IsSet(CacheFlag.Name) {
		cfg.DatabaseCache = ctx.Int(CacheFlag.Name)
	}
	if cfg.DataDir != "" {
		cfg.DatabaseHandles = MakeDatabaseHandles(ctx.Int(FDLimitFlag.Name))
	}
	if ctx.Bool(DeveloperFlag.Name) {
		cfg.Dev = true
		cfg.DevPeriod = ctx.Duration(DeveloperPeriodFlag.Name)
	}
}

func SetDataDir(ctx *cli.Context, cfg *node.Config) {
	switch {
	case ctx.IsSet(DataDirFlag.Name):
		cfg.DataDir = MakeDataDir(ctx)
	case ctx.Bool(DeveloperFlag.Name):
		cfg.DataDir = "" // unless explicitly requested, use memory databases
	}
}

// MakeDatabaseHandles raises out the number of allowed file handles per process
// for gbridge and returns half of the allowance to assign to the database.
func MakeDatabaseHandles(max int) int {
	limit, err := fdlimit.Maximum()
	if err != nil {
		Fatalf("Failed to retrieve file descriptor allowance: %v", err)
	}
	switch {
	case max == 0:
		// User didn't specify a meaningful value, use system limits
	case max < 128:
		// User specified something unhealthy, just use system defaults
		log.Error("File descriptor limit invalid (<128)", "had", max, "updated", limit)
	case max > limit:
		// User requested more than the OS allows, notify that we can't allocate it
		log.Warn("Requested file descriptors denied by OS", "req", max, "limit", limit)
	default:
		// User limit is meaningful and within allowed range, use that
		limit = max
	}
	raised, err := fdlimit.Raise(uint64(limit))
	if err != nil {
		Fatalf("Failed to raise file descriptor allowance: %v", err)
	}
	return int(raised / 2) // Leave half for the chain connections and servers
}

// CheckExclusive verifies that only a single instance of the provided flags was
// set by the user. Each flag might optionally be followed by a string type to
// specialize it further.
func CheckExclusive(ctx *cli.Context, args ...interface{}) {
	set := make([]string, 0, 1)
	for i := 0; i < len(args); i++ {
		// Make sure the next argument is a flag and skip if not set
		flag, ok := args[i].(cli.Flag)
		if !ok {
			panic(fmt.Sprintf("invalid argument, not cli.Flag type: %T", args[i]))
		}
		// Check if next arg extends current and expand its name if so
		name := flag.Names()[0]

		if i+1 < len(args) {
			switch option := args[i+1].(type) {
			case string:
				// Extended flag check, make sure value set doesn't conflict with passed in option
				if ctx.String(flag.Names()[0]) == option {
					name += "=" + option
					set = append(set, "--"+name)
				}
				// shift arguments and continue
				i++
				continue

			case cli.Flag:
			default:
				panic(fmt.Sprintf("invalid argument, not cli.Flag or string extension: %T", args[i+1]))
			}
		}
		// Mark the flag if it's set
		if ctx.IsSet(flag.Names()[0]) {
			set = append(set, "--"+name)
		}
	}
	if len(set) > 1 {
		Fatalf("Flags %v can't be used at the same time", strings.Join(set, ", "))
	}
}

