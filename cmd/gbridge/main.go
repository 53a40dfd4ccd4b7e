// Copyright 2014 The go-ethereum Authors
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

// gbridge is the command-line client of the bridge observer network.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge/cmd/utils"
	"github.com/tos-network/gbridge/internal/debug"
	"github.com/tos-network/gbridge/internal/flags"
	"github.com/urfave/cli/v2"
)

const (
	clientIdentifier = "gbridge" // Client identifier to advertise in logs and version output
)

var (
	// Git SHA1 commit hash of the release (set via linker flags)
	gitCommit = ""
	gitDate   = ""
	// The app that holds all commands and flags.
	app = flags.NewApp(gitCommit, gitDate, "the bridge observer and settlement node")
	// flags that configure the node
	nodeFlags = flags.Merge([]cli.Flag{
		configFileFlag,
		utils.DataDirFlag,
		utils.CacheFlag,
		utils.FDLimitFlag,
		utils.AggregatorURLFlag,
		utils.QuorumPolicyFlag,
		utils.AttestationTTLFlag,
		utils.ValidationTimeoutFlag,
		utils.SubmitWorkersFlag,
		utils.ConfirmTimeoutFlag,
		utils.RetryAttemptsFlag,
		utils.DeveloperFlag,
		utils.DeveloperPeriodFlag,
	}, utils.ChainFlags)

	apiFlags = []cli.Flag{
		utils.HTTPEnabledFlag,
		utils.HTTPListenAddrFlag,
		utils.HTTPPortFlag,
		utils.HTTPCORSDomainFlag,
		utils.JWTSecretFlag,
		utils.MonitorDisabledFlag,
		utils.MonitorListenAddrFlag,
		utils.MonitorPortFlag,
		utils.MonitorRefreshFlag,
	}
)

func init() {
	// Initialize the CLI app and start gbridge
	app.Action = gbridgeMain
	app.Commands = []*cli.Command{
		// See config.go
		dumpConfigCommand,
		// See statuscmd.go
		statusCommand,
		verifyCommand,
		// See dbcmd.go
		dbCommand,
		// See misccmd.go
		versionCommand,
		licenseCommand,
	}
	app.Flags = flags.Merge(
		nodeFlags,
		apiFlags,
		utils.MetricsFlags,
		debug.Flags,
	)
	app.Before = func(ctx *cli.Context) error {
		return debug.Setup(ctx)
	}
	app.After = func(ctx *cli.Context) error {
		debug.Exit()
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// gbridgeMain is the main entry point into the system if no special subcommand is
// run. It creates a default node based on the command line arguments and runs
// it in blocking mode, waiting for it to be shut down.
func gbridgeMain(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	stack := makeNode(ctx)
	defer stack.Close()

	utils.StartNode(stack)
	if err := stack.Wait(); err != nil {
		log.Error("Bridge node terminated", "err", err)
		return err
	}
	return nil
}
