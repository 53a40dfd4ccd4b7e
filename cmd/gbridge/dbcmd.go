package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/cmd/utils"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/params"
	"github.com/urfave/cli/v2"
)

var (
	setStatusFlag = &cli.StringFlag{
		Name:  "status",
		Usage: "Only list sets with this status (pending, complete, expired, invalidated)",
	}
	dbCommand = &cli.Command{
		Name:      "db",
		Usage:     "Offline bridge database operations",
		ArgsUsage: "",
		Subcommands: []*cli.Command{
			dbFailuresCmd,
			dbSetsCmd,
			dbReopenCmd,
		},
	}
	dbFailuresCmd = &cli.Command{
		Action:    dbFailures,
		Name:      "failures",
		Usage:     "List terminal failures awaiting reconciliation",
		ArgsUsage: " ",
		Flags:     []cli.Flag{configFileFlag, utils.DataDirFlag},
	}
	dbSetsCmd = &cli.Command{
		Action:    dbSets,
		Name:      "sets",
		Usage:     "List stored attestation sets",
		ArgsUsage: " ",
		Flags:     []cli.Flag{configFileFlag, utils.DataDirFlag, setStatusFlag},
	}
	dbReopenCmd = &cli.Command{
		Action:    dbReopen,
		Name:      "reopen",
		Usage:     "Reopen an expired attestation set",
		ArgsUsage: "<chainid/txhash/logindex>",
		Flags:     []cli.Flag{configFileFlag, utils.DataDirFlag},
		Description: `
Moves an expired attestation set back to pending and clears its failure
record, so that late attestations can still complete it. The node must be
stopped while the database is modified.`,
	}
)

// openDatabase opens the bridge database of the configured data directory.
func openDatabase(ctx *cli.Context, readonly bool) bridgedb.KeyValueStore {
	cfg := makeConfig(ctx)
	path := cfg.DatabasePath()
	if path == "" {
		utils.Fatalf("No data directory configured (--datadir)")
	}
	db, err := rawdb.NewLevelDBDatabase(path, cfg.DatabaseCache, utils.MakeDatabaseHandles(0), readonly)
	if err != nil {
		utils.Fatalf("Could not open database: %v", err)
	}
	return db
}

func dbFailures(ctx *cli.Context) error {
	db := openDatabase(ctx, true)
	defer db.Close()

	listFailures(color.Output, db)
	return nil
}

func dbSets(ctx *cli.Context) error {
	var filter *types.SetStatus
	if name := ctx.String(setStatusFlag.Name); name != "" {
		status, err := parseSetStatus(name)
		if err != nil {
			return err
		}
		filter = &status
	}
	db := openDatabase(ctx, true)
	defer db.Close()

	listSets(color.Output, db, filter)
	return nil
}

func dbReopen(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("need exactly one event key, have %d arguments", ctx.NArg())
	}
	key, err := types.ParseEventKey(ctx.Args().First())
	if err != nil {
		return err
	}
	db := openDatabase(ctx, false)
	defer db.Close()

	if err := aggregator.ReopenStored(db, key, time.Now()); err != nil {
		return err
	}
	fmt.Println("Reopened", key)
	return nil
}

func listFailures(w io.Writer, db bridgedb.Iteratee) {
	failures := rawdb.ReadAllFailures(db)
	sort.Slice(failures, func(i, j int) bool { return failures[i].At < failures[j].At })

	table := newTable(w, "Event", "Code", "Reason", "At")
	for _, f := range failures {
		table.Append([]string{f.Key.String(), red(string(f.Code)), f.Reason, formatMillis(f.At)})
	}
	table.Render()
}

func listSets(w io.Writer, db bridgedb.Iteratee, filter *types.SetStatus) {
	sets := rawdb.ReadAllAttestationSets(db)
	sort.Slice(sets, func(i, j int) bool {
		if sets[i].Key.ChainID != sets[j].Key.ChainID {
			return sets[i].Key.ChainID < sets[j].Key.ChainID
		}
		return sets[i].BlockHeight < sets[j].BlockHeight
	})
	table := newTable(w, "Event", "Height", "Status", "Round", "Signatures", "Threshold", "Updated")
	for _, set := range sets {
		if filter != nil && set.Status != *filter {
			continue
		}
		table.Append([]string{
			set.Key.String(), strconv.FormatUint(set.BlockHeight, 10), set.Status.String(),
			strconv.FormatUint(set.Round, 10), strconv.Itoa(len(set.Attestations)),
			strconv.FormatUint(set.Threshold, 10), formatMillis(set.UpdatedAt),
		})
	}
	table.Render()
}

func parseSetStatus(name string) (types.SetStatus, error) {
	for _, s := range []types.SetStatus{types.SetPending, types.SetComplete, types.SetExpired, types.SetInvalidated} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown set status %q", name)
}

func formatMillis(ms uint64) string {
	if ms == 0 {
		return "-"
	}
	return params.UnixTimestampToTime(ms).UTC().Format(time.RFC3339)
}
