package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/monitor"
	"github.com/urfave/cli/v2"
)

var (
	monitorURLFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "Monitoring API of the node to query",
		Value: "http://127.0.0.1:8547",
	}
	statusTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Time allowed for the query",
		Value: 5 * time.Second,
	}
	statusCommand = &cli.Command{
		Action:    showStatus,
		Name:      "status",
		Usage:     "Show the monitoring snapshot of a running node",
		ArgsUsage: " ",
		Flags:     []cli.Flag{monitorURLFlag, statusTimeoutFlag},
		Description: `
The status command fetches the latest monitoring snapshot from the
monitoring API of a running node and renders it as tables.`,
	}
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func showStatus(ctx *cli.Context) error {
	c, cancel := context.WithTimeout(ctx.Context, ctx.Duration(statusTimeoutFlag.Name))
	defer cancel()

	snap, err := fetchSnapshot(c, ctx.String(monitorURLFlag.Name))
	if err != nil {
		return err
	}
	renderSnapshot(color.Output, snap)
	return nil
}

func fetchSnapshot(ctx context.Context, url string) (*monitor.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/api/snapshot", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitoring API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("monitoring API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var snap monitor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return &snap, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func renderSnapshot(w io.Writer, snap *monitor.Snapshot) {
	fmt.Fprintf(w, "%s %s (version %s)\n\n", bold("Bridge status at"), snap.Time.Format(time.RFC3339), snap.Version)

	fmt.Fprintln(w, bold("Gateways"))
	gateways := newTable(w, "Chain", "Gateway", "Threshold", "Reachable", "Height", "Error")
	for _, g := range snap.Gateways {
		reachable := green("yes")
		if !g.Reachable {
			reachable = red("no")
		}
		gateways.Append([]string{
			strconv.FormatUint(g.ChainID, 10), g.Address.Hex(), strconv.FormatUint(g.Threshold, 10),
			reachable, strconv.FormatUint(g.Height, 10), g.Error,
		})
	}
	gateways.Render()

	fmt.Fprintln(w, bold("\nChains"))
	chains := newTable(w, "Chain", "Processed", "Finalized", "Head", "Pending", "Queued", "State")
	for _, c := range snap.Chains {
		state := green("ok")
		if c.Stalled {
			state = red("stalled")
		} else if c.LastError != "" {
			state = yellow(c.LastError)
		}
		chains.Append([]string{
			strconv.FormatUint(c.ChainID, 10),
			strconv.FormatUint(c.Checkpoint.LastProcessedHeight, 10),
			strconv.FormatUint(c.Checkpoint.LastFinalizedHeight, 10),
			strconv.FormatUint(c.Head, 10), strconv.Itoa(c.Pending), strconv.Itoa(c.Queued), state,
		})
	}
	chains.Render()

	fmt.Fprintln(w, bold("\nObservers"))
	observers := newTable(w, "Observer", "Status", "Latency", "Last height", "Validations", "Rejections", "Errors", "Weight")
	for _, o := range snap.Observers {
		observers.Append([]string{
			o.ID, healthColor(o.Health), o.Latency.String(), strconv.FormatUint(o.LastProcessedHeight, 10),
			strconv.FormatUint(o.Validations, 10), strconv.FormatUint(o.Rejections, 10),
			strconv.FormatUint(o.Errors, 10), strconv.FormatUint(o.Weight, 10),
		})
	}
	observers.Render()

	tx := snap.Transactions
	fmt.Fprintf(w, "\n%s pending %d, submitted %d, completed %s, failed %s, avg confirmation %v\n",
		bold("Settlements:"), tx.Pending, tx.Submitted, green(tx.Completed), failedColor(tx.Failed), tx.AvgConfirmation)
	if len(tx.FailuresByCode) > 0 {
		codes := make([]string, 0, len(tx.FailuresByCode))
		for code := range tx.FailuresByCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %s: %d\n", code, tx.FailuresByCode[code])
		}
	}

	if len(snap.Alerts) == 0 {
		fmt.Fprintf(w, "\n%s none\n", bold("Alerts:"))
		return
	}
	fmt.Fprintln(w, bold("\nAlerts"))
	alerts := newTable(w, "Severity", "Code", "Subject", "Message", "Raised")
	for _, a := range snap.Alerts {
		alerts.Append([]string{severityColor(a.Severity), a.Code, a.Subject, a.Message, a.RaisedAt.Format(time.RFC3339)})
	}
	alerts.Render()
}

func healthColor(health string) string {
	switch health {
	case types.Healthy.String():
		return green(health)
	case types.Degraded.String():
		return yellow(health)
	}
	return red(health)
}

func failedColor(n int) string {
	if n == 0 {
		return strconv.Itoa(n)
	}
	return red(n)
}

func severityColor(s monitor.Severity) string {
	switch s {
	case monitor.SeverityCritical:
		return red(string(s))
	case monitor.SeverityWarning:
		return yellow(string(s))
	}
	return string(s)
}
