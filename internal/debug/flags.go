// Package debug configures the process wide logger from command line flags.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/tos-network/gbridge/internal/flags"
	"github.com/urfave/cli/v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	vmoduleFlag = &cli.StringFlag{
		Name:     "log.vmodule",
		Usage:    "Per-module verbosity: comma-separated list of <pattern>=<level> (e.g. watcher/*=5,submitter=4)",
		Value:    "",
		Category: flags.LoggingCategory,
	}
	logjsonFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs with JSON",
		Category: flags.LoggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file instead of stderr",
		Category: flags.LoggingCategory,
	}
)

// Flags holds all command-line flags required for debugging.
var Flags = []cli.Flag{
	verbosityFlag,
	vmoduleFlag,
	logjsonFlag,
	logFileFlag,
}

var (
	mu      sync.Mutex
	logFile *os.File
)

// Setup initializes logging based on the CLI flags. It should be called as
// early as possible in the program.
func Setup(ctx *cli.Context) error {
	var (
		output   io.Writer = os.Stderr
		useColor           = useColorTerminal(os.Stderr)
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		f, err := openLogFile(file)
		if err != nil {
			return err
		}
		output, useColor = f, false
	} else if useColor {
		output = colorable.NewColorableStderr()
	}
	var glogger *log.GlogHandler
	if ctx.Bool(logjsonFlag.Name) {
		glogger = log.NewGlogHandler(log.JSONHandler(output))
	} else {
		glogger = log.NewGlogHandler(log.NewTerminalHandler(output, useColor))
	}
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	if err := glogger.Vmodule(ctx.String(vmoduleFlag.Name)); err != nil {
		return fmt.Errorf("invalid --%s: %w", vmoduleFlag.Name, err)
	}
	log.SetDefault(log.NewLogger(glogger))
	return nil
}

// Exit closes the log file, if any. It should be called before the process
// terminates.
func Exit() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func useColorTerminal(f *os.File) bool {
	fd := f.Fd()
	return (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("TERM") != "dumb"
}

func openLogFile(file string) (*os.File, error) {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	return f, nil
}
