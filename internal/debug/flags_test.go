package debug

import (
	"bufio"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	app := cli.NewApp()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range Flags {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cli.NewContext(app, set, nil)
}

func TestJSONLogFile(t *testing.T) {
	defer log.SetDefault(log.Root())

	file := filepath.Join(t.TempDir(), "logs", "bridge.log")
	ctx := newContext(t, "--log.json", "--log.file", file, "--verbosity", "4")
	if err := Setup(ctx); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	log.Debug("Settlement confirmed", "chain", 2)
	log.Trace("Hidden at verbosity 4")
	Exit()

	f, err := os.Open(file)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not json: %q: %v", scanner.Text(), err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 1 {
		t.Fatalf("log line count mismatch: have %d want 1", len(lines))
	}
	if msg, _ := lines[0]["msg"].(string); !strings.Contains(msg, "Settlement confirmed") {
		t.Fatalf("message mismatch: have %q", msg)
	}
}

func TestInvalidVmodule(t *testing.T) {
	defer log.SetDefault(log.Root())

	ctx := newContext(t, "--log.vmodule", "watcher=notalevel")
	if err := Setup(ctx); err == nil {
		t.Fatal("expected error for malformed vmodule")
	}
}
