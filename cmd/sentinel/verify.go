package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// runVerify re-validates an exported audit snapshot offline: hash links,
// sequence continuity and per-entry digests. It never talks to the server,
// so it can be run against a snapshot pulled from cold storage.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapshot := fs.String("snapshot", "", "path to an exported audit snapshot (JSON array of entries)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *snapshot == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -snapshot is required")
		return 1
	}

	raw, err := os.ReadFile(*snapshot)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	var entries []audit.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		_, _ = fmt.Fprintln(stderr, "verify: decode snapshot:", err)
		return 1
	}

	if err := audit.VerifyEntries(entries); err != nil {
		_, _ = fmt.Fprintln(stderr, "INTEGRITY BREAK:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain intact: %d entries\n", len(entries))
	return 0
}
