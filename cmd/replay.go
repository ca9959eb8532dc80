package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/brewva/brewva/internal/eventstore"
	"github.com/brewva/brewva/internal/ledger"
)

// runReplay prints --session's event store and evidence ledger to
// stdout without mutating any state, for post-hoc debugging.
func runReplay() {
	if flagSession == "" {
		fmt.Fprintln(os.Stderr, "Error: --replay requires --session")
		os.Exit(1)
	}

	workspaceDir := resolveWorkspaceDir()
	events := eventstore.New(workspaceDir, true)
	led := ledger.New(workspaceDir)

	records, err := events.Query(flagSession, eventstore.QueryOpts{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rows, err := led.Rows(flagSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	verify, err := led.VerifyChain(flagSession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if flagMode == "json" {
		printReplayJSON(records, rows, verify)
		return
	}
	printReplayText(records, rows, verify)
}

func printReplayJSON(records []eventstore.EventRecord, rows []ledger.Row, verify ledger.VerifyResult) {
	out := struct {
		Events []eventstore.EventRecord `json:"events"`
		Ledger []ledger.Row             `json:"ledger"`
		Verify ledger.VerifyResult      `json:"verify"`
	}{records, rows, verify}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}

func printReplayText(records []eventstore.EventRecord, rows []ledger.Row, verify ledger.VerifyResult) {
	fmt.Printf("session %s — %d events, %d ledger rows, chain valid=%v", flagSession, len(records), len(rows), verify.Valid)
	if !verify.Valid {
		fmt.Printf(" (%s)", verify.Reason)
	}
	fmt.Println()
	fmt.Println("--- events ---")
	for _, e := range records {
		fmt.Printf("[%d] %s type=%s turn=%v\n", e.Timestamp, e.ID, e.Type, e.Turn)
	}
	fmt.Println("--- ledger ---")
	for _, r := range rows {
		fmt.Printf("[%d] turn=%d tool=%s verdict=%s\n", r.Timestamp, r.Turn, r.Tool, r.Verdict)
	}
}
