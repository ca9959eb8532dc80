// Package verify implements the verification gate described by spec.md
// §4.7: per-check evidence tracking keyed by checkName, a level-based
// required-check evaluator, and a shell-command runner whose results feed
// the evidence ledger.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/ledger"
)

// mutationTools invalidate a session's prior verification evidence: any
// check run before the most recent mutation no longer satisfies evaluate.
var mutationTools = map[string]bool{
	"edit":       true,
	"multi_edit": true,
	"write":      true,
}

// CommandSpec is one configured verification command.
type CommandSpec struct {
	Name      string   `json:"name"`
	Command   []string `json:"command"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// CheckRun is the latest recorded outcome for one check in one session.
type CheckRun struct {
	Name      string
	OK        bool
	Timestamp int64
}

// CheckStatus is one check's evaluation outcome, part of Report.
type CheckStatus struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Satisfied bool   `json:"satisfied"`
	Timestamp int64  `json:"timestamp"`
}

// Report is the result of Evaluate.
type Report struct {
	Passed          bool          `json:"passed"`
	MissingEvidence []string      `json:"missingEvidence,omitempty"`
	Checks          []CheckStatus `json:"checks"`
}

// Gate tracks per-session, per-check verification evidence.
type Gate struct {
	workspaceDir string
	ledger       *ledger.Ledger
	levels       map[string][]string
	commands     map[string]CommandSpec

	mu          sync.Mutex
	lastRun     map[string]map[string]CheckRun
	lastWriteAt map[string]int64
}

// New creates a verification gate. levels maps a level name (e.g. "standard")
// to the ordered list of check names required to pass it; commands maps a
// check name to the shell command that produces its evidence.
func New(workspaceDir string, led *ledger.Ledger, levels map[string][]string, commands map[string]CommandSpec) *Gate {
	return &Gate{
		workspaceDir: workspaceDir,
		ledger:       led,
		levels:       levels,
		commands:     commands,
		lastRun:      make(map[string]map[string]CheckRun),
		lastWriteAt:  make(map[string]int64),
	}
}

// MarkCall notifies the gate that tool was called in sessionId. Mutation
// tools bump lastWriteAt, invalidating any evidence recorded before now.
func (g *Gate) MarkCall(sessionID, tool string) {
	if !mutationTools[tool] {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastWriteAt[sessionID] = time.Now().UnixMilli()
}

// RecordCheck stores a check outcome both in-memory (for fast Evaluate
// lookups) and as an evidence ledger row.
func (g *Gate) RecordCheck(sessionID, checkName string, turn int, ok bool, outputSummary, fullOutput string) (*ledger.Row, error) {
	now := time.Now().UnixMilli()

	g.mu.Lock()
	runs, exists := g.lastRun[sessionID]
	if !exists {
		runs = make(map[string]CheckRun)
		g.lastRun[sessionID] = runs
	}
	runs[checkName] = CheckRun{Name: checkName, OK: ok, Timestamp: now}
	g.mu.Unlock()

	if g.ledger == nil {
		return nil, nil
	}

	verdict := ledger.VerdictFail
	if ok {
		verdict = ledger.VerdictPass
	}

	return g.ledger.Append(ledger.AppendInput{
		SessionID:     sessionID,
		Turn:          turn,
		Tool:          checkName,
		OutputSummary: outputSummary,
		FullOutput:    fullOutput,
		Verdict:       verdict,
		Timestamp:     now,
	})
}

// Evaluate reports whether sessionId satisfies level's required checks. A
// check is satisfied iff its latest recorded run is ok and was recorded at
// or after the session's last mutating tool call.
func (g *Gate) Evaluate(sessionID, level string) Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	required := g.levels[level]
	lastWrite := g.lastWriteAt[sessionID]
	runs := g.lastRun[sessionID]

	report := Report{Passed: true}
	for _, name := range required {
		run, ok := runs[name]
		satisfied := ok && run.OK && run.Timestamp >= lastWrite
		report.Checks = append(report.Checks, CheckStatus{
			Name:      name,
			OK:        ok && run.OK,
			Satisfied: satisfied,
			Timestamp: run.Timestamp,
		})
		if !satisfied {
			report.Passed = false
			report.MissingEvidence = append(report.MissingEvidence, name)
		}
	}
	return report
}

// RunVerificationCommands executes the named checks' configured shell
// commands in the workspace with a timeout, recording each result as an
// evidence ledger row. A timed-out command is terminated and its partial
// output is recorded with verdict fail.
func (g *Gate) RunVerificationCommands(ctx context.Context, sessionID string, turn int, checkNames []string) ([]CheckStatus, error) {
	var out []CheckStatus
	for _, name := range checkNames {
		spec, ok := g.commands[name]
		if !ok {
			return nil, fmt.Errorf("verify: no command configured for check %q", name)
		}

		ok, summary, full := g.runOne(ctx, spec)
		if _, err := g.RecordCheck(sessionID, name, turn, ok, summary, full); err != nil {
			return nil, err
		}
		out = append(out, CheckStatus{Name: name, OK: ok, Satisfied: ok, Timestamp: time.Now().UnixMilli()})
	}
	return out, nil
}

func (g *Gate) runOne(ctx context.Context, spec CommandSpec) (ok bool, summary, full string) {
	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(spec.Command) == 0 {
		return false, "no command configured", ""
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = g.workspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		if output == "" {
			output = "command timed out"
		} else {
			output += "\n(terminated: timed out)"
		}
		return false, truncate(output, 200), output
	}

	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return false, truncate(output, 200), output
	}

	return true, truncate(output, 200), output
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
