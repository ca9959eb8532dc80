package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/brewva/brewva/internal/channelsched"
	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/gateway"
	"github.com/brewva/brewva/internal/runtime"
	"github.com/brewva/brewva/internal/toolaccess"
	"github.com/brewva/brewva/pkg/protocol"
)

// echoRunner is the CLI's built-in stand-in for the Agent Session port.
// The real LLM loop (message streaming, tool registration, compaction
// decisions) is an external collaborator per spec.md §1; an embedder
// wires a real channelsched.AgentRunner into runtime.New in place of
// this one. It exists so the CLI is runnable standalone for smoke
// testing the orchestrator's own plumbing.
type echoRunner struct{}

func (echoRunner) RunTurn(ctx context.Context, sessionID string, turn channelsched.InboundTurn) (channelsched.RunResult, error) {
	return channelsched.RunResult{
		AssistantText: fmt.Sprintf("[no agent session configured] received: %s", turn.Text),
	}, nil
}

type noopChannelPort struct{}

func (noopChannelPort) SendOutbound(ctx context.Context, channel, conversationID string, seq int, text string) error {
	return nil
}

// cliBroadcaster funnels a Manager's pushed events into a channel so the
// CLI's one-shot/interactive modes can block until a turn finishes
// without polling.
type cliBroadcaster struct {
	ch chan *protocol.EventFrame
}

func newCLIBroadcaster() *cliBroadcaster {
	return &cliBroadcaster{ch: make(chan *protocol.EventFrame, 16)}
}

func (b *cliBroadcaster) BroadcastToSession(sessionID string, ev *protocol.EventFrame) {
	b.ch <- ev
}

func buildManager(cfg *config.Config, workspaceDir string, bc runtime.EventBroadcaster) *runtime.Manager {
	if flagNoExtensions {
		cfg.ToolAccess.Mode = toolaccess.ModeStrict
	}
	mgr, err := runtime.New(cfg, workspaceDir, echoRunner{}, noopChannelPort{}, bc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return mgr
}

func runRoot() {
	runtime.ConfigureLogging(flagVerbose)

	if flagReplay {
		runReplay()
		return
	}

	workspaceDir := resolveWorkspaceDir()
	cfg := loadConfigOrExit(workspaceDir)

	prompt, err := resolvePrompt()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	bc := newCLIBroadcaster()
	mgr := buildManager(cfg, workspaceDir, bc)
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sessionID := flagSession
	if sessionID == "" {
		res, err := mgr.OpenSession(ctx, gateway.OpenSessionParams{Cwd: workspaceDir, TaskID: flagTask})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sessionID = res.SessionID
	}

	if flagInteractive {
		runInteractive(ctx, mgr, bc, sessionID)
		return
	}

	if prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: no prompt given; pass --print, --task, --task-file, or --interactive")
		os.Exit(1)
	}

	if err := sendAndAwait(ctx, mgr, bc, sessionID, prompt); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolvePrompt() (string, error) {
	if flagPrint != "" {
		return flagPrint, nil
	}
	if flagTaskFile != "" {
		data, err := os.ReadFile(flagTaskFile)
		if err != nil {
			return "", fmt.Errorf("read task file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return flagTask, nil
}

func runInteractive(ctx context.Context, mgr *runtime.Manager, bc *cliBroadcaster, sessionID string) {
	fmt.Fprintf(os.Stderr, "brewva session %s — type \"exit\" to quit\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			os.Exit(130)
		default:
		}

		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err := sendAndAwait(ctx, mgr, bc, sessionID, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// sendAndAwait sends one turn and blocks on the broadcaster channel until
// that turn's end or error event arrives, printing the reply per
// --mode. If --undo is set, the envelope carries an undo marker the
// wired Agent Session port is expected to honor (e.g. by invoking its
// own rollback_last_patch tool) before processing the new prompt.
func sendAndAwait(ctx context.Context, mgr *runtime.Manager, bc *cliBroadcaster, sessionID, text string) error {
	attachments := []string(nil)
	if flagUndo {
		attachments = append(attachments, "undo:rollback_last_patch")
	}

	if err := mgr.SendTurn(ctx, gateway.SendParams{SessionID: sessionID, Text: text, Attachments: attachments}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-bc.ch:
			switch ev.Event {
			case protocol.EventSessionTurnChunk:
				printReply(ev.Payload)
			case protocol.EventSessionTurnEnd:
				return nil
			case protocol.EventSessionTurnError:
				return fmt.Errorf("turn failed: %v", ev.Payload)
			}
		case <-time.After(60 * time.Second):
			return fmt.Errorf("timed out waiting for a turn reply")
		}
	}
}

func printReply(payload any) {
	if flagMode == "json" {
		data, err := json.Marshal(payload)
		if err == nil {
			fmt.Println(string(data))
			return
		}
	}
	m, ok := payload.(map[string]any)
	if !ok {
		fmt.Println(payload)
		return
	}
	if text, ok := m["text"].(string); ok {
		fmt.Println(text)
	}
}
