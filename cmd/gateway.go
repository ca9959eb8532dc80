package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/gateway"
	"github.com/brewva/brewva/internal/runtime"
	"github.com/brewva/brewva/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the loopback WebSocket gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// gatewayBroadcaster defers to a *gateway.Server constructed after the
// runtime.Manager that needs it, breaking the construction-order cycle:
// Manager needs a broadcaster at construction time, Server needs a
// SessionBackend (the Manager) at its own construction time.
type gatewayBroadcaster struct {
	server *gateway.Server
}

func (b *gatewayBroadcaster) BroadcastToSession(sessionID string, ev *protocol.EventFrame) {
	if b.server == nil {
		return
	}
	b.server.BroadcastToSession(sessionID, ev)
}

func runGateway() {
	runtime.ConfigureLogging(flagVerbose)

	workspaceDir := resolveWorkspaceDir()
	cfg := loadConfigOrExit(workspaceDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Gateway.Token == "" && cfg.Gateway.TokenFilePath == "" {
		cfg.Gateway.TokenFilePath = filepath.Join(workspaceDir, config.StateDirName, "gateway.token")
	}

	bc := &gatewayBroadcaster{}
	mgr := buildManager(cfg, workspaceDir, bc)
	defer mgr.Close()

	srv, err := gateway.NewServer(cfg.Gateway, mgr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	bc.server = srv

	watcher := startConfigWatcher(ctx, cfg, workspaceDir)
	if watcher != nil {
		defer watcher.Stop()
	}

	mgr.Start(ctx)

	slog.Info("gateway: listening", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startConfigWatcher wires fsnotify-driven hot reload for the config
// file backing cfg, logging instead of failing the whole process if the
// watch can't start (the gateway still runs fine on its initially
// loaded config).
func startConfigWatcher(ctx context.Context, cfg *config.Config, workspaceDir string) *config.Watcher {
	w := config.NewWatcher(resolveConfigPath(workspaceDir), cfg)
	if err := w.Start(ctx); err != nil {
		slog.Warn("gateway: config watcher failed to start", "error", err)
		return nil
	}
	return w
}
