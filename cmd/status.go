package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/runtime"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print live session and backlog status",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	runtime.ConfigureLogging(flagVerbose)
	workspaceDir := resolveWorkspaceDir()
	cfg := loadConfigOrExit(workspaceDir)

	mgr := buildManager(cfg, workspaceDir, nil)
	defer mgr.Close()

	result, err := mgr.StatusDeep(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
