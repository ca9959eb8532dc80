// Package cmd implements the orchestrator's command-line surface:
// cobra subcommands over the internal/runtime façade. The agent's own
// LLM session is an external collaborator (spec.md §1); the root
// command's one-shot/interactive modes drive it through a built-in
// echo stand-in (echoRunner); an embedder supplies a real implementation
// by passing its own AgentRunner to runtime.New.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/config"
)

var (
	flagCwd          string
	flagConfig       string
	flagModel        string
	flagTask         string
	flagTaskFile     string
	flagPrint        string
	flagInteractive  bool
	flagMode         string
	flagUndo         bool
	flagReplay       bool
	flagSession      string
	flagNoExtensions bool
	flagVerbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "brewva",
	Short: "brewva — AI coding-agent runtime orchestrator",
	Long:  "brewva: event ledger, context injection pipeline, turn WAL, channel bridge scheduler, and loopback gateway protocol server for an AI coding agent.",
	Run: func(cmd *cobra.Command, args []string) {
		runRoot()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCwd, "cwd", "", "working directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: <cwd>/.orchestrator/config.json5 or $BREWVA_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "model name (parsed but not read by any command)")
	rootCmd.PersistentFlags().StringVar(&flagTask, "task", "", "one-shot task prompt")
	rootCmd.PersistentFlags().StringVar(&flagTaskFile, "task-file", "", "read the task prompt from a file")
	rootCmd.PersistentFlags().StringVar(&flagPrint, "print", "", "print mode: send this prompt and print the reply, then exit")
	rootCmd.PersistentFlags().BoolVar(&flagInteractive, "interactive", false, "read prompts from stdin in a REPL loop")
	rootCmd.PersistentFlags().StringVar(&flagMode, "mode", "text", "output mode: text or json")
	rootCmd.PersistentFlags().BoolVar(&flagUndo, "undo", false, "roll back the last patch before sending the next turn")
	rootCmd.PersistentFlags().BoolVar(&flagReplay, "replay", false, "replay --session's event store and evidence ledger, then exit")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "resume or replay this session id")
	rootCmd.PersistentFlags().BoolVar(&flagNoExtensions, "no-extensions", false, "disable optional skill/tool extensions")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
}

func resolveWorkspaceDir() string {
	if flagCwd != "" {
		return flagCwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func resolveConfigPath(workspaceDir string) string {
	if flagConfig != "" {
		return flagConfig
	}
	if v := os.Getenv("BREWVA_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath(workspaceDir)
}

func loadConfigOrExit(workspaceDir string) *config.Config {
	cfg, err := config.Load(resolveConfigPath(workspaceDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
