package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the managed-mode Postgres mirror's schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			runMigrateUp()
		},
	})
	return cmd
}

func runMigrateUp() {
	workspaceDir := resolveWorkspaceDir()
	cfg := loadConfigOrExit(workspaceDir)
	if !cfg.IsManagedMode() {
		fmt.Fprintln(os.Stderr, "Error: database.mode is not \"managed\" (or BREWVA_POSTGRES_DSN is unset)")
		os.Exit(1)
	}

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := pg.MigrateUp(db); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migrations applied")
}
