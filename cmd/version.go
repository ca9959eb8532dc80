package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brewva/brewva/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/brewva/brewva/cmd.Version=v1.0.0"
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brewva %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}
