// Package main provides the CLI entry point for the GoChat realtime server.
//
// # Basic Usage
//
// Start the server:
//
//	gochat serve --config gochat.yaml
//
// Mint a development credential:
//
//	gochat token --user 6650f1c2e4b0a1a2b3c4d5e6
//
// # Environment Variables
//
// Every setting can be overridden from the environment, for example:
//
//   - PORT / SERVER_PORT: listen address (default :5001)
//   - JWT_SECRET: secret shared with the account service
//   - ALLOWED_ORIGINS: comma separated websocket origins
//   - NATS_URL: enables the message notification subscription
//   - REDIS_ADDR: enables the presence directory mirror
//   - LOG_LEVEL / LOG_FORMAT: debug|info|warn|error, console|json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gochat",
		Short: "GoChat - realtime presence and message fan-out",
		Long: `GoChat keeps track of which users are connected over WebSocket, broadcasts
the online set when it changes, and pushes newly stored chat messages to the
recipient's live connections.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
