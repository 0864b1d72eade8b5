package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath string
	port       string
	logLevel   string
}

// buildServeCmd creates the "serve" command that runs the realtime server.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the GoChat realtime server",
		Long: `Start the WebSocket server.

Configuration is layered: built-in defaults, then the YAML file given with
--config, then environment variables, then the flags below.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults and environment overrides
  gochat serve

  # Start with a config file and debug logging
  gochat serve --config /etc/gochat/gochat.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Listen address, overrides config (e.g. :5001)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	return cmd
}

// buildTokenCmd creates the "token" command that signs a credential with the
// configured secret, for local testing against /ws.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a signed connection token for a user",
		Example: `  JWT_SECRET=dev gochat token --user alice --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no JWT secret configured (set JWT_SECRET or auth.jwt_secret)")
			}

			token, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "gochat %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
