// Package main provides the CLI entry point for the agenthub daemon.
//
// commands.go contains the cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to
// its handler.
package main

import (
	"os"
	"strings"

	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the hub daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent hub daemon",
		Long: `Start the hub daemon with the client and admin listeners.

The daemon will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the agent store
3. Start the scheduler, browser pool, and config watcher
4. Restore persisted agents from disk
5. Bind the client listener (/ws) and admin listener (/admin, /healthz, /metrics)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config location
  agenthub serve

  # Start with a custom config
  agenthub serve --config /etc/agenthub/production.yaml

  # Start with debug logging
  agenthub serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildSetupCmd creates the "setup" command for writing a starter config.
func buildSetupCmd() *cobra.Command {
	var (
		configPath string
		overwrite  bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter configuration file",
		Long: `Write a starter configuration file with fresh auth tokens.

Tokens are prompted for without echo when stdin is a terminal and
generated randomly otherwise. An existing file is left alone unless
--overwrite is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, resolveConfigPath(configPath), overwrite)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to write the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false,
		"Replace the configuration file if it already exists")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration surface",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigPrintCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigPrintCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigPrint(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}

// resolveConfigPath applies flag > environment > default precedence for
// the config file location.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTHUB_CONFIG")); env != "" {
		return env
	}
	return config.DefaultPath()
}
