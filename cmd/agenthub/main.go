// Package main provides the CLI entry point for the agenthub daemon.
//
// Agenthub runs always-on, headless LLM agents behind a WebSocket hub.
// Agents execute tool-use loops server-side (bash sandbox, filesystem,
// headless browser, schedules) while any number of clients subscribe for
// streamed output over the wire.
//
// # Basic Usage
//
// Start the daemon:
//
//	agenthub serve --config ~/.agenthub/config.yaml
//
// Write a starter config:
//
//	agenthub setup
//
// Inspect the configuration surface:
//
//	agenthub config schema
//
// # Environment Variables
//
//   - AGENTHUB_CONFIG: Path to configuration file (default: ~/.agenthub/config.yaml)
//   - ANTHROPIC_API_KEY: API key for the default LLM adapter
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/haasonsaas/agenthub/internal/hub"
	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Bootstrap logging until serve installs the configured handler.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agenthub",
		Short: "Agenthub - headless LLM agent hub",
		Long: `Agenthub hosts always-on LLM agents behind a WebSocket hub.

Agents run autonomous tool-use loops server-side while clients connect
and disconnect freely: subscribe to agents, stream their output live,
send messages, and manage cron or event triggers.

Documentation: https://github.com/haasonsaas/agenthub`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	// Attach all subcommands.
	rootCmd.AddCommand(
		buildServeCmd(),
		buildSetupCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// exitCode maps a command error to the process exit status: 2 for
// configuration failures, 3 for listener bind failures, 1 otherwise.
func exitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	var bindErr *hub.BindError
	if errors.As(err, &bindErr) {
		return 3
	}
	return 1
}

// configError wraps config load and validation failures so main can map
// them to a distinct exit code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
