// Package main provides the CLI entry point for the shell MCP server.
//
// The server exposes shell command execution over the Model Context
// Protocol: JSON-RPC 2.0 over stdio for direct client integration, or
// HTTP with Server-Sent-Events for streaming clients. Every command
// passes the policy engine (dangerous-command confirmation plus
// blacklist/whitelist filtering) before it runs, locally or over SSH.
//
// # Basic Usage
//
// Start the server on stdio (the default for MCP clients):
//
//	shellmcp serve
//
// Start the HTTP/SSE server:
//
//	shellmcp serve --mode sse --host localhost --port 8000
//
// Write a default configuration file to edit:
//
//	shellmcp config init
//
// Check how the policy engine treats a command:
//
//	shellmcp policy check "rm -rf /tmp/scratch"
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Logs go to stderr so that stdio protocol frames on stdout stay
	// clean even before the serve command installs the configured logger.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shellmcp",
		Short: "MCP server for policy-gated shell command execution",
		Long: `shellmcp serves shell command execution over the Model Context Protocol.

Transports: stdio (newline-delimited JSON-RPC) and HTTP with SSE push.
Execution targets: the local machine, or remote hosts over SSH.
Every command is checked against a configurable blacklist/whitelist,
and destructive commands require an explicit confirmation round-trip.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildPolicyCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
