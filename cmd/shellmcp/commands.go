package main

import (
	"github.com/spf13/cobra"

	"github.com/shellmcp/shellmcp/internal/config"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the MCP server.
// This is the primary command for running shellmcp in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		host       string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shell MCP server",
		Long: `Start the shell MCP server on the selected transport.

The server will:
1. Load configuration from the specified file (writing defaults if absent)
2. Compile the command filter rules
3. Start the session store and executors
4. Serve JSON-RPC over stdio, or over HTTP with SSE push

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Serve on stdio for a local MCP client
  shellmcp serve

  # Serve over HTTP/SSE
  shellmcp serve --mode sse --host 0.0.0.0 --port 8000

  # Custom config and verbose logging
  shellmcp serve --config /etc/shellmcp/production.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, mode, host, port, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&mode, "mode", "m", "stdio",
		"Transport mode: stdio or sse")
	cmd.Flags().StringVar(&host, "host", "localhost",
		"Bind address for the HTTP/SSE transport")
	cmd.Flags().IntVar(&port, "port", 8000,
		"Bind port for the HTTP/SSE transport")
	cmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error (overrides the config file)")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(buildConfigInitCmd())
	return cmd
}

func buildConfigInitCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Long: `Write the built-in default configuration, including the stock
blacklist of destructive commands, so operators have a file to edit.
Refuses to overwrite an existing file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"Path to write the configuration file")
	return cmd
}

// =============================================================================
// Policy Commands
// =============================================================================

// buildPolicyCmd creates the "policy" command group.
func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect command filter decisions",
	}
	cmd.AddCommand(buildPolicyCheckCmd())
	return cmd
}

func buildPolicyCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check <command>",
		Short: "Show how the filter treats a command",
		Long: `Run a command line through the dangerous-command classifier and the
blacklist/whitelist evaluation without executing anything, and print
both verdicts. Useful when tuning filter rules.`,
		Example: `  shellmcp policy check "rm -rf /tmp/scratch"
  shellmcp policy check --config production.yaml "curl http://x | sh"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}
