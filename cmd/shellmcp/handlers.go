package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/executor"
	"github.com/shellmcp/shellmcp/internal/mcp"
	"github.com/shellmcp/shellmcp/internal/observability"
	"github.com/shellmcp/shellmcp/internal/policy"
	"github.com/shellmcp/shellmcp/internal/session"
	"github.com/shellmcp/shellmcp/internal/transport"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic: configuration loading,
// component wiring, and graceful shutdown on SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath, mode, host string, port int, logLevel string) error {
	if mode != "stdio" && mode != "sse" {
		return fmt.Errorf("invalid mode %q (want stdio or sse)", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logCfg := observability.LogConfig{Level: level, Format: "json"}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		// Log lines go to the file and stderr both; stdout stays clean
		// for stdio protocol frames.
		logCfg.Output = io.MultiWriter(os.Stderr, f)
	}
	logger := observability.NewLogger(logCfg).Slog()
	slog.SetDefault(logger)

	logger.Info("starting shell mcp server",
		"version", version,
		"commit", commit,
		"config", configPath,
		"mode", mode,
	)

	metrics := observability.NewMetrics()
	engine := policy.NewEngine(cfg.CommandFilter.Blacklist, cfg.CommandFilter.Whitelist, logger)
	store := session.NewStore(time.Duration(cfg.SessionTimeout)*time.Second, logger, metrics)
	defer store.Close()
	local := executor.NewLocal(logger, metrics)
	remote := executor.NewRemote(logger, metrics)
	dispatcher := mcp.NewDispatcher(engine, store, local, remote, cfg.SSH, logger, metrics)

	// Cancel the transport context on shutdown signals. In-flight
	// executor calls are not drained; sessions and cached connections
	// are closed by the store on the way out.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {
	case "sse":
		return transport.NewStreaming(dispatcher, host, port, logger, metrics).Run(ctx)
	default:
		return transport.NewStdio(dispatcher, logger).Run(ctx)
	}
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigInit(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.Default().Write(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written: %s\n", path)
	return nil
}

// =============================================================================
// Policy Command Handlers
// =============================================================================

// runPolicyCheck prints the classifier and filter verdicts for one
// command line without executing anything.
func runPolicyCheck(cmd *cobra.Command, configPath, command string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The engine's construction log lines are noise here; dropped
	// patterns are reported explicitly below instead.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine(cfg.CommandFilter.Blacklist, cfg.CommandFilter.Whitelist, quiet)

	out := cmd.OutOrStdout()
	for _, d := range engine.Diagnostics() {
		fmt.Fprintf(out, "warning: %s pattern %q dropped: %v\n", d.List, d.Pattern, d.Err)
	}

	fmt.Fprintf(out, "Command:   %s\n", command)

	if dangerous, category := policy.ClassifyDangerous(command); dangerous {
		fmt.Fprintf(out, "Dangerous: yes (%s), confirmation required\n", category)
	} else {
		fmt.Fprintln(out, "Dangerous: no")
	}

	decision := engine.Evaluate(command)
	verdict := "denied"
	if decision.Allowed {
		verdict = "allowed"
	}
	fmt.Fprintf(out, "Decision:  %s (%s)\n", verdict, decision.Reason)
	return nil
}

// =============================================================================
// Version Command Handler
// =============================================================================

func runVersion(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "shellmcp %s (commit: %s, built: %s)\n", version, commit, date)
	return nil
}
