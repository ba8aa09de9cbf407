package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/shellmcp/shellmcp/internal/observability"
)

// Local runs commands in a shell subprocess on this host.
type Local struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLocal creates a local executor.
func NewLocal(logger *slog.Logger, metrics *observability.Metrics) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger:  logger.With("component", "executor", "target", "local"),
		metrics: metrics,
	}
}

// Run executes command via /bin/sh -c with the process environment plus
// env overrides, optionally in working directory cwd. Output is captured
// to completion; the call blocks until the subprocess exits or ctx is
// cancelled. Spawn failures become a Result with exit code 1.
func (l *Local) Run(ctx context.Context, command string, env map[string]string, cwd string) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = mergeEnviron(env)
	if cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:   sanitize(stdout.String()),
		Stderr:   sanitize(stderr.String()),
		ExitCode: 0,
		Duration: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and exited non-zero; keep its output.
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never ran: bad cwd, fork failure, cancelled
			// context. Encode the failure instead of returning it.
			result = Result{
				Stderr:   "local command failed: " + err.Error(),
				ExitCode: 1,
				Duration: duration,
			}
		}
	}

	l.metrics.RecordCommand("local", result.ExitCode, duration)
	l.logger.Debug("local command finished",
		"exit_code", result.ExitCode,
		"duration_ms", duration.Milliseconds(),
	)
	return result
}
