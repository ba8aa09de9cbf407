// Package observability provides monitoring and debugging capabilities
// for the server through Prometheus metrics and structured logging.
//
// # Metrics
//
// Metrics are implemented with the Prometheus client library and track:
//   - JSON-RPC request counts and latency by method
//   - Shell command counts and wall time by target (local or SSH)
//   - Policy decisions (allowed, denied, flagged)
//   - Active session and SSE stream counts
//   - HTTP request counts by path, method and status
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... run the command ...
//	metrics.RecordCommand("local", result.ExitCode, time.Since(start))
//
// Collectors register on the default registry, so exposing them is a
// matter of mounting promhttp.Handler() on /metrics.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request and session ID correlation from context
//   - Redaction of credentials that appear in command lines (passwords,
//     sshpass arguments, key material, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "command finished",
//	    "host", host,
//	    "exit_code", result.ExitCode,
//	)
//
// Logs default to stderr so they never interleave with protocol frames
// on stdout when the server runs in stdio mode.
package observability
