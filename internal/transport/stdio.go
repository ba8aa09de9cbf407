// Package transport adapts the dispatcher to its two wire surfaces: a
// newline-delimited JSON-RPC stream on stdin/stdout, and an HTTP server
// with Server-Sent-Events push channels.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shellmcp/shellmcp/internal/mcp"
)

// lineQueueSize bounds the hand-off between the blocking stdin reader
// and the dispatch loop.
const lineQueueSize = 100

// Stdio serves JSON-RPC over newline-delimited stdin/stdout. One request
// per line in, one response per line out, flushed immediately.
type Stdio struct {
	dispatcher *mcp.Dispatcher
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer
}

// NewStdio creates a stdio transport bound to the process streams. Log
// output goes to stderr, so stdout stays clean for protocol frames.
func NewStdio(dispatcher *mcp.Dispatcher, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		dispatcher: dispatcher,
		logger:     logger.With("component", "transport", "transport", "stdio"),
		in:         os.Stdin,
		out:        os.Stdout,
	}
}

// Run reads requests until the input closes or ctx is cancelled. A
// dedicated goroutine moves lines from the blocking reader into a
// bounded channel; the dispatch loop drains that channel so shutdown is
// observed promptly even while the reader blocks.
func (t *Stdio) Run(ctx context.Context) error {
	t.logger.Info("stdio transport started, waiting for requests")

	lines := make(chan string, lineQueueSize)
	go t.readLoop(ctx, lines)

	w := bufio.NewWriter(t.out)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("stdio transport stopping")
			return nil
		case line, ok := <-lines:
			if !ok {
				t.logger.Info("input closed, stdio transport stopping")
				return nil
			}
			t.handleLine(ctx, w, line)
		}
	}
}

// readLoop feeds input lines into the queue. It is the only place that
// blocks on the input stream; when ctx is cancelled it stops handing
// lines over and the pending read is abandoned with the process.
func (t *Stdio) readLoop(ctx context.Context, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("input scanner error", "error", err)
	}
}

func (t *Stdio) handleLine(ctx context.Context, w *bufio.Writer, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var req mcp.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.logger.Error("request parse error", "error", err)
		t.write(w, mcp.NewErrorResponse(nil, mcp.ErrCodeParseError, "Parse error: "+err.Error()))
		return
	}

	resp := t.dispatcher.Handle(ctx, &req)
	if resp == nil {
		// Notification: no output at all.
		return
	}
	t.write(w, resp)
}

// write serializes one response to a single output line and flushes it
// so the peer never waits on buffering.
func (t *Stdio) write(w *bufio.Writer, resp *mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("response marshal failed", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		t.logger.Error("response write failed", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		t.logger.Error("response flush failed", "error", err)
	}
}
