package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shellmcp/shellmcp/internal/mcp"
	"github.com/shellmcp/shellmcp/internal/observability"
)

// heartbeatInterval is how often each SSE channel gets a ping event.
const heartbeatInterval = 30 * time.Second

var errChannelClosed = errors.New("sse channel closed")

// sseChannel is one open push connection. All writes are serialized
// through its mutex; a write result is the only liveness signal, no
// transport state is inspected.
type sseChannel struct {
	id      string
	created time.Time

	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool

	// done is closed to force the owning handler loop to exit, used by
	// reset and by broadcast when a write to this channel failed.
	done     chan struct{}
	doneOnce sync.Once
}

func newSSEChannel(remote string, w http.ResponseWriter, flusher http.Flusher) *sseChannel {
	return &sseChannel{
		id:      fmt.Sprintf("%s_%d", remote, time.Now().UnixNano()),
		created: time.Now(),
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// writeEvent frames data as an SSE event and flushes it. Maps and
// structs are sent as JSON, strings as-is.
func (c *sseChannel) writeEvent(event string, data any) error {
	var payload string
	switch v := data.(type) {
	case string:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = string(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// shutdown marks the channel closed and releases its handler loop. Safe
// to call more than once. The ResponseWriter is never touched again
// once closed is set, so the handler may return.
func (c *sseChannel) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Streaming serves JSON-RPC over HTTP POST and pushes responses and
// heartbeats over Server-Sent-Events. The endpoints /message, /mcp, and
// /sse are aliases with identical semantics.
type Streaming struct {
	dispatcher *mcp.Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	host       string
	port       int

	mu       sync.Mutex
	channels map[string]*sseChannel
}

// NewStreaming creates the HTTP transport.
func NewStreaming(dispatcher *mcp.Dispatcher, host string, port int, logger *slog.Logger, metrics *observability.Metrics) *Streaming {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streaming{
		dispatcher: dispatcher,
		logger:     logger.With("component", "transport", "transport", "sse"),
		metrics:    metrics,
		host:       host,
		port:       port,
		channels:   make(map[string]*sseChannel),
	}
}

// Run serves until ctx is cancelled, then closes every push channel and
// shuts the server down gracefully.
func (t *Streaming) Run(ctx context.Context) error {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	server := &http.Server{
		Addr:              addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	t.logger.Info("streaming transport started",
		"addr", addr,
		"endpoints", []string{"/message", "/mcp", "/sse"},
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	t.logger.Info("streaming transport stopping")
	t.closeAllChannels()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("http server shutdown error", "error", err)
	}
	return nil
}

// Handler returns the full HTTP surface: the three MCP endpoint
// aliases, the root info endpoint, reset, metrics, and health.
func (t *Streaming) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, path := range []string{"/message", "/mcp", "/sse"} {
		mux.HandleFunc(path, t.handleEndpoint)
	}
	mux.HandleFunc("/reset", t.handleReset)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", t.handleHealthz)
	mux.HandleFunc("/", t.handleRoot)
	return mux
}

func (t *Streaming) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		t.handleOptions(w, r)
	case http.MethodGet:
		t.handleStream(w, r)
	case http.MethodPost:
		t.handleMessage(w, r)
	default:
		setCORS(w)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, strconv.Itoa(http.StatusMethodNotAllowed))
	}
}

// handleOptions answers CORS preflight for the endpoint aliases.
func (t *Streaming) handleOptions(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
	t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "200")
}

// handleMessage processes one POSTed JSON-RPC request. The response is
// broadcast to every open push channel and always also returned as the
// HTTP body, so streaming and plain clients are both served.
func (t *Streaming) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(nil, mcp.ErrCodeParseError, "Parse error: "+err.Error()))
		return
	}

	// A missing message is an invalid request, not a parse failure.
	if len(bytes.TrimSpace(body)) == 0 {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(nil, mcp.ErrCodeInvalidRequest, "Invalid Request: empty request body"))
		return
	}

	// Content-type is not trusted; anything that parses as JSON is
	// accepted, matching clients that POST with text/plain.
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.logger.Error("request parse error", "error", err)
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(nil, mcp.ErrCodeParseError, "Parse error: "+err.Error()))
		return
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(nil, mcp.ErrCodeInvalidRequest, "Invalid Request: request must be a JSON object"))
		return
	}
	if obj["jsonrpc"] != "2.0" {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(obj["id"], mcp.ErrCodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`))
		return
	}
	if _, ok := obj["method"]; !ok {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(obj["id"], mcp.ErrCodeInvalidRequest, "Invalid Request: missing method field"))
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		t.writeResponse(w, r, http.StatusBadRequest,
			mcp.NewErrorResponse(obj["id"], mcp.ErrCodeInvalidRequest, "Invalid Request: "+err.Error()))
		return
	}

	t.logger.Info("mcp request received", "method", req.Method, "id", req.ID, "remote", r.RemoteAddr)

	resp := t.dispatcher.Handle(r.Context(), &req)
	if resp == nil {
		// Notification: acknowledge with no body.
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "204")
		return
	}

	t.broadcast(resp)

	status := http.StatusOK
	if resp.Error != nil {
		switch resp.Error.Code {
		case mcp.ErrCodeParseError, mcp.ErrCodeInvalidRequest:
			status = http.StatusBadRequest
		case mcp.ErrCodeInternalError:
			status = http.StatusInternalServerError
		}
	}
	t.writeResponse(w, r, status, resp)
}

// handleStream upgrades a GET into a long-lived SSE connection: a
// connected event, an endpoint event carrying a fresh session id, the
// server identity as a message event, then a ping every 30 seconds
// until a write fails or the request context ends.
func (t *Streaming) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "500")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "200")

	ch := newSSEChannel(r.RemoteAddr, w, flusher)
	t.addChannel(ch)
	defer t.removeChannel(ch)

	t.logger.Info("sse connection established", "connection_id", ch.id, "remote", r.RemoteAddr)

	// Preamble events are best-effort; a failure here still enters the
	// heartbeat loop, which decides whether the connection is dead.
	if err := ch.writeEvent("connected", map[string]any{
		"status":        "connected",
		"timestamp":     time.Now().Unix(),
		"connection_id": ch.id,
	}); err != nil {
		t.logger.Warn("connected event write failed", "connection_id", ch.id, "error", err)
	}
	if err := ch.writeEvent("endpoint", "/message?sessionId="+uuid.NewString()); err != nil {
		t.logger.Warn("endpoint event write failed", "connection_id", ch.id, "error", err)
	}
	if err := ch.writeEvent("message", mcp.NewResponse("server_info", mcp.Identity())); err != nil {
		t.logger.Warn("server info write failed", "connection_id", ch.id, "error", err)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-r.Context().Done():
			t.logger.Info("sse connection closed by peer", "connection_id", ch.id)
			return
		case <-ch.done:
			t.logger.Info("sse connection closed by server", "connection_id", ch.id)
			return
		case <-ticker.C:
			count++
			if err := ch.writeEvent("ping", map[string]any{
				"type":      "ping",
				"count":     count,
				"timestamp": time.Now().Unix(),
			}); err != nil {
				t.logger.Info("sse heartbeat failed, dropping connection",
					"connection_id", ch.id,
					"count", count,
					"error", err,
				)
				return
			}
		}
	}
}

// handleRoot serves the server identity at GET /.
func (t *Streaming) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		setCORS(w)
		http.NotFound(w, r)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "404")
		return
	}
	if r.Method != http.MethodGet {
		setCORS(w)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "405")
		return
	}
	t.writeResponse(w, r, http.StatusOK, mcp.NewResponse("server_info", mcp.Identity()))
}

// handleReset force-closes and forgets every open push channel.
func (t *Streaming) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		setCORS(w)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "405")
		return
	}

	t.logger.Info("resetting connection state", "remote", r.RemoteAddr)
	t.closeAllChannels()

	t.writeResponse(w, r, http.StatusOK, mcp.NewResponse("reset", map[string]any{
		"status":    "reset",
		"message":   "all streaming connections closed",
		"timestamp": time.Now().Unix(),
	}))
}

func (t *Streaming) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
	t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, "200")
}

// broadcast delivers a response to every open channel. The channel set
// is snapshotted first; each write is independent, and channels whose
// write failed are removed after the pass.
func (t *Streaming) broadcast(resp *mcp.Response) {
	t.mu.Lock()
	snapshot := make([]*sseChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		snapshot = append(snapshot, ch)
	}
	t.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	var failed []*sseChannel
	for _, ch := range snapshot {
		if err := ch.writeEvent("message", resp); err != nil {
			t.logger.Warn("broadcast write failed", "connection_id", ch.id, "error", err)
			failed = append(failed, ch)
		}
	}
	for _, ch := range failed {
		t.removeChannel(ch)
	}

	t.metrics.RecordBroadcast()
	t.logger.Debug("response broadcast",
		"channels", len(snapshot),
		"failed", len(failed),
	)
}

func (t *Streaming) addChannel(ch *sseChannel) {
	t.mu.Lock()
	t.channels[ch.id] = ch
	t.mu.Unlock()
	t.metrics.StreamOpened()
}

// removeChannel shuts the channel down and forgets it. Safe to call
// from both the owning handler and broadcast; the metric fires once.
func (t *Streaming) removeChannel(ch *sseChannel) {
	ch.shutdown()

	t.mu.Lock()
	_, present := t.channels[ch.id]
	delete(t.channels, ch.id)
	t.mu.Unlock()

	if present {
		t.metrics.StreamClosed()
	}
}

// closeAllChannels sends a best-effort done event to every channel,
// then shuts them all down and clears the registry.
func (t *Streaming) closeAllChannels() {
	t.mu.Lock()
	snapshot := make([]*sseChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		snapshot = append(snapshot, ch)
	}
	t.channels = make(map[string]*sseChannel)
	t.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	t.logger.Info("closing push channels", "count", len(snapshot))
	for _, ch := range snapshot {
		_ = ch.writeEvent("done", map[string]any{"status": "completed"})
		ch.shutdown()
		t.metrics.StreamClosed()
	}
}

// channelCount reports the number of open push channels.
func (t *Streaming) channelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *Streaming) writeResponse(w http.ResponseWriter, r *http.Request, status int, resp *mcp.Response) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.logger.Warn("response write failed", "error", err)
	}
	t.metrics.RecordHTTPRequest(r.URL.Path, r.Method, strconv.Itoa(status))
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
