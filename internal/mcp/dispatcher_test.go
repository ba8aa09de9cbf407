package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/executor"
	"github.com/shellmcp/shellmcp/internal/observability"
	"github.com/shellmcp/shellmcp/internal/policy"
	"github.com/shellmcp/shellmcp/internal/session"
)

func newTestDispatcher(t *testing.T, blacklist, whitelist []string) (*Dispatcher, *session.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine(blacklist, whitelist, logger)
	store := session.NewStore(20*time.Minute, logger, nil)
	local := executor.NewLocal(logger, nil)
	remote := executor.NewRemote(logger, nil)
	d := NewDispatcher(engine, store, local, remote, config.SSHConfig{Timeout: 5}, logger, nil)
	return d, store
}

func callTool(t *testing.T, d *Dispatcher, id any, name string, args map[string]any) *Response {
	t.Helper()
	arguments, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	params, err := json.Marshal(CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		t.Fatal(err)
	}
	return d.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: id, Method: "tools/call", Params: params})
}

func toolResult(t *testing.T, resp *Response) *ToolResult {
	t.Helper()
	if resp == nil {
		t.Fatal("got nil response")
	}
	if resp.Error != nil {
		t.Fatalf("got RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	result, ok := resp.Result.(*ToolResult)
	if !ok {
		t.Fatalf("result is %T, want *ToolResult", resp.Result)
	}
	return result
}

func resultText(result *ToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	return result.Content[0].Text
}

func TestHandleInitialize(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: float64(1), Method: "initialize"})
	if resp == nil {
		t.Fatal("got nil response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.ID != float64(1) {
		t.Errorf("response ID = %v, want 1", resp.ID)
	}

	init, ok := resp.Result.(InitializeResult)
	if !ok {
		t.Fatalf("result is %T, want InitializeResult", resp.Result)
	}
	if init.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q, want 2024-11-05", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "shell-mcp-server" || init.ServerInfo.Version != "1.0.0" {
		t.Errorf("serverInfo = %+v", init.ServerInfo)
	}
	if init.Capabilities.Tools == nil {
		t.Error("tools capability missing")
	}
}

func TestHandleToolsList(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	list, ok := resp.Result.(ListToolsResult)
	if !ok {
		t.Fatalf("result is %T, want ListToolsResult", resp.Result)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(list.Tools))
	}
	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}
	if !names["execute_command"] || !names["get_tools"] {
		t.Errorf("tool names = %v", names)
	}
}

func TestHandlePingWithID(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: "ping-1", Method: "ping"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	pong, ok := resp.Result.(pongResult)
	if !ok {
		t.Fatalf("result is %T, want pongResult", resp.Result)
	}
	if pong.Status != "pong" {
		t.Errorf("status = %q, want pong", pong.Status)
	}
	if pong.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestHandlePingNotification(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", Method: "ping"})
	if resp != nil {
		t.Errorf("ping notification produced a response: %+v", resp)
	}
}

func TestHandleNotificationSuppressesResponse(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	for _, method := range []string{"initialize", "tools/list"} {
		resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", Method: method})
		if resp != nil {
			t.Errorf("notification %s produced a response: %+v", method, resp)
		}
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: 3, Method: "resources/list"})
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
	}
	if !strings.Contains(resp.Error.Message, "resources/list") {
		t.Errorf("message = %q, want it to name the method", resp.Error.Message)
	}
}

func TestHandleCallToolBadParams(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.Handle(context.Background(), &Request{
		JSONRPC: "2.0",
		ID:      4,
		Method:  "tools/call",
		Params:  json.RawMessage(`"not an object"`),
	})
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, ErrCodeInvalidParams)
	}
}

func TestCallToolUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 5, "delete_everything", nil)
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, ErrCodeInvalidParams)
	}
	if resp.Error.Message != "Unknown tool: delete_everything" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestGetToolsTool(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 6, "get_tools", nil)
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	list, ok := resp.Result.(ListToolsResult)
	if !ok {
		t.Fatalf("result is %T, want ListToolsResult", resp.Result)
	}
	if len(list.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(list.Tools))
	}
}

func TestExecuteCommandLocal(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 7, "execute_command", map[string]any{"command": "echo hello"})
	result := toolResult(t, resp)

	if result.IsError {
		t.Errorf("IsError = true for a successful command: %s", resultText(result))
	}
	text := resultText(result)
	if !strings.Contains(text, "Standard output:") || !strings.Contains(text, "hello") {
		t.Errorf("text = %q, want a standard output block with hello", text)
	}
	if !strings.Contains(text, "Exit code: 0") {
		t.Errorf("text = %q, want an exit code line", text)
	}
	if !strings.Contains(text, "Execution time:") {
		t.Errorf("text = %q, want an execution time line", text)
	}
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 8, "execute_command", map[string]any{"command": "exit 3"})
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("IsError = false for a failing command")
	}
	text := resultText(result)
	if !strings.Contains(text, "Exit code: 3") {
		t.Errorf("text = %q, want Exit code: 3", text)
	}
	if strings.Contains(text, "Standard output:") {
		t.Errorf("text = %q, blank stdout should have no output block", text)
	}
}

func TestExecuteCommandAlias(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 9, "execute", map[string]any{"command": "echo aliased"})
	result := toolResult(t, resp)

	if result.IsError {
		t.Fatalf("IsError = true: %s", resultText(result))
	}
	if !strings.Contains(resultText(result), "aliased") {
		t.Errorf("text = %q", resultText(result))
	}
}

func TestExecuteCommandDangerousRequiresConfirmation(t *testing.T) {
	d, store := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 10, "execute_command", map[string]any{"command": "rm -rf /tmp/scratch"})
	result := toolResult(t, resp)

	if result.IsError {
		t.Error("confirmation reply must not be an error result")
	}
	if !result.RequiresConfirmation {
		t.Error("RequiresConfirmation not set")
	}
	if result.DangerousCommand != "rm -rf /tmp/scratch" {
		t.Errorf("DangerousCommand = %q", result.DangerousCommand)
	}
	text := resultText(result)
	if !strings.Contains(text, "force_execute") {
		t.Errorf("text = %q, want resubmission instructions", text)
	}
	if !strings.Contains(text, "deletion command") {
		t.Errorf("text = %q, want the danger category", text)
	}
	if store.Len() != 0 {
		t.Error("intercepted command still touched the session store")
	}
}

func TestExecuteCommandDenied(t *testing.T) {
	d, store := newTestDispatcher(t, []string{`^\s*forbidden`}, nil)

	resp := callTool(t, d, 11, "execute_command", map[string]any{"command": "forbidden run"})
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("denied command did not produce an error result")
	}
	if !strings.Contains(resultText(result), "Command rejected:") {
		t.Errorf("text = %q", resultText(result))
	}
	if store.Len() != 0 {
		t.Error("denied command still touched the session store")
	}
}

func TestExecuteCommandWhitelist(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, []string{"^echo"})

	resp := callTool(t, d, 12, "execute_command", map[string]any{"command": "ls -la"})
	result := toolResult(t, resp)
	if !result.IsError {
		t.Error("command outside the whitelist was allowed")
	}
	if !strings.Contains(resultText(result), "not in whitelist") {
		t.Errorf("text = %q", resultText(result))
	}

	resp = callTool(t, d, 13, "execute_command", map[string]any{"command": "echo listed"})
	result = toolResult(t, resp)
	if result.IsError {
		t.Errorf("whitelisted command rejected: %s", resultText(result))
	}
}

func TestExecuteCommandForceBypassesChecks(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"^echo"}, nil)

	// Without force the blacklist rejects it.
	resp := callTool(t, d, 14, "execute_command", map[string]any{"command": "echo blocked"})
	if result := toolResult(t, resp); !result.IsError {
		t.Fatal("blacklisted command was allowed without force")
	}

	// With force both the classifier and the filter are skipped.
	resp = callTool(t, d, 15, "execute_command", map[string]any{
		"command":       "echo blocked",
		"force_execute": true,
	})
	result := toolResult(t, resp)
	if result.IsError {
		t.Fatalf("forced command failed: %s", resultText(result))
	}
	if !strings.Contains(resultText(result), "blocked") {
		t.Errorf("text = %q, want command output", resultText(result))
	}
}

func TestExecuteCommandForceBypassesConfirmation(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)
	dir := t.TempDir()

	resp := callTool(t, d, 16, "execute_command", map[string]any{
		"command":       "rm -rf " + dir + "/nothing",
		"force_execute": true,
	})
	result := toolResult(t, resp)
	if result.RequiresConfirmation {
		t.Error("forced command still asked for confirmation")
	}
	if result.IsError {
		t.Errorf("forced rm failed: %s", resultText(result))
	}
}

func TestExecuteCommandMissingCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 17, "execute_command", map[string]any{})
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("missing command did not produce an error result")
	}
	if !strings.Contains(resultText(result), "Command execution failed:") {
		t.Errorf("text = %q", resultText(result))
	}
}

func TestExecuteCommandRemoteRequiresUsername(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 18, "execute_command", map[string]any{
		"command": "uptime",
		"host":    "example.com",
	})
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("remote call without username did not produce an error result")
	}
	if resultText(result) != "Remote execution requires the username parameter" {
		t.Errorf("text = %q", resultText(result))
	}
}

func TestExecuteCommandRemotePasswordWithoutKeyFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine(nil, nil, logger)
	store := session.NewStore(20*time.Minute, logger, nil)
	local := executor.NewLocal(logger, nil)
	remote := executor.NewRemote(logger, nil)

	// A configured default key that exists but holds no parseable key.
	// If the dispatcher substituted it for the caller's absent key_file,
	// the dial would fail on key parsing instead of reaching the network
	// with password auth.
	keyFile := filepath.Join(t.TempDir(), "default_key")
	if err := os.WriteFile(keyFile, []byte("not a private key"), 0o600); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(engine, store, local, remote,
		config.SSHConfig{DefaultKeyFile: keyFile, Timeout: 5}, logger, nil)

	// A loopback port with nothing listening fails the dial fast.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	resp := callTool(t, d, 23, "execute_command", map[string]any{
		"command":  "uptime",
		"host":     "127.0.0.1",
		"port":     port,
		"username": "alice",
		"password": "letmein99",
	})
	result := toolResult(t, resp)

	if !result.IsError {
		t.Fatal("dial against a closed port cannot succeed")
	}
	text := resultText(result)
	if strings.Contains(text, "parse key file") || strings.Contains(text, keyFile) {
		t.Fatalf("text = %q, configured key file pre-empted password auth", text)
	}
	if !strings.Contains(text, "remote command execution failed:") {
		t.Errorf("text = %q, want a connection failure result", text)
	}
	if !strings.Contains(text, "dial tcp") {
		t.Errorf("text = %q, want a network dial attempt", text)
	}
}

func TestExecuteCommandLogsMaskSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	}).Slog()
	engine := policy.NewEngine(nil, nil, logger)
	store := session.NewStore(20*time.Minute, logger, nil)
	local := executor.NewLocal(logger, nil)
	remote := executor.NewRemote(logger, nil)
	d := NewDispatcher(engine, store, local, remote, config.SSHConfig{Timeout: 5}, logger, nil)

	resp := callTool(t, d, 24, "execute_command", map[string]any{
		"command": "echo sshpass -p hunter22 ssh backup@host uptime",
	})
	result := toolResult(t, resp)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(result))
	}

	logs := buf.String()
	if strings.Contains(logs, "hunter22") {
		t.Fatalf("log output leaks the sshpass password:\n%s", logs)
	}
	if !strings.Contains(logs, "[REDACTED]") {
		t.Error("expected [REDACTED] in the command log line")
	}

	// Redaction applies to log output only; the caller still receives
	// the command's real stdout.
	if text := resultText(result); !strings.Contains(text, "hunter22") {
		t.Errorf("text = %q, want unmodified command output", text)
	}
}

func TestExecuteCommandSessionEnvAccumulates(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := callTool(t, d, 19, "execute_command", map[string]any{
		"command": "echo $SHELLMCP_TEST",
		"session": "envtest",
		"env":     map[string]any{"SHELLMCP_TEST": "persisted"},
	})
	if text := resultText(toolResult(t, resp)); !strings.Contains(text, "persisted") {
		t.Fatalf("first call text = %q", text)
	}

	// Same session, no env argument: the override persists.
	resp = callTool(t, d, 20, "execute_command", map[string]any{
		"command": "echo $SHELLMCP_TEST",
		"session": "envtest",
	})
	if text := resultText(toolResult(t, resp)); !strings.Contains(text, "persisted") {
		t.Errorf("second call text = %q, want persisted session env", text)
	}

	// A different session sees nothing.
	resp = callTool(t, d, 21, "execute_command", map[string]any{
		"command": "echo $SHELLMCP_TEST",
		"session": "other",
	})
	if text := resultText(toolResult(t, resp)); strings.Contains(text, "persisted") {
		t.Errorf("other session text = %q, env leaked across sessions", text)
	}
}

func TestExecuteCommandWorkingDirectory(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)
	dir := t.TempDir()

	resp := callTool(t, d, 22, "execute_command", map[string]any{
		"command": "pwd",
		"cwd":     dir,
	})
	result := toolResult(t, resp)
	if result.IsError {
		t.Fatalf("pwd failed: %s", resultText(result))
	}
	if !strings.Contains(resultText(result), dir) {
		t.Errorf("text = %q, want %q", resultText(result), dir)
	}
}

func TestParseExecuteArgsDefaults(t *testing.T) {
	args, err := parseExecuteArgs(json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatalf("parseExecuteArgs() error = %v", err)
	}
	if args.Port != 22 {
		t.Errorf("Port = %d, want 22", args.Port)
	}
	if args.Session != "default" {
		t.Errorf("Session = %q, want default", args.Session)
	}
	if args.ForceExecute {
		t.Error("ForceExecute defaulted to true")
	}

	args, err = parseExecuteArgs(json.RawMessage(`{"command":"ls","port":2222,"session":"s1"}`))
	if err != nil {
		t.Fatalf("parseExecuteArgs() error = %v", err)
	}
	if args.Port != 2222 || args.Session != "s1" {
		t.Errorf("args = %+v", args)
	}
}

func TestParseExecuteArgsRejectsBadTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing command", `{}`},
		{"command wrong type", `{"command": 42}`},
		{"port wrong type", `{"command":"ls","port":"22"}`},
		{"env wrong type", `{"command":"ls","env":"PATH=/bin"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseExecuteArgs(json.RawMessage(tc.raw)); err == nil {
				t.Errorf("parseExecuteArgs(%s) accepted invalid arguments", tc.raw)
			}
		})
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name        string
		res         executor.Result
		wantErr     bool
		wantStdout  bool
		wantStderr  bool
		wantInlined string
	}{
		{
			name:        "stdout only",
			res:         executor.Result{Stdout: "ok\n", ExitCode: 0, Duration: 120 * time.Millisecond},
			wantStdout:  true,
			wantInlined: "Execution time: 0.12s",
		},
		{
			name:       "stderr only",
			res:        executor.Result{Stderr: "boom\n", ExitCode: 2},
			wantErr:    true,
			wantStderr: true,
		},
		{
			name:       "both streams",
			res:        executor.Result{Stdout: "out", Stderr: "err", ExitCode: 0},
			wantStdout: true,
			wantStderr: true,
		},
		{
			name:        "silent success",
			res:         executor.Result{ExitCode: 0},
			wantInlined: "Exit code: 0",
		},
		{
			name:    "whitespace only output",
			res:     executor.Result{Stdout: "  \n", ExitCode: 1},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := formatResult(tc.res)
			if result.IsError != tc.wantErr {
				t.Errorf("IsError = %v, want %v", result.IsError, tc.wantErr)
			}
			text := resultText(result)
			if got := strings.Contains(text, "Standard output:"); got != tc.wantStdout {
				t.Errorf("stdout block present = %v, want %v in %q", got, tc.wantStdout, text)
			}
			if got := strings.Contains(text, "Standard error:"); got != tc.wantStderr {
				t.Errorf("stderr block present = %v, want %v in %q", got, tc.wantStderr, text)
			}
			if tc.wantInlined != "" && !strings.Contains(text, tc.wantInlined) {
				t.Errorf("text = %q, want it to contain %q", text, tc.wantInlined)
			}
		})
	}
}

func TestWarningResultShape(t *testing.T) {
	result := warningResult(`rm -rf "my dir"`, "deletion command")

	if result.IsError {
		t.Error("warning is not an error result")
	}
	if !result.RequiresConfirmation {
		t.Error("RequiresConfirmation not set")
	}
	if result.DangerousCommand != `rm -rf "my dir"` {
		t.Errorf("DangerousCommand = %q", result.DangerousCommand)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}

	// The embedded JSON example must stay valid even when the command
	// contains quotes.
	text := result.Content[0].Text
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		t.Fatalf("no JSON example in %q", text)
	}
	var example map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &example); err != nil {
		t.Errorf("JSON example does not parse: %v", err)
	}
}
