package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/executor"
	"github.com/shellmcp/shellmcp/internal/observability"
	"github.com/shellmcp/shellmcp/internal/policy"
	"github.com/shellmcp/shellmcp/internal/session"
)

// Dispatcher routes JSON-RPC requests to their handlers. It owns the
// policy engine, session store, and executors; transports own nothing
// but a Dispatcher reference.
type Dispatcher struct {
	engine  *policy.Engine
	store   *session.Store
	local   *executor.Local
	remote  *executor.Remote
	ssh     config.SSHConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewDispatcher wires the request pipeline together.
func NewDispatcher(engine *policy.Engine, store *session.Store, local *executor.Local, remote *executor.Remote, sshCfg config.SSHConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:  engine,
		store:   store,
		local:   local,
		remote:  remote,
		ssh:     sshCfg,
		logger:  logger.With("component", "dispatcher"),
		metrics: metrics,
	}
}

type pongResult struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Handle processes one request and returns the response, or nil for a
// notification. Notification handlers still run for their side effects;
// only the response is suppressed. A ping without an id is a pure
// keep-alive and skips its handler entirely.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) (resp *Response) {
	start := time.Now()
	method := req.Method

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handler panicked", "method", method, "panic", r)
			d.metrics.RecordRPC(method, "error", time.Since(start))
			if req.IsNotification() {
				resp = nil
				return
			}
			resp = NewErrorResponse(req.ID, ErrCodeInternalError, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	d.logger.Debug("handling request", "method", method, "id", req.ID)

	if method == "ping" && req.IsNotification() {
		d.metrics.RecordRPC(method, "ok", time.Since(start))
		return nil
	}

	var result any
	var rpcErr *RPCError

	switch method {
	case "initialize":
		result = Identity()
	case "tools/list":
		result = ListToolsResult{Tools: Catalog()}
	case "tools/call":
		result, rpcErr = d.handleCallTool(ctx, req.Params)
	case "ping":
		result = pongResult{Status: "pong", Timestamp: time.Now().Unix()}
	default:
		rpcErr = &RPCError{Code: ErrCodeMethodNotFound, Message: "Method not found: " + method}
	}

	status := "ok"
	if rpcErr != nil {
		status = "error"
	}
	d.metrics.RecordRPC(method, status, time.Since(start))

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return NewResponse(req.ID, result)
}

func (d *Dispatcher) handleCallTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params CallToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid params: " + err.Error()}
		}
	}

	switch params.Name {
	case "execute_command", "execute":
		return d.executeCommand(ctx, params.Arguments), nil
	case "get_tools":
		return ListToolsResult{Tools: Catalog()}, nil
	default:
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Unknown tool: " + params.Name}
	}
}

// executeArgs are the arguments of the execute_command tool.
type executeArgs struct {
	Command      string            `json:"command"`
	Host         string            `json:"host"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	KeyFile      string            `json:"key_file"`
	Port         int               `json:"port"`
	Session      string            `json:"session"`
	Env          map[string]string `json:"env"`
	Cwd          string            `json:"cwd"`
	ForceExecute bool              `json:"force_execute"`
}

func parseExecuteArgs(raw json.RawMessage) (executeArgs, error) {
	args := executeArgs{Port: 22, Session: "default"}
	if err := validateToolArgs("execute_command", raw); err != nil {
		return args, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if args.Port == 0 {
		args.Port = 22
	}
	if args.Session == "" {
		args.Session = "default"
	}
	return args, nil
}

// executeCommand runs the gated execution pipeline: classify, evaluate,
// resolve session, execute, format. Every argument or execution problem
// comes back as an in-band tool result, never as an RPC error.
func (d *Dispatcher) executeCommand(ctx context.Context, raw json.RawMessage) *ToolResult {
	args, err := parseExecuteArgs(raw)
	if err != nil {
		return ErrorResult("Command execution failed: " + err.Error())
	}

	target := args.Host
	if target == "" {
		target = "local"
	}
	d.logger.Info("command execution requested",
		"session_id", args.Session,
		"host", target,
		"command", args.Command,
		"force_execute", args.ForceExecute,
	)

	// force_execute bypasses both the confirmation classifier and the
	// blacklist/whitelist evaluation.
	if args.ForceExecute {
		d.logger.Warn("force execute enabled, skipping security checks",
			"session_id", args.Session,
			"host", target,
			"command", args.Command,
		)
		d.metrics.RecordPolicyDecision("forced")
	} else {
		if needsConfirmation, category := policy.ClassifyDangerous(args.Command); needsConfirmation {
			d.logger.Warn("dangerous command intercepted",
				"session_id", args.Session,
				"host", target,
				"category", category,
				"command", args.Command,
			)
			d.metrics.RecordPolicyDecision("confirmation_required")
			return warningResult(args.Command, category)
		}

		decision := d.engine.Evaluate(args.Command)
		d.logger.Debug("command filter result",
			"allowed", decision.Allowed,
			"reason", decision.Reason,
			"matched_rule", decision.MatchedRule,
		)
		if !decision.Allowed {
			d.logger.Warn("command rejected",
				"session_id", args.Session,
				"host", target,
				"rule", decision.MatchedRule,
				"reason", decision.Reason,
				"command", args.Command,
			)
			d.metrics.RecordPolicyDecision("deny")
			return ErrorResult("Command rejected: " + decision.Reason)
		}
		d.metrics.RecordPolicyDecision("allow")
	}

	sess := d.store.GetOrCreate(args.Session, args.Host, args.Username)

	var result executor.Result
	if args.Host != "" {
		if args.Username == "" {
			return ErrorResult("Remote execution requires the username parameter")
		}
		result = d.runRemote(ctx, sess.ID, args)
	} else {
		env := d.store.MergeEnv(sess.ID, args.Env)
		result = d.local.Run(ctx, args.Command, env, args.Cwd)
	}

	return formatResult(result)
}

// runRemote acquires the session's SSH connection and executes over it.
// Connection failures become an execution result, never an RPC error.
// Authentication material comes from the call arguments alone: a caller
// who sends a password without a key_file gets password auth, and the
// ssh config block never substitutes a key on their behalf.
func (d *Dispatcher) runRemote(ctx context.Context, sessionID string, args executeArgs) executor.Result {
	conn, err := d.remote.Ensure(d.store, sessionID, executor.DialOptions{
		Host:     args.Host,
		Username: args.Username,
		KeyFile:  args.KeyFile,
		Password: args.Password,
		Port:     args.Port,
		Timeout:  time.Duration(d.ssh.Timeout) * time.Second,
	})
	if err != nil {
		d.logger.Error("remote command execution failed", "host", args.Host, "error", err)
		return executor.Result{
			Stderr:   "remote command execution failed: " + err.Error(),
			ExitCode: 1,
		}
	}

	return d.remote.Run(ctx, conn, args.Command, args.Env)
}

// formatResult renders an execution result as tool content: a standard
// output block if non-blank, a standard error block if non-blank, then
// always the exit code and the wall-clock duration.
func formatResult(res executor.Result) *ToolResult {
	var parts []string
	if strings.TrimSpace(res.Stdout) != "" {
		parts = append(parts, "Standard output:\n"+res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "" {
		parts = append(parts, "Standard error:\n"+res.Stderr)
	}
	parts = append(parts, fmt.Sprintf("Exit code: %d", res.ExitCode))
	parts = append(parts, fmt.Sprintf("Execution time: %.2fs", res.Duration.Seconds()))

	return &ToolResult{
		Content: []Content{{Type: "text", Text: strings.Join(parts, "\n\n")}},
		IsError: res.ExitCode != 0,
	}
}

// warningResult is the confirmation-workflow reply for a dangerous
// command: a non-error result that explains the risk and how to resubmit
// with force_execute.
func warningResult(command, category string) *ToolResult {
	text := fmt.Sprintf("⚠️ **Dangerous Command Warning**\n\n"+
		"Dangerous operation detected: `%s`\n\n"+
		"**Command type**: %s\n"+
		"**Risk**: this operation may cause data loss or system damage\n\n"+
		"**To execute this command, confirm it and resubmit with the `force_execute=true` parameter.**\n\n"+
		"Example:\n"+
		"```json\n"+
		"{\n"+
		"  \"command\": %q,\n"+
		"  \"force_execute\": true\n"+
		"}\n"+
		"```",
		command, category, command)

	return &ToolResult{
		Content:              []Content{{Type: "text", Text: text}},
		RequiresConfirmation: true,
		DangerousCommand:     command,
	}
}
