// Package mcp implements the server side of the Model Context Protocol:
// JSON-RPC 2.0 message types, the tool catalog, and the dispatcher that
// routes requests through the policy engine, session store, and
// executors.
package mcp

import "encoding/json"

// Protocol identity reported by initialize and the server-info endpoint.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "shell-mcp-server"
	ServerVersion   = "1.0.0"
)

// JSON-RPC types

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and must not produce a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id. An explicit
// "id": null counts as absent, matching how most clients treat it.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// NewResponse builds a success response for the given request id.
func NewResponse(id, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// Tool describes one entry in the tool catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one piece of tool result content.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result of a tool call. Policy outcomes ride on it
// too: a denial is IsError with the reason in the content, and a
// dangerous-command interception sets RequiresConfirmation plus
// DangerousCommand while staying a non-error result.
type ToolResult struct {
	Content              []Content `json:"content"`
	IsError              bool      `json:"isError"`
	RequiresConfirmation bool      `json:"requires_confirmation,omitempty"`
	DangerousCommand     string    `json:"dangerous_command,omitempty"`
}

// TextResult wraps plain text in a successful tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps plain text in a failed tool result.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{
		Content: []Content{{Type: "text", Text: text}},
		IsError: true,
	}
}

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what the server supports.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list and the get_tools tool.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// Identity returns the initialize payload. The streaming transport also
// serves it from the root info endpoint and as the opening SSE message.
func Identity() InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	}
}
