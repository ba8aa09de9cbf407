package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type toolSchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var toolSchemas toolSchemaRegistry

func initToolSchemas() error {
	toolSchemas.once.Do(func() {
		sources := map[string]string{
			"execute_command": executeCommandSchema,
			"get_tools":       getToolsSchema,
		}
		toolSchemas.schemas = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiled, err := jsonschema.CompileString("tool_"+name, source)
			if err != nil {
				toolSchemas.initErr = err
				return
			}
			toolSchemas.schemas[name] = compiled
		}
	})
	return toolSchemas.initErr
}

// validateToolArgs checks raw tool arguments against the tool's input
// schema. Absent arguments validate as an empty object.
func validateToolArgs(tool string, raw json.RawMessage) error {
	if err := initToolSchemas(); err != nil {
		return err
	}
	schema := toolSchemas.schemas[tool]
	if schema == nil {
		return nil
	}

	var args any
	if len(raw) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Catalog returns the static tool list served by tools/list and the
// get_tools tool.
func Catalog() []*Tool {
	return []*Tool{
		{
			Name:        "execute_command",
			Description: "Execute a command on the local machine or on a remote host over SSH",
			InputSchema: json.RawMessage(executeCommandSchema),
		},
		{
			Name:        "get_tools",
			Description: "List every tool this server supports",
			InputSchema: json.RawMessage(getToolsSchema),
		},
	}
}

const executeCommandSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "type": "string", "description": "The command to execute" },
    "host": { "type": "string", "description": "Remote host address (omit for local execution)" },
    "username": { "type": "string", "description": "SSH username (required for remote execution)" },
    "password": { "type": "string", "description": "SSH password (optional)" },
    "key_file": { "type": "string", "description": "Path to an SSH private key file (optional)" },
    "port": { "type": "integer", "description": "SSH port (default 22)" },
    "session": { "type": "string", "description": "Session name (default 'default')" },
    "env": {
      "type": "object",
      "description": "Environment variable overrides",
      "additionalProperties": { "type": "string" }
    },
    "cwd": { "type": "string", "description": "Working directory (local execution only)" },
    "force_execute": { "type": "boolean", "description": "Run a dangerous command without confirmation, skipping security checks (default false)" }
  },
  "additionalProperties": true
}`

const getToolsSchema = `{
  "type": "object",
  "properties": {},
  "additionalProperties": true
}`
