package models

import "encoding/json"

// ToolRuntime indicates where a tool's executor runs.
type ToolRuntime string

const (
	// RuntimeServer tools execute inside the agent process.
	RuntimeServer ToolRuntime = "server"
	// RuntimeBrowser tools are forwarded to the client runtime and
	// resolved out of band.
	RuntimeBrowser ToolRuntime = "browser"
)

// ToolDefinition describes a callable capability: its name, parameter
// schema, runtime affinity and optional documentation. Definitions are
// created once at registration time and never mutated.
type ToolDefinition struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Parameters   json.RawMessage   `json:"parameters"` // JSON Schema for arguments
	Runtime      ToolRuntime       `json:"runtime"`
	Category     string            `json:"category"`
	DisplayName  map[string]string `json:"display_name,omitempty"` // per-locale label
	Manual       string            `json:"manual,omitempty"`       // long-form usage guide
	ReturnSchema json.RawMessage   `json:"return_schema,omitempty"`
}

// ToolSummary is the catalog projection fed to the model when building
// the system prompt. Parameter schemas are deliberately excluded to keep
// the prompt small.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ToolCall is a single tool invocation emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the uniform envelope returned by every executor.
// Failures are data: executors return Success=false rather than raising,
// so the step loop can feed the error back to the model.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Ok builds a success result carrying data.
func Ok(data any) *ToolResult {
	return &ToolResult{Success: true, Data: data}
}

// Fail builds a failure result with an error string.
func Fail(err string) *ToolResult {
	return &ToolResult{Success: false, Error: err}
}
