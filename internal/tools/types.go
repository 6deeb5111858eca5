// Package tools defines the call/result contract between the execution
// engine and its pluggable tools, plus a thread-safe registry.
//
// OS-automation tools (screen capture, input control, clipboard, browser,
// email, OCR) are external collaborators: the host registers them here and
// the engine only ever sees the Tool contract. A handful of lightweight
// built-ins ship with the package so the engine is usable standalone.
package tools

import (
	"context"
)

// Category classifies tools for task-category filtering.
type Category string

const (
	// CategoryResearch covers web fetch, search, and lookup tools.
	CategoryResearch Category = "research"

	// CategoryAutomation covers OS-level automation (screen, input, clipboard).
	CategoryAutomation Category = "automation"

	// CategoryCommunication covers email, messaging, notifications.
	CategoryCommunication Category = "communication"

	// CategoryAnalysis covers text/data transformation and inspection.
	CategoryAnalysis Category = "analysis"

	// CategoryGeneral is for tools usable by any task.
	CategoryGeneral Category = "general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema defines the JSON schema for tool arguments. It enables argument
// validation before execution and LLM tool selection prompts.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a pluggable capability the executor can invoke.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does. Included in planner prompts.
	Description string

	// Category classifies the tool for task-category filtering.
	Category Category

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema Schema

	// Priority is used when multiple tools match (higher wins, default 50).
	Priority int

	// Generated marks tools produced by the regeneration manager.
	Generated bool
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Result wraps the outcome of a tool execution with metadata.
type Result struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// Output is the string output from the tool.
	Output string

	// Err is set if the tool failed.
	Err error

	// DurationMs is how long execution took.
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *Result) IsSuccess() bool {
	return r.Err == nil
}
