/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package llm defines the model provider abstraction the agent loop talks
// to. A provider translates between the loop's message protocol and one
// concrete LLM API.
package llm

import "context"

// Provider is the interface for LLM backends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Complete sends a completion request and returns the response.
	// The response may contain text content, tool calls, or both.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider identifier (e.g. "anthropic", "mock").
	Name() string
}

// CompletionRequest is the input to an LLM completion call.
type CompletionRequest struct {
	// SystemPrompt is the system-level instruction (assembled context).
	SystemPrompt string

	// Messages is the conversation history.
	Messages []Message

	// Tools is the list of tools the model may call. Empty means text only.
	Tools []ToolDefinition

	// Model is the specific model ID. Empty selects the provider default.
	Model string

	// MaxTokens is the maximum output tokens.
	MaxTokens int32

	// JSONMode asks the provider for a single JSON object as output.
	// Used by the classifier and the JSON-mode planner.
	JSONMode bool
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single message in the conversation.
type Message struct {
	// Role is "user", "assistant", or "tool".
	Role string

	// Content is the text content.
	Content string

	// ToolCalls is populated when the assistant requests tool execution.
	ToolCalls []ToolCall

	// ToolResults is populated when returning tool execution results.
	ToolResults []ToolResult
}

// ToolCall is the model requesting execution of a tool.
type ToolCall struct {
	ID   string
	Name string

	// Args is the parsed arguments object.
	Args map[string]any

	// RawArgs is the raw JSON argument string, kept for logging.
	RawArgs string
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	// ToolCallID links back to the originating ToolCall.
	ToolCallID string

	// Content is the tool output.
	Content string

	// IsError indicates the tool returned an error.
	IsError bool
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// CompletionResponse is the output of an LLM completion call.
type CompletionResponse struct {
	// Content is the text response (may be empty if only tool calls).
	Content string

	// ToolCalls is populated when the model wants to execute tools.
	ToolCalls []ToolCall

	// Usage reports token consumption.
	Usage UsageInfo

	// StopReason explains why the model stopped generating.
	// Common values: "end_turn", "tool_use", "max_tokens".
	StopReason string
}

// HasToolCalls reports whether the response contains tool call requests.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// UsageInfo reports token consumption for a single completion call.
type UsageInfo struct {
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns input + output.
func (u UsageInfo) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
