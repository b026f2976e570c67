/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package agent orchestrates a single conversational turn as a fixed
// sequence of steps over a typed state bag:
//
//	normalize -> assembleContext -> classify
//	    no tools needed:  -> composeResponse
//	    tools needed:     -> plan -> policyCheck -> executeTools -> composeResponse
//
// Each step reads prior state and merges its deltas in. One turn is
// sequential; turns on different threads may run in parallel.
package agent

import "github.com/ottolabs/otto/internal/llm"

// Input starts a turn.
type Input struct {
	// ThreadID keys the turn's state. Turns with the same thread id are
	// serialized; distinct threads run in parallel.
	ThreadID string

	// Trigger names what initiated the turn ("message", "heartbeat", ...).
	Trigger string

	// Messages is the conversation so far, oldest first. Must be non-empty.
	Messages []llm.Message
}

// Classification is the classify step's verdict on the latest user message.
type Classification struct {
	Domains    []string `json:"domains"`
	NeedsTools bool     `json:"needsTools"`
}

// PolicyDecision records the policy check outcome for one planned call.
type PolicyDecision struct {
	CallID  string `json:"callId"`
	Tool    string `json:"tool"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ToolOutcome is the result of dispatching one surviving tool call.
type ToolOutcome struct {
	CallID  string `json:"callId"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// State is the turn's accumulated state. Steps append; nothing is removed
// except tool calls struck by the policy check.
type State struct {
	ThreadID string
	Trigger  string
	Messages []llm.Message

	// Context is the assembled system prompt for this turn.
	Context string

	Classification  Classification
	ToolCalls       []llm.ToolCall
	PolicyDecisions []PolicyDecision
	ToolResults     []ToolOutcome

	// Response is the single assistant message produced by the turn.
	Response *llm.Message

	// Usage accumulates token consumption across all model calls.
	Usage llm.UsageInfo
}

// lastUserMessage returns the most recent message with the user role.
func (s *State) lastUserMessage() (llm.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleUser {
			return s.Messages[i], true
		}
	}
	return llm.Message{}, false
}
