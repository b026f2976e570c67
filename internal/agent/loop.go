/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/llm"
	"github.com/ottolabs/otto/internal/metrics"
	"github.com/ottolabs/otto/internal/telemetry"
)

// Planner produces tool calls for a turn. Installations without a custom
// planner fall back to native tool-calling through the provider.
type Planner interface {
	Plan(ctx context.Context, st *State) ([]llm.ToolCall, error)
}

// Policy decides synchronously whether a planned call may execute.
type Policy interface {
	Check(call llm.ToolCall) PolicyDecision
}

// ContextAssembler builds the system prompt for a turn.
type ContextAssembler interface {
	Assemble(ctx context.Context, st *State) (string, error)
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Config tunes the loop.
type Config struct {
	// Model selects the provider model. Empty uses the provider default.
	Model string

	// MaxTokens caps each completion. Zero uses defaultMaxTokens.
	MaxTokens int32

	// AllowedDomains restricts what the classifier may return. Empty
	// accepts any label.
	AllowedDomains []string

	// SystemPrompt is prefixed to the assembled context.
	SystemPrompt string
}

const defaultMaxTokens = 4096

// Loop runs conversational turns against one provider.
type Loop struct {
	provider  llm.Provider
	assembler ContextAssembler
	planner   Planner
	policy    Policy
	handlers  map[string]Handler
	tools     []llm.ToolDefinition
	cfg       Config
	log       logr.Logger

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewLoop builds a loop. Provider is required.
func NewLoop(provider llm.Provider, cfg Config, log logr.Logger) (*Loop, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Loop{
		provider: provider,
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
		threads:  make(map[string]*sync.Mutex),
	}, nil
}

// NewLoopWithZap bridges the runtime's zap logger into the loop.
func NewLoopWithZap(provider llm.Provider, cfg Config, logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewLoop(provider, cfg, zapr.NewLogger(logger))
}

// WithAssembler sets the context assembler.
func (l *Loop) WithAssembler(a ContextAssembler) *Loop {
	l.assembler = a
	return l
}

// WithPlanner sets a custom planner.
func (l *Loop) WithPlanner(p Planner) *Loop {
	l.planner = p
	return l
}

// WithPolicy sets the tool policy. A nil policy allows everything.
func (l *Loop) WithPolicy(p Policy) *Loop {
	l.policy = p
	return l
}

// RegisterTool makes a tool available to the planner and executor.
func (l *Loop) RegisterTool(def llm.ToolDefinition, h Handler) {
	l.tools = append(l.tools, def)
	l.handlers[def.Name] = h
}

// RunTurn executes one full turn. Turns sharing a thread id are serialized;
// distinct threads run in parallel.
func (l *Loop) RunTurn(ctx context.Context, input Input) (st *State, err error) {
	lock := l.threadLock(input.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.StartTurnSpan(ctx, input.ThreadID, input.Trigger)
	defer span.End()
	defer func() { metrics.AgentTurnsTotal.WithLabelValues(turnOutcome(err)).Inc() }()

	st, err = normalize(input)
	if err != nil {
		return nil, err
	}

	if err := l.assembleContext(ctx, st); err != nil {
		return nil, err
	}
	if err := l.classify(ctx, st); err != nil {
		return nil, err
	}

	if st.Classification.NeedsTools {
		if err := l.plan(ctx, st); err != nil {
			return nil, err
		}
		l.policyCheck(st)
		l.executeTools(ctx, st)
	}

	if err := l.composeResponse(ctx, st); err != nil {
		return nil, err
	}

	l.log.V(1).Info("turn finished",
		"thread", st.ThreadID,
		"domains", st.Classification.Domains,
		"toolCalls", len(st.ToolCalls),
		"tokens", st.Usage.TotalTokens(),
	)
	return st, nil
}

// normalize validates the input and seeds the state bag.
func normalize(input Input) (*State, error) {
	msgs := make([]llm.Message, 0, len(input.Messages))
	for _, m := range input.Messages {
		m.Content = strings.TrimSpace(m.Content)
		if m.Content == "" && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, Errf(CodeInvalidInput, "input.messages must be non-empty")
	}
	return &State{
		ThreadID: input.ThreadID,
		Trigger:  input.Trigger,
		Messages: msgs,
	}, nil
}

func (l *Loop) assembleContext(ctx context.Context, st *State) error {
	ctx, span := telemetry.StartContextSpan(ctx, st.ThreadID)
	defer span.End()

	if l.assembler == nil {
		st.Context = l.cfg.SystemPrompt
		return nil
	}
	assembled, err := l.assembler.Assemble(ctx, st)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}
	if l.cfg.SystemPrompt != "" {
		st.Context = l.cfg.SystemPrompt + "\n\n" + assembled
	} else {
		st.Context = assembled
	}
	return nil
}

const classifyPrompt = `Classify the user message. Respond with exactly one JSON object:
{"domains": ["<label>", ...], "needsTools": true|false}
No prose, no code fences.`

// classify runs the JSON-mode classifier over the most recent user message
// and enforces the domain allow-list.
func (l *Loop) classify(ctx context.Context, st *State) error {
	last, ok := st.lastUserMessage()
	if !ok {
		return Errf(CodeInvalidInput, "no user message in input")
	}

	resp, err := l.complete(ctx, st, 0, &llm.CompletionRequest{
		SystemPrompt: classifyPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: last.Content}},
		Model:        l.cfg.Model,
		MaxTokens:    256,
		JSONMode:     true,
	})
	if err != nil {
		return Errf(CodeProviderFailure, "classify: %v", err)
	}

	var cls Classification
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &cls); err != nil {
		return Errf(CodeClassifierInvalid, "unparseable classification: %v", err)
	}
	if len(l.cfg.AllowedDomains) > 0 {
		for _, d := range cls.Domains {
			if !contains(l.cfg.AllowedDomains, d) {
				return Errf(CodeClassifierInvalid, "domain %q is not in the allow-list", d)
			}
		}
	}

	st.Classification = cls
	return nil
}

// plan fills st.ToolCalls, via the custom planner when present, otherwise
// via native tool-calling on the bound model.
func (l *Loop) plan(ctx context.Context, st *State) error {
	if l.planner != nil {
		calls, err := l.planner.Plan(ctx, st)
		if err != nil {
			return fmt.Errorf("plan: %w", err)
		}
		st.ToolCalls = ensureCallIDs(calls)
		return nil
	}

	if len(l.tools) == 0 {
		return nil
	}

	resp, err := l.complete(ctx, st, 1, &llm.CompletionRequest{
		SystemPrompt: st.Context,
		Messages:     st.Messages,
		Tools:        l.tools,
		Model:        l.cfg.Model,
		MaxTokens:    l.cfg.MaxTokens,
	})
	if err != nil {
		return Errf(CodeProviderFailure, "plan: %v", err)
	}
	st.ToolCalls = ensureCallIDs(resp.ToolCalls)
	return nil
}

// policyCheck strikes denied calls from the plan. Every decision, allow or
// deny, lands in st.PolicyDecisions.
func (l *Loop) policyCheck(st *State) {
	if len(st.ToolCalls) == 0 {
		return
	}

	surviving := st.ToolCalls[:0]
	for _, call := range st.ToolCalls {
		decision := PolicyDecision{CallID: call.ID, Tool: call.Name, Allowed: true}
		if l.policy != nil {
			decision = l.policy.Check(call)
			decision.CallID = call.ID
			decision.Tool = call.Name
		}
		st.PolicyDecisions = append(st.PolicyDecisions, decision)
		if decision.Allowed {
			surviving = append(surviving, call)
		} else {
			l.log.Info("tool call denied by policy",
				"thread", st.ThreadID, "tool", call.Name, "reason", decision.Reason)
		}
	}
	st.ToolCalls = surviving
}

// executeTools dispatches every surviving call. Unknown tools produce a
// failed result rather than an error; all calls run to completion.
func (l *Loop) executeTools(ctx context.Context, st *State) {
	for _, call := range st.ToolCalls {
		_, span := telemetry.StartToolCallSpan(ctx, call.Name, "")

		handler, ok := l.handlers[call.Name]
		if !ok {
			st.ToolResults = append(st.ToolResults, ToolOutcome{
				CallID: call.ID, Tool: call.Name,
				Success: false, Error: "Tool not registered.",
			})
			telemetry.EndToolCallSpan(span, "failed", false, "")
			span.End()
			continue
		}

		out, err := handler(ctx, call.Args)
		if err != nil {
			st.ToolResults = append(st.ToolResults, ToolOutcome{
				CallID: call.ID, Tool: call.Name,
				Success: false, Error: err.Error(),
			})
			telemetry.EndToolCallSpan(span, "failed", false, "")
		} else {
			st.ToolResults = append(st.ToolResults, ToolOutcome{
				CallID: call.ID, Tool: call.Name,
				Success: true, Output: out,
			})
			telemetry.EndToolCallSpan(span, "executed", false, "")
		}
		span.End()
	}
}

// composeResponse produces the turn's single assistant message from the
// conversation, the assembled context, and any tool results.
func (l *Loop) composeResponse(ctx context.Context, st *State) error {
	msgs := make([]llm.Message, len(st.Messages))
	copy(msgs, st.Messages)

	if len(st.ToolResults) > 0 {
		results := make([]llm.ToolResult, 0, len(st.ToolResults))
		for _, r := range st.ToolResults {
			content := r.Output
			if !r.Success {
				content = r.Error
			}
			results = append(results, llm.ToolResult{
				ToolCallID: r.CallID,
				Content:    content,
				IsError:    !r.Success,
			})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}

	resp, err := l.complete(ctx, st, 2, &llm.CompletionRequest{
		SystemPrompt: st.Context,
		Messages:     msgs,
		Model:        l.cfg.Model,
		MaxTokens:    l.cfg.MaxTokens,
	})
	if err != nil {
		return Errf(CodeProviderFailure, "compose: %v", err)
	}

	st.Response = &llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
	return nil
}

// complete wraps one provider call in its tracing span and accumulates
// token usage onto the turn state.
func (l *Loop) complete(ctx context.Context, st *State, iteration int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := telemetry.StartLLMCallSpan(ctx, req.Model, l.provider.Name(), iteration)
	defer span.End()

	resp, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	telemetry.EndLLMCallSpan(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.HasToolCalls())
	st.Usage.InputTokens += resp.Usage.InputTokens
	st.Usage.OutputTokens += resp.Usage.OutputTokens
	return resp, nil
}

// turnOutcome labels a finished turn for the counter: "ok" or the error code.
func turnOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func (l *Loop) threadLock(threadID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		l.threads[threadID] = lock
	}
	return lock
}

func ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	return calls
}

// extractJSON strips prose and code fences around the first JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
