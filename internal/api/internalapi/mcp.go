package internalapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ottolabs/otto/internal/bindings"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/tasks"
)

// Version is injected from the build metadata.
var Version = "dev"

type queueMessageToolInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"session whose chat binding resolves the target chat"`
	ChatID    int64  `json:"chat_id,omitempty" jsonschema:"explicit Telegram chat id"`
	Content   string `json:"content" jsonschema:"message text"`
	DedupeKey string `json:"dedupe_key,omitempty" jsonschema:"optional idempotency key"`
	Priority  string `json:"priority,omitempty" jsonschema:"high, normal, or low"`
}

type manageTaskToolInput struct {
	Action         string `json:"action" jsonschema:"one of create, update, delete, list"`
	TaskID         string `json:"task_id,omitempty" jsonschema:"target task id for update/delete"`
	Type           string `json:"type,omitempty" jsonschema:"task type for create"`
	ScheduleType   string `json:"schedule_type,omitempty" jsonschema:"oneshot or recurring"`
	RunAt          *int64 `json:"run_at,omitempty" jsonschema:"epoch ms fire time for oneshot tasks"`
	CadenceMinutes *int64 `json:"cadence_minutes,omitempty" jsonschema:"cadence for recurring tasks"`
	Payload        string `json:"payload,omitempty" jsonschema:"opaque JSON payload"`
	Reason         string `json:"reason,omitempty" jsonschema:"cancellation reason for delete"`
}

type showJobsToolInput struct {
	IncludeTerminal bool `json:"include_terminal,omitempty" jsonschema:"include completed/expired/cancelled tasks"`
}

// mcpHandler mirrors the internal tools over MCP SSE so MCP-speaking plugins
// reuse the interactive-lane semantics without a second code path.
func (s *Server) mcpHandler() http.Handler {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "otto",
		Version: Version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "otto_queue_telegram_message",
		Description: "Queue an outbound Telegram message through the durable delivery queue",
	}, s.mcpQueueMessage)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "otto_manage_tasks",
		Description: "Create, update, cancel, or list scheduled tasks",
	}, s.mcpManageTasks)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "otto_show_background_jobs",
		Description: "Show scheduled background jobs and their next fire times",
	}, s.mcpShowJobs)

	return mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return srv
	}, nil)
}

func (s *Server) mcpQueueMessage(ctx context.Context, _ *mcp.CallToolRequest, input queueMessageToolInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, nil, fmt.Errorf("content is required")
	}

	chatID := input.ChatID
	if chatID == 0 && input.SessionID != "" {
		resolved, err := s.chats.Resolve(ctx, input.SessionID)
		if err != nil && !bindings.IsNotFound(err) {
			return nil, nil, fmt.Errorf("resolve chat binding: %w", err)
		}
		chatID = resolved
	}
	if chatID == 0 {
		return nil, nil, fmt.Errorf("no chat id given and no binding for session")
	}

	msg := outbound.Message{ChatID: chatID, Content: input.Content, Priority: input.Priority}
	if input.DedupeKey != "" {
		msg.DedupeKey = &input.DedupeKey
	}
	queued, dup, err := s.outbox.EnqueueOrIgnoreDedupe(ctx, msg)
	if err != nil {
		return nil, nil, err
	}

	resp := queueMessageResponse{Status: "enqueued", QueuedCount: 1, DedupeKey: queued.DedupeKey}
	if dup {
		resp = queueMessageResponse{Status: "duplicate", DuplicateCount: 1, DedupeKey: queued.DedupeKey}
	}
	return jsonToolResult(resp)
}

func (s *Server) mcpManageTasks(ctx context.Context, _ *mcp.CallToolRequest, input manageTaskToolInput) (*mcp.CallToolResult, any, error) {
	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "create":
		req := tasks.CreateRequest{
			Type:           input.Type,
			ScheduleType:   input.ScheduleType,
			RunAt:          input.RunAt,
			CadenceMinutes: input.CadenceMinutes,
		}
		if input.Payload != "" {
			req.Payload = &input.Payload
		}
		created, err := s.tasks.Create(ctx, tasks.LaneInteractive, actorAgent, req)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(taskMutationResponse{Status: "created", TaskID: created.ID, ScheduledFor: created.NextRunAt})
	case "update":
		req := tasks.UpdateRequest{RunAt: input.RunAt, CadenceMinutes: input.CadenceMinutes}
		if input.Payload != "" {
			req.Payload = &input.Payload
		}
		updated, err := s.tasks.Update(ctx, tasks.LaneInteractive, actorAgent, input.TaskID, req)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(taskMutationResponse{Status: "updated", TaskID: updated.ID, ScheduledFor: updated.NextRunAt})
	case "delete":
		reason := input.Reason
		if reason == "" {
			reason = "cancelled via mcp"
		}
		cancelled, err := s.tasks.Cancel(ctx, tasks.LaneInteractive, actorAgent, input.TaskID, reason)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(taskMutationResponse{Status: "deleted", TaskID: cancelled.ID})
	case "list":
		list, err := s.tasks.List(ctx, jobs.ListQuery{})
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(map[string]any{"tasks": list, "count": len(list)})
	default:
		return nil, nil, fmt.Errorf("invalid action %q: expected create, update, delete, or list", input.Action)
	}
}

func (s *Server) mcpShowJobs(ctx context.Context, _ *mcp.CallToolRequest, input showJobsToolInput) (*mcp.CallToolResult, any, error) {
	list, err := s.tasks.List(ctx, jobs.ListQuery{IncludeTerminal: input.IncludeTerminal})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"jobs": list, "count": len(list)})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
