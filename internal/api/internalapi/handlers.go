package internalapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/bindings"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/tasks"
)

const actorAgent = "agent"

type queueMessageRequest struct {
	SessionID string  `json:"sessionId,omitempty"`
	ChatID    int64   `json:"chatId,omitempty"`
	Content   string  `json:"content"`
	DedupeKey *string `json:"dedupeKey,omitempty"`
	Priority  string  `json:"priority,omitempty"`
}

type queueMessageResponse struct {
	Status         string  `json:"status"`
	QueuedCount    int     `json:"queuedCount"`
	DuplicateCount int     `json:"duplicateCount"`
	DedupeKey      *string `json:"dedupeKey,omitempty"`
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	var req queueMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "content is required", "content must be non-empty")
		return
	}

	chatID := req.ChatID
	if chatID == 0 && req.SessionID != "" {
		resolved, err := s.chats.Resolve(r.Context(), req.SessionID)
		if err != nil && !bindings.IsNotFound(err) {
			s.logger.Error("resolve chat binding failed", zap.Error(err))
			api.WriteError(w, http.StatusInternalServerError, "internal_error", "resolve chat binding failed")
			return
		}
		chatID = resolved
	}
	if chatID == 0 {
		s.recordCommand(r, "queue-telegram-message", audit.CommandFailed, "no chat id resolvable")
		api.WriteError(w, http.StatusBadRequest, "missing_chat", "no chat id given and no binding for session")
		return
	}

	msg := outbound.Message{
		ChatID:    chatID,
		Content:   req.Content,
		Priority:  req.Priority,
		DedupeKey: req.DedupeKey,
	}
	queued, dup, err := s.outbox.EnqueueOrIgnoreDedupe(r.Context(), msg)
	if err != nil {
		s.recordCommand(r, "queue-telegram-message", audit.CommandFailed, err.Error())
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp := queueMessageResponse{Status: "enqueued", QueuedCount: 1, DedupeKey: queued.DedupeKey}
	if dup {
		resp = queueMessageResponse{Status: "duplicate", DuplicateCount: 1, DedupeKey: queued.DedupeKey}
	} else {
		s.publishQueued(queued)
	}
	s.recordCommand(r, "queue-telegram-message", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) publishQueued(msg *outbound.Message) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.MessageQueued,
		Summary: "message queued for delivery",
		Detail: map[string]any{
			"message_id": msg.ID,
			"chat_id":    msg.ChatID,
			"priority":   msg.Priority,
		},
	})
}

type taskMutationResponse struct {
	Status       string    `json:"status"`
	TaskID       string    `json:"taskId"`
	ScheduledFor *int64    `json:"scheduledFor,omitempty"`
	Task         *jobs.Job `json:"task,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.tasks.Create(r.Context(), tasks.LaneInteractive, actorAgent, req)
	if err != nil {
		s.recordCommand(r, "tasks/create", commandStatus(err), err.Error())
		api.WriteTaskError(w, err)
		return
	}
	s.recordCommand(r, "tasks/create", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, taskMutationResponse{
		Status: "created", TaskID: created.ID, ScheduledFor: created.NextRunAt, Task: created,
	})
}

type taskUpdateRequest struct {
	TaskID string `json:"taskId"`
	tasks.UpdateRequest
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req taskUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	updated, err := s.tasks.Update(r.Context(), tasks.LaneInteractive, actorAgent, req.TaskID, req.UpdateRequest)
	if err != nil {
		s.recordCommand(r, "tasks/update", commandStatus(err), err.Error())
		api.WriteTaskError(w, err)
		return
	}
	s.recordCommand(r, "tasks/update", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, taskMutationResponse{
		Status: "updated", TaskID: updated.ID, ScheduledFor: updated.NextRunAt, Task: updated,
	})
}

type taskDeleteRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	var req taskDeleteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via internal api"
	}
	cancelled, err := s.tasks.Cancel(r.Context(), tasks.LaneInteractive, actorAgent, req.TaskID, req.Reason)
	if err != nil {
		s.recordCommand(r, "tasks/delete", commandStatus(err), err.Error())
		api.WriteTaskError(w, err)
		return
	}
	s.recordCommand(r, "tasks/delete", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, taskMutationResponse{Status: "deleted", TaskID: cancelled.ID})
}

type taskListRequest struct {
	Type            string `json:"type,omitempty"`
	Status          string `json:"status,omitempty"`
	IncludeTerminal bool   `json:"includeTerminal,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var req taskListRequest
	if !decode(w, r, &req) {
		return
	}
	list, err := s.tasks.List(r.Context(), jobs.ListQuery{
		Type:            req.Type,
		Status:          req.Status,
		IncludeTerminal: req.IncludeTerminal,
		Limit:           req.Limit,
	})
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (s *Server) handleProfileSet(w http.ResponseWriter, r *http.Request) {
	var patch profile.Patch
	if !decode(w, r, &patch) {
		return
	}
	prof, err := s.profiles.Get(r.Context())
	if err != nil {
		s.logger.Error("load profile failed", zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "load profile failed")
		return
	}
	changed := patch.Apply(prof)
	updated, err := s.profiles.Update(r.Context(), *prof)
	if err != nil {
		s.recordCommand(r, "notification-profile/set", audit.CommandFailed, err.Error())
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.recordCommand(r, "notification-profile/set", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, map[string]any{"profile": updated, "changed": changed})
}

func (s *Server) handleBackgroundJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.List(r.Context(), jobs.ListQuery{})
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	s.recordCommand(r, "background-jobs/show", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

// decode parses the JSON body, replying 400 invalid_request on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed json body", err.Error())
		return false
	}
	return true
}

// commandStatus maps a mutation error onto the command trail: refused
// mutations record as denied, everything else as failed.
func commandStatus(err error) string {
	if tasks.IsKind(err, tasks.KindForbiddenMutation) {
		return audit.CommandDenied
	}
	return audit.CommandFailed
}

func (s *Server) recordCommand(r *http.Request, command, status, errMsg string) {
	entry := audit.CommandEntry{Command: command, Lane: audit.LaneInteractive, Status: status}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	if _, err := s.trail.RecordCommand(r.Context(), entry); err != nil {
		s.logger.Warn("record command audit failed",
			zap.String("command", command), zap.Error(err))
	}
}
