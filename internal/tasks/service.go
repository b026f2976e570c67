// Package tasks is the single mutation path for operator-visible jobs.
// Every create, update, cancel, and run-now flows through here regardless
// of which control plane initiated it, so lane checks, system-type
// protection, and audit emission cannot be bypassed.
package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/jobs"
)

// Lanes name the origin of a mutation.
const (
	LaneInteractive = audit.LaneInteractive
	LaneOperatorAPI = audit.LaneOperatorAPI
	LaneScheduled   = audit.LaneScheduled
)

// CreateRequest describes a new task.
type CreateRequest struct {
	Type           string  `json:"type"`
	ScheduleType   string  `json:"scheduleType"`
	RunAt          *int64  `json:"runAt,omitempty"`
	CadenceMinutes *int64  `json:"cadenceMinutes,omitempty"`
	Payload        *string `json:"payload,omitempty"`
	ProfileID      *string `json:"profileId,omitempty"`
	ModelRef       *string `json:"modelRef,omitempty"`
}

// UpdateRequest describes a partial task update. Nil fields are untouched.
type UpdateRequest struct {
	Status         *string `json:"status,omitempty"`
	RunAt          *int64  `json:"runAt,omitempty"`
	CadenceMinutes *int64  `json:"cadenceMinutes,omitempty"`
	Payload        *string `json:"payload,omitempty"`
	ProfileID      *string `json:"profileId,omitempty"`
	ModelRef       *string `json:"modelRef,omitempty"`
}

// Service applies task mutations with lane and mutability enforcement.
type Service struct {
	jobs   *jobs.Store
	audit  *audit.Store
	bus    *events.Bus
	logger *zap.Logger
}

// NewService wires the mutation service.
func NewService(jobStore *jobs.Store, auditStore *audit.Store, bus *events.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{jobs: jobStore, audit: auditStore, bus: bus, logger: logger}
}

// Create validates and inserts a new task.
func (s *Service) Create(ctx context.Context, lane, actor string, req CreateRequest) (*jobs.Job, error) {
	if err := checkLane(lane); err != nil {
		return nil, err
	}
	if jobs.SystemTypes[req.Type] {
		return nil, Errf(KindForbiddenMutation, "type %q is system-reserved", req.Type)
	}

	now := time.Now().UnixMilli()
	job := jobs.Job{
		Type:           strings.TrimSpace(req.Type),
		ScheduleType:   req.ScheduleType,
		Status:         jobs.StatusIdle,
		RunAt:          req.RunAt,
		CadenceMinutes: req.CadenceMinutes,
		Payload:        req.Payload,
		ProfileID:      req.ProfileID,
		ModelRef:       req.ModelRef,
		ManagedBy:      jobs.ManagedByOperator,
	}

	switch req.ScheduleType {
	case jobs.ScheduleOneShot:
		if req.RunAt == nil {
			return nil, Errf(KindInvalidRequest, "runAt is required for oneshot tasks")
		}
		job.NextRunAt = req.RunAt
	case jobs.ScheduleRecurring:
		if req.CadenceMinutes == nil || *req.CadenceMinutes <= 0 {
			return nil, Errf(KindInvalidRequest, "cadenceMinutes is required for recurring tasks")
		}
		first := now + *req.CadenceMinutes*60_000
		if req.RunAt != nil {
			first = *req.RunAt
		}
		job.NextRunAt = &first
	default:
		return nil, Errf(KindInvalidRequest, "invalid schedule type %q", req.ScheduleType)
	}

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, Errf(KindInvalidRequest, "create task: %v", err)
	}

	s.recordTask(ctx, created.ID, audit.ActionCreate, lane, actor, nil, created, nil)
	s.publish(events.TaskCreated, created.ID, "task created")
	return created, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if jobs.IsNotFound(err) {
			return nil, Errf(KindNotFound, "task %s not found", id)
		}
		return nil, err
	}
	return job, nil
}

// List returns tasks matching the query.
func (s *Service) List(ctx context.Context, query jobs.ListQuery) ([]jobs.Job, error) {
	return s.jobs.List(ctx, query)
}

// Update applies a partial update to a non-terminal, non-system task.
func (s *Service) Update(ctx context.Context, lane, actor, id string, req UpdateRequest) (*jobs.Job, error) {
	if err := checkLane(lane); err != nil {
		return nil, err
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.IsSystem() {
		return nil, Errf(KindForbiddenMutation, "task %s is system-managed", id)
	}
	if before.IsTerminal() {
		return nil, Errf(KindStateConflict, "task %s is %s", id, *before.TerminalState)
	}

	updates, err := buildUpdates(before, req)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return before, nil
	}

	after, err := s.jobs.UpdateFields(ctx, id, updates)
	if err != nil {
		if jobs.IsNotFound(err) {
			return nil, Errf(KindStateConflict, "task %s reached a terminal state", id)
		}
		return nil, err
	}

	s.recordTask(ctx, id, audit.ActionUpdate, lane, actor, before, after, nil)
	s.publish(events.TaskUpdated, id, "task updated")
	return after, nil
}

// Cancel moves a non-terminal, non-system task to the cancelled state.
func (s *Service) Cancel(ctx context.Context, lane, actor, id, reason string) (*jobs.Job, error) {
	if err := checkLane(lane); err != nil {
		return nil, err
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.IsSystem() {
		return nil, Errf(KindForbiddenMutation, "task %s is system-managed", id)
	}
	if before.IsTerminal() {
		return nil, Errf(KindStateConflict, "task %s is already %s", id, *before.TerminalState)
	}

	after, err := s.jobs.Cancel(ctx, id, reason)
	if err != nil {
		if jobs.IsNotFound(err) {
			return nil, Errf(KindStateConflict, "task %s reached a terminal state", id)
		}
		return nil, err
	}

	// The trail records a delete: the after image is gone from the
	// operator's point of view and the reason lives in metadata.
	s.recordTask(ctx, id, audit.ActionDelete, lane, actor, before, nil, map[string]any{"reason": reason})
	s.publish(events.TaskCancelled, id, "task cancelled")
	return after, nil
}

// RunNow makes a non-terminal task due immediately. The next scheduler tick
// claims it like any other due job.
func (s *Service) RunNow(ctx context.Context, lane, actor, id string) (*jobs.Job, error) {
	if err := checkLane(lane); err != nil {
		return nil, err
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.IsSystem() {
		return nil, Errf(KindForbiddenMutation, "task %s is system-managed", id)
	}
	if before.IsTerminal() {
		return nil, Errf(KindStateConflict, "task %s is %s", id, *before.TerminalState)
	}
	if before.Status == jobs.StatusRunning {
		return nil, Errf(KindStateConflict, "task %s is already running", id)
	}

	now := time.Now().UnixMilli()
	after, err := s.jobs.UpdateFields(ctx, id, map[string]any{
		"next_run_at": now,
		"status":      jobs.StatusIdle,
	})
	if err != nil {
		return nil, err
	}

	s.recordTask(ctx, id, audit.ActionUpdate, lane, actor, before, after, map[string]any{"runNow": true})
	return after, nil
}

func buildUpdates(before *jobs.Job, req UpdateRequest) (map[string]any, error) {
	updates := make(map[string]any)

	if req.Status != nil {
		switch *req.Status {
		case jobs.StatusIdle, jobs.StatusPaused:
		default:
			return nil, Errf(KindInvalidRequest, "status must be %q or %q", jobs.StatusIdle, jobs.StatusPaused)
		}
		if before.Status == jobs.StatusRunning {
			return nil, Errf(KindStateConflict, "task is mid-run; wait for the run to finish")
		}
		updates["status"] = *req.Status
	}
	if req.RunAt != nil {
		if before.ScheduleType != jobs.ScheduleOneShot {
			return nil, Errf(KindInvalidRequest, "runAt applies only to oneshot tasks")
		}
		updates["run_at"] = *req.RunAt
		updates["next_run_at"] = *req.RunAt
	}
	if req.CadenceMinutes != nil {
		if before.ScheduleType != jobs.ScheduleRecurring {
			return nil, Errf(KindInvalidRequest, "cadenceMinutes applies only to recurring tasks")
		}
		if *req.CadenceMinutes <= 0 {
			return nil, Errf(KindInvalidRequest, "cadenceMinutes must be positive")
		}
		updates["cadence_minutes"] = *req.CadenceMinutes
	}
	if req.Payload != nil {
		updates["payload"] = *req.Payload
	}
	if req.ProfileID != nil {
		updates["profile_id"] = *req.ProfileID
	}
	if req.ModelRef != nil {
		updates["model_ref"] = *req.ModelRef
	}
	return updates, nil
}

func checkLane(lane string) error {
	switch lane {
	case LaneInteractive, LaneOperatorAPI:
		return nil
	case LaneScheduled:
		return Errf(KindForbiddenMutation, "the scheduled lane is read-only")
	default:
		return Errf(KindInvalidRequest, "unknown lane %q", lane)
	}
}

func (s *Service) recordTask(ctx context.Context, taskID, action, lane, actor string, before, after *jobs.Job, metadata map[string]any) {
	entry := audit.TaskEntry{
		TaskID: taskID,
		Action: action,
		Lane:   lane,
		Actor:  actor,
	}
	if before != nil {
		if b, err := json.Marshal(before); err == nil {
			v := string(b)
			entry.BeforeJSON = &v
		}
	}
	if after != nil {
		if a, err := json.Marshal(after); err == nil {
			v := string(a)
			entry.AfterJSON = &v
		}
	}
	if len(metadata) > 0 {
		if m, err := json.Marshal(metadata); err == nil {
			v := string(m)
			entry.MetadataJSON = &v
		}
	}
	if _, err := s.audit.RecordTask(ctx, entry); err != nil {
		s.logger.Warn("record task audit failed",
			zap.String("task_id", taskID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(evtType events.EventType, taskID, summary string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: evtType, TaskID: taskID, Summary: summary})
}
