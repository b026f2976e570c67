package externalapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/tasks"
)

const actorControlPlane = "control_plane"

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := jobs.ListQuery{
		Type:            q.Get("type"),
		Status:          q.Get("status"),
		IncludeTerminal: q.Get("includeTerminal") == "true",
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		query.Limit = n
	}

	list, err := s.tasks.List(r.Context(), query)
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  projectJobs(list),
		"count": len(list),
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, projectJob(*job))
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.tasks.Create(r.Context(), tasks.LaneOperatorAPI, actorControlPlane, req)
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"status": "created",
		"job":    projectJob(*created),
	})
}

func (s *Server) handleJobPatch(w http.ResponseWriter, r *http.Request) {
	var req tasks.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.tasks.Update(r.Context(), tasks.LaneOperatorAPI, actorControlPlane, r.PathValue("id"), req)
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"job":    projectJob(*updated),
	})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via external api"
	}
	cancelled, err := s.tasks.Cancel(r.Context(), tasks.LaneOperatorAPI, actorControlPlane, r.PathValue("id"), reason)
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "deleted",
		"jobId":  cancelled.ID,
	})
}

func (s *Server) handleJobRunNow(w http.ResponseWriter, r *http.Request) {
	bumped, err := s.tasks.RunNow(r.Context(), tasks.LaneOperatorAPI, actorControlPlane, r.PathValue("id"))
	if err != nil {
		api.WriteTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "run_now_scheduled",
		"jobId":        bumped.ID,
		"scheduledFor": bumped.NextRunAt,
	})
}

func (s *Server) handleJobAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		api.WriteTaskError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.trail.ListTaskAudit(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list task audit failed", zap.String("job_id", id), zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "list audit failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		api.WriteTaskError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	runs, err := s.jobs.ListRunsPage(r.Context(), id, limit, offset)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "list runs failed")
		return
	}
	total, err := s.jobs.CountRunsByJobID(r.Context(), id)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "count runs failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"offset": offset,
	})
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.jobs.GetRunByID(r.Context(), r.PathValue("runId"))
	if err != nil {
		if jobs.IsNotFound(err) {
			api.WriteError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "load run failed")
		return
	}
	if run.JobID != r.PathValue("id") {
		api.WriteError(w, http.StatusNotFound, "not_found", "run not found for this job")
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleOutboundList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.outbox.ListRecent(r.Context(), limit)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "list outbound failed")
		return
	}
	counts, err := s.outbox.CountByStatus(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "count outbound failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"counts":   counts,
	})
}

// handleOutboundCancel withdraws a still-queued message. Messages already
// sent, failed, or cancelled conflict rather than flip state.
func (s *Server) handleOutboundCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.outbox.GetByID(r.Context(), id); err != nil {
		if outbound.IsNotFound(err) {
			api.WriteError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "load message failed")
		return
	}

	if err := s.outbox.Cancel(r.Context(), id, time.Now().UnixMilli()); err != nil {
		if outbound.IsNotFound(err) {
			s.recordCommand(r, "outbound/cancel", audit.CommandFailed, "message is not queued")
			api.WriteError(w, http.StatusConflict, "state_conflict", "message is not queued")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "cancel message failed")
		return
	}
	s.recordCommand(r, "outbound/cancel", audit.CommandSuccess, "")
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "cancelled",
		"messageId": id,
	})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	prof, err := s.profiles.Get(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "load profile failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, prof)
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var patch profile.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	prof, err := s.profiles.Get(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "load profile failed")
		return
	}
	changed := patch.Apply(prof)
	updated, err := s.profiles.Update(r.Context(), *prof)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"profile": updated, "changed": changed})
}

func (s *Server) handleModelCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "model catalog is not configured")
		return
	}
	out, err := s.catalog.Catalog(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleModelRefresh(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "model catalog is not configured")
		return
	}
	if err := s.catalog.Refresh(r.Context()); err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleModelDefaultsGet(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "model catalog is not configured")
		return
	}
	out, err := s.catalog.Defaults(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleModelDefaultsPut(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "model catalog is not configured")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	out, err := s.catalog.SetDefaults(r.Context(), raw)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed json body", err.Error())
		return false
	}
	return true
}

func (s *Server) recordCommand(r *http.Request, command, status, errMsg string) {
	entry := audit.CommandEntry{Command: command, Lane: audit.LaneOperatorAPI, Status: status}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	if _, err := s.trail.RecordCommand(r.Context(), entry); err != nil {
		s.logger.Warn("record command audit failed",
			zap.String("command", command), zap.Error(err))
	}
}
