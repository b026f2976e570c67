package externalapi

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/outbound"
)

const (
	serviceOK       = "ok"
	serviceDegraded = "degraded"
	serviceDisabled = "disabled"
)

type serviceStatus struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type systemStatus struct {
	Status    string          `json:"status"`
	CheckedAt int64           `json:"checkedAt"`
	Runtime   runtimeInfo     `json:"runtime"`
	Services  []serviceStatus `json:"services"`
}

type runtimeInfo struct {
	Version   string `json:"version"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"startedAt"`
	UptimeSec int64  `json:"uptimeSec"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	services := []serviceStatus{
		s.schedulerStatus(r),
		s.outboundStatus(r),
		s.telegramStatus(),
		s.catalogStatus(),
	}

	aggregate := serviceOK
	for _, svc := range services {
		if svc.Status == serviceDegraded {
			aggregate = serviceDegraded
			break
		}
	}

	api.WriteJSON(w, http.StatusOK, systemStatus{
		Status:    aggregate,
		CheckedAt: now.UnixMilli(),
		Runtime: runtimeInfo{
			Version:   Version,
			PID:       os.Getpid(),
			StartedAt: s.startedAt.UnixMilli(),
			UptimeSec: int64(now.Sub(s.startedAt).Seconds()),
		},
		Services: services,
	})
}

func (s *Server) schedulerStatus(r *http.Request) serviceStatus {
	// A readable job table means the claim loop has a healthy store.
	if _, err := s.jobs.ListRecentRuns(r.Context(), 1); err != nil {
		return serviceStatus{ID: "scheduler", Label: "Scheduler", Status: serviceDegraded, Message: err.Error()}
	}
	return serviceStatus{ID: "scheduler", Label: "Scheduler", Status: serviceOK}
}

func (s *Server) outboundStatus(r *http.Request) serviceStatus {
	counts, err := s.outbox.CountByStatus(r.Context())
	if err != nil {
		return serviceStatus{ID: "outbound", Label: "Outbound queue", Status: serviceDegraded, Message: err.Error()}
	}
	if queued := counts[outbound.StatusQueued]; queued > 100 {
		return serviceStatus{
			ID: "outbound", Label: "Outbound queue", Status: serviceDegraded,
			Message: "delivery backlog is growing",
		}
	}
	return serviceStatus{ID: "outbound", Label: "Outbound queue", Status: serviceOK}
}

func (s *Server) telegramStatus() serviceStatus {
	if !s.cfg.TelegramEnabled {
		return serviceStatus{
			ID: "telegram", Label: "Telegram transport", Status: serviceDisabled,
			Message: "no bot token configured",
		}
	}
	return serviceStatus{ID: "telegram", Label: "Telegram transport", Status: serviceOK}
}

func (s *Server) catalogStatus() serviceStatus {
	if s.catalog == nil {
		return serviceStatus{
			ID: "model-catalog", Label: "Model catalog", Status: serviceDisabled,
			Message: "collaborator absent",
		}
	}
	return serviceStatus{ID: "model-catalog", Label: "Model catalog", Status: serviceOK}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.restart == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "restart is not wired")
		return
	}

	s.recordCommand(r, "system/restart", audit.CommandSuccess, "")
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.SystemRestart, Summary: "restart requested via external api"})
	}

	if err := s.restart(r.Context()); err != nil {
		s.logger.Error("restart request failed", zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	api.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"requestedAt": time.Now().UnixMilli(),
		"message":     "runtime restart scheduled",
	})
}
