// Package externalapi is the LAN control plane consumed by the operator UI:
// task CRUD on the operator-api lane, run history, outbound queue inspection,
// notification settings, system status, and a live event feed.
package externalapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/tasks"
)

// Version info injected at build time.
var Version = "dev"

// Config controls the external plane listener.
type Config struct {
	Host  string
	Port  int
	Token string

	// TelegramEnabled reflects whether a bot token is configured; surfaced
	// in system status.
	TelegramEnabled bool
}

// ModelCatalog is the optional model-catalog collaborator. A nil catalog
// turns the /external/models routes into 503s.
type ModelCatalog interface {
	Catalog(ctx context.Context) (any, error)
	Refresh(ctx context.Context) error
	Defaults(ctx context.Context) (any, error)
	SetDefaults(ctx context.Context, raw []byte) (any, error)
}

// RestartFunc asks the host process to restart the runtime.
type RestartFunc func(ctx context.Context) error

// Server is the external control plane.
type Server struct {
	cfg      Config
	tasks    *tasks.Service
	jobs     *jobs.Store
	outbox   *outbound.Store
	trail    *audit.Store
	profiles *profile.Store
	bus      *events.Bus
	catalog  ModelCatalog
	restart  RestartFunc
	logger   *zap.Logger

	startedAt  time.Time
	httpServer *http.Server
}

// New builds the external plane.
func New(cfg Config, taskSvc *tasks.Service, jobStore *jobs.Store, outbox *outbound.Store, trail *audit.Store, profiles *profile.Store, bus *events.Bus, catalog ModelCatalog, restart RestartFunc, logger *zap.Logger) (*Server, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid external api port %d", cfg.Port)
	}
	if cfg.Token == "" {
		return nil, errors.New("external api token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		tasks:     taskSvc,
		jobs:      jobStore,
		outbox:    outbox,
		trail:     trail,
		profiles:  profiles,
		bus:       bus,
		catalog:   catalog,
		restart:   restart,
		logger:    logger,
		startedAt: time.Now(),
	}, nil
}

// Handler returns the full external plane handler: auth, metrics, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /external/health", s.handleHealth)
	mux.HandleFunc("GET /external/system/status", s.handleSystemStatus)
	mux.HandleFunc("POST /external/system/restart", s.handleRestart)

	mux.HandleFunc("GET /external/settings/notification-profile", s.handleProfileGet)
	mux.HandleFunc("PUT /external/settings/notification-profile", s.handleProfilePut)

	mux.HandleFunc("GET /external/models/catalog", s.handleModelCatalog)
	mux.HandleFunc("POST /external/models/refresh", s.handleModelRefresh)
	mux.HandleFunc("GET /external/models/defaults", s.handleModelDefaultsGet)
	mux.HandleFunc("PUT /external/models/defaults", s.handleModelDefaultsPut)

	mux.HandleFunc("GET /external/jobs", s.handleJobList)
	mux.HandleFunc("POST /external/jobs", s.handleJobCreate)
	mux.HandleFunc("GET /external/jobs/{id}", s.handleJobGet)
	mux.HandleFunc("PATCH /external/jobs/{id}", s.handleJobPatch)
	mux.HandleFunc("DELETE /external/jobs/{id}", s.handleJobDelete)
	mux.HandleFunc("POST /external/jobs/{id}/run-now", s.handleJobRunNow)
	mux.HandleFunc("GET /external/jobs/{id}/audit", s.handleJobAudit)
	mux.HandleFunc("GET /external/jobs/{id}/runs", s.handleJobRuns)
	mux.HandleFunc("GET /external/jobs/{id}/runs/{runId}", s.handleJobRun)

	mux.HandleFunc("GET /external/outbound", s.handleOutboundList)
	mux.HandleFunc("POST /external/outbound/{id}/cancel", s.handleOutboundCancel)

	mux.HandleFunc("GET /external/events/ws", s.handleEventsWS)
	mux.Handle("GET /external/metrics", promhttp.Handler())

	return api.RequireBearer(s.cfg.Token)(api.Instrument("external", mux))
}

// Start begins serving.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("external api listening", zap.String("addr", addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("external api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
