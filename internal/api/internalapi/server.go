// Package internalapi is the loopback control plane for in-process tool
// plugins. Everything it exposes runs with lane=interactive and is reachable
// only from 127.0.0.1 with the internal bearer token.
package internalapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/bindings"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/tasks"
)

// Config controls the internal plane listener.
type Config struct {
	Host  string // must be loopback
	Port  int
	Token string
}

// Server is the internal control plane.
type Server struct {
	cfg      Config
	tasks    *tasks.Service
	outbox   *outbound.Store
	chats    *bindings.Store
	profiles *profile.Store
	trail    *audit.Store
	bus      *events.Bus
	logger   *zap.Logger

	httpServer *http.Server
}

// New builds the internal plane. The host must resolve to loopback.
func New(cfg Config, taskSvc *tasks.Service, outbox *outbound.Store, chats *bindings.Store, profiles *profile.Store, trail *audit.Store, bus *events.Bus, logger *zap.Logger) (*Server, error) {
	if cfg.Host != "127.0.0.1" && cfg.Host != "localhost" {
		return nil, fmt.Errorf("internal api host must be loopback, got %q", cfg.Host)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid internal api port %d", cfg.Port)
	}
	if cfg.Token == "" {
		return nil, errors.New("internal api token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		tasks:    taskSvc,
		outbox:   outbox,
		chats:    chats,
		profiles: profiles,
		trail:    trail,
		bus:      bus,
		logger:   logger,
	}, nil
}

// Handler returns the full internal plane handler: auth, metrics, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/tools/queue-telegram-message", s.handleQueueMessage)
	mux.HandleFunc("POST /internal/tools/tasks/create", s.handleTaskCreate)
	mux.HandleFunc("POST /internal/tools/tasks/update", s.handleTaskUpdate)
	mux.HandleFunc("POST /internal/tools/tasks/delete", s.handleTaskDelete)
	mux.HandleFunc("POST /internal/tools/tasks/list", s.handleTaskList)
	mux.HandleFunc("POST /internal/tools/notification-profile/set", s.handleProfileSet)
	mux.HandleFunc("POST /internal/tools/background-jobs/show", s.handleBackgroundJobs)
	mcpHandler := s.mcpHandler()
	mux.Handle("/internal/mcp", mcpHandler)
	mux.Handle("/internal/mcp/", mcpHandler)

	return api.RequireBearer(s.cfg.Token)(api.Instrument("internal", mux))
}

// Start begins serving on the loopback listener.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("internal api listening", zap.String("addr", addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("internal api server failed", zap.Error(err))
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
