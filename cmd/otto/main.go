// Otto — a personal assistant runtime: persistent scheduler, durable
// outbound delivery, and two authenticated control planes over one
// embedded SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/api/externalapi"
	"github.com/ottolabs/otto/internal/api/internalapi"
	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/bindings"
	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/events"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/migration"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/profile"
	"github.com/ottolabs/otto/internal/scheduler"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/tasks"
	"github.com/ottolabs/otto/internal/telegram"
	"github.com/ottolabs/otto/internal/telemetry"
)

// version is stamped by the build.
var version = "dev"

const schemaVersion = 1

func main() {
	cfgPath := flag.String("config", "", "path to an optional JSON config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otto: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("otto exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := migration.EnsureVersion(db.Handle(), schemaVersion); err != nil {
		return fmt.Errorf("schema version: %w", err)
	}

	jobStore := jobs.NewStore(db)
	trail := audit.NewStore(db)
	outbox := outbound.NewStore(db)
	chats := bindings.NewStore(db)
	profiles := profile.NewStore(db)
	bus := events.NewBus(64)
	svc := tasks.NewService(jobStore, trail, bus, logger.Named("tasks"))

	system := scheduler.NewSystem(jobStore, profiles, outbox, chats, logger.Named("system"))
	if err := system.EnsureJobs(ctx, time.Now()); err != nil {
		return fmt.Errorf("seed system jobs: %w", err)
	}
	registry := scheduler.NewRegistry()
	system.Register(registry)

	sched := scheduler.NewScheduler(jobStore, registry, bus, logger.Named("scheduler"))
	sched.Start(ctx)
	defer sched.Stop()

	telegramEnabled := cfg.TelegramBotToken != ""
	var worker *outbound.Worker
	if telegramEnabled {
		transport, err := telegram.NewTransport(telegram.Config{BotToken: cfg.TelegramBotToken}, logger.Named("telegram"))
		if err != nil {
			return fmt.Errorf("telegram transport: %w", err)
		}
		worker = outbound.NewWorker(outbox, transport, profiles, bus, logger.Named("outbound"))
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		logger.Warn("no telegram bot token; outbound delivery is disabled")
	}

	retention := scheduler.NewRetention(jobStore, trail, outbox, cfg.DBPath(), logger.Named("retention"))
	retention.Start(ctx)
	defer retention.Stop()

	internalToken, err := api.LoadOrMintToken(cfg.InternalTokenPath())
	if err != nil {
		return fmt.Errorf("internal token: %w", err)
	}
	externalToken, err := api.LoadOrMintToken(cfg.ExternalTokenPath())
	if err != nil {
		return fmt.Errorf("external token: %w", err)
	}

	internalapi.Version = version
	internalSrv, err := internalapi.New(internalapi.Config{
		Host:  cfg.InternalHost,
		Port:  cfg.InternalPort,
		Token: internalToken,
	}, svc, outbox, chats, profiles, trail, bus, logger.Named("internal-api"))
	if err != nil {
		return fmt.Errorf("internal api: %w", err)
	}

	// Restart drains pending deliveries, then exits cleanly; the process
	// supervisor brings the runtime back up.
	restart := func(context.Context) error {
		go func() {
			if worker != nil {
				drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				worker.DrainOnce(drainCtx, time.Now().UnixMilli())
			}
			stop()
		}()
		return nil
	}

	externalapi.Version = version
	externalSrv, err := externalapi.New(externalapi.Config{
		Host:            cfg.ExternalHost,
		Port:            cfg.ExternalPort,
		Token:           externalToken,
		TelegramEnabled: telegramEnabled,
	}, svc, jobStore, outbox, trail, profiles, bus, nil, restart, logger.Named("external-api"))
	if err != nil {
		return fmt.Errorf("external api: %w", err)
	}

	if err := internalSrv.Start(); err != nil {
		return err
	}
	if err := externalSrv.Start(); err != nil {
		return err
	}
	logger.Info("otto is up",
		zap.String("version", version),
		zap.String("internal", cfg.InternalAddr()),
		zap.String("external", cfg.ExternalAddr()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := internalSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("internal api shutdown", zap.Error(err))
	}
	if err := externalSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("external api shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
