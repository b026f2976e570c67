package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ottolabs/otto/internal/audit"
	"github.com/ottolabs/otto/internal/jobs"
	"github.com/ottolabs/otto/internal/migration"
	"github.com/ottolabs/otto/internal/outbound"
)

const (
	sweepInterval = time.Hour

	runRetention      = 30 * 24 * time.Hour
	auditRetention    = 90 * 24 * time.Hour
	outboundRetention = 14 * 24 * time.Hour

	backupInterval = 24 * time.Hour
	backupMaxAge   = 7 * 24 * time.Hour
)

// Retention prunes aged run history, audit entries, and resolved outbound
// messages on an hourly sweep, and snapshots the database once a day.
type Retention struct {
	runs   *jobs.Store
	trail  *audit.Store
	outbox *outbound.Store
	dbPath string
	logger *zap.Logger

	lastBackup time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewRetention wires the retention sweeper. An empty dbPath disables the
// daily backup.
func NewRetention(runs *jobs.Store, trail *audit.Store, outbox *outbound.Store, dbPath string, logger *zap.Logger) *Retention {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{runs: runs, trail: trail, outbox: outbox, dbPath: dbPath, logger: logger}
}

// Start starts the hourly sweep. It is safe to call Start multiple times.
func (r *Retention) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ticker = time.NewTicker(sweepInterval)
	ticker := r.ticker
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.SweepOnce(loopCtx, time.Now())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				r.SweepOnce(loopCtx, now)
			}
		}
	}()
}

// Stop stops the sweep loop.
func (r *Retention) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	r.ticker = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// SweepOnce runs one retention pass.
func (r *Retention) SweepOnce(ctx context.Context, now time.Time) {
	if n, err := r.runs.DeleteRunsBefore(ctx, now.Add(-runRetention).UnixMilli()); err != nil {
		r.logger.Warn("prune run history failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("pruned run history", zap.Int64("deleted", n))
	}

	if n, err := r.trail.DeleteBefore(ctx, now.Add(-auditRetention).UnixMilli()); err != nil {
		r.logger.Warn("prune audit trail failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("pruned audit trail", zap.Int64("deleted", n))
	}

	if n, err := r.outbox.DeleteTerminalBefore(ctx, now.Add(-outboundRetention).UnixMilli()); err != nil {
		r.logger.Warn("prune outbound messages failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("pruned outbound messages", zap.Int64("deleted", n))
	}

	r.backupIfDue(now)
}

// backupIfDue snapshots the database at most once per backupInterval and
// drops snapshots older than backupMaxAge.
func (r *Retention) backupIfDue(now time.Time) {
	if r.dbPath == "" || now.Sub(r.lastBackup) < backupInterval {
		return
	}

	path, err := migration.BackupDatabase(r.dbPath)
	if err != nil {
		r.logger.Warn("database backup failed", zap.Error(err))
		return
	}
	r.lastBackup = now
	r.logger.Info("database backup written", zap.String("path", path))

	if err := migration.CleanOldBackups(r.dbPath, backupMaxAge); err != nil {
		r.logger.Warn("clean old backups failed", zap.Error(err))
	}
}
