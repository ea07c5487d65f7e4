// Package scheduler runs the agent's background maintenance jobs —
// archive flush and audit prune — on fixed cron schedules, independent
// of the sync loop and command dispatcher.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultArchiveFlushCron runs once an hour, on the hour.
const DefaultArchiveFlushCron = "0 * * * *"

// DefaultAuditPruneCron runs once a day, just after midnight.
const DefaultAuditPruneCron = "5 0 * * *"

// ArchiveFlusher drains whatever audit/telemetry batches have
// accumulated since the last flush into the configured archive backend.
type ArchiveFlusher interface {
	Flush(ctx context.Context) error
}

// AuditPruner trims the local audit ring buffer down to its configured
// row cap.
type AuditPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Scheduler owns a single cron instance and the two maintenance jobs
// registered against it.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// New builds a Scheduler. Start must be called to begin firing jobs.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cron: cron.New(), log: log}
}

// RegisterArchiveFlush schedules a periodic archive flush.
func (s *Scheduler) RegisterArchiveFlush(cronExpr string, flusher ArchiveFlusher) error {
	if cronExpr == "" {
		cronExpr = DefaultArchiveFlushCron
	}
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx := context.Background()
		if err := flusher.Flush(ctx); err != nil {
			s.log.Error("archive flush failed", zap.Error(err))
			return
		}
		s.log.Debug("archive flush completed")
	})
	if err != nil {
		return fmt.Errorf("scheduling archive flush %q: %w", cronExpr, err)
	}
	return nil
}

// RegisterAuditPrune schedules a periodic audit-log prune.
func (s *Scheduler) RegisterAuditPrune(cronExpr string, pruner AuditPruner) error {
	if cronExpr == "" {
		cronExpr = DefaultAuditPruneCron
	}
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx := context.Background()
		deleted, err := pruner.Prune(ctx)
		if err != nil {
			s.log.Error("audit prune failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.log.Info("audit prune completed", zap.Int64("rows_deleted", deleted))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling audit prune %q: %w", cronExpr, err)
	}
	return nil
}

// Start begins firing registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron scheduler and waits for any running job to
// finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
