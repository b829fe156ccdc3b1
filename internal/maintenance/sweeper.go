// Package maintenance runs the background housekeeping schedule: queue
// depth gauges, failure-rate sampling, and notification-log retention.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/monitor"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

// logRetention is how long notification log rows are kept.
const logRetention = 30 * 24 * time.Hour

// pruneLockKey guards the retention sweep so only one instance runs it.
const pruneLockKey = "maintenance:prune-notification-log"

// DepthStore reports ready-queue depth. Satisfied by *queue.Store.
type DepthStore interface {
	Depth(ctx context.Context, queue string) (int64, error)
}

// Pruner deletes expired notification log rows. Satisfied by
// *db.Repository.
type Pruner interface {
	PruneNotificationLog(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper owns the cron schedule. Gauge refresh and failure-rate
// sampling are per-instance; the retention sweep takes a Redis lock so
// a multi-instance deployment prunes once.
type Sweeper struct {
	cron    *cron.Cron
	locker  *redislock.Client
	store   DepthStore
	pruner  Pruner
	monitor *monitor.FailureRate
	queues  []string
	logger  *zap.Logger
}

func NewSweeper(locker *redislock.Client, store DepthStore, pruner Pruner, mon *monitor.FailureRate, queues []queue.QueueConfig, logger *zap.Logger) *Sweeper {
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	return &Sweeper{
		cron:    cron.New(),
		locker:  locker,
		store:   store,
		pruner:  pruner,
		monitor: mon,
		queues:  names,
		logger:  logger,
	}
}

// Start registers the schedule and launches the cron runner.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 30s", func() { s.refreshDepthGauges(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.monitor.Sample(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", func() { s.pruneNotificationLog(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("maintenance schedule started",
		zap.Int("queues", len(s.queues)),
	)
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance schedule stopped")
}

func (s *Sweeper) refreshDepthGauges(ctx context.Context) {
	for _, name := range s.queues {
		depth, err := s.store.Depth(ctx, name)
		if err != nil {
			s.logger.Warn("failed to read queue depth",
				zap.String("queue", name),
				zap.Error(err),
			)
			continue
		}
		metrics.SetQueueDepth(name, depth)
	}
}

func (s *Sweeper) pruneNotificationLog(ctx context.Context) {
	lock, err := s.locker.Obtain(ctx, pruneLockKey, 5*time.Minute, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		s.logger.Debug("retention sweep already running elsewhere")
		return
	}
	if err != nil {
		s.logger.Error("failed to obtain retention sweep lock", zap.Error(err))
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.Warn("failed to release retention sweep lock", zap.Error(err))
		}
	}()

	cutoff := time.Now().Add(-logRetention)
	pruned, err := s.pruner.PruneNotificationLog(ctx, cutoff)
	if err != nil {
		s.logger.Error("notification log prune failed", zap.Error(err))
		return
	}

	s.logger.Info("notification log pruned",
		zap.Int64("rows", pruned),
		zap.Time("cutoff", cutoff),
	)
}
