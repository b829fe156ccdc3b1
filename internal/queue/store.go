package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

const (
	// claimWindow bounds how many eligible jobs are considered when picking
	// the highest-priority one. Priority breaks ties among eligible jobs;
	// it is not a total ordering across the queue.
	claimWindow = 8

	// completedKeep is the per-queue "keep last N completed" retention ring.
	completedKeep = 100
)

// Store is the durable queue store: one ready set and one leased set per
// queue, plus a body record per job.
//
// A ready job is a member of jobs:{queue}:ready scored by its run-at time.
// Claiming a job is an atomic ZREM (whichever worker removes the member
// owns it) followed by registration in jobs:{queue}:leased scored by the
// lease deadline. Crashed workers never ack, so their jobs reappear once
// Reclaim moves expired leases back to ready.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStore creates a queue store on top of an existing Redis client.
func NewStore(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

func readyKey(queue string) string  { return "jobs:" + queue + ":ready" }
func leasedKey(queue string) string { return "jobs:" + queue + ":leased" }
func doneKey(queue string) string   { return "jobs:" + queue + ":done" }
func bodyKey(id string) string      { return "jobs:body:" + id }

// Enqueue persists the job body and marks it ready at job.RunAt.
// Store unavailability surfaces as a system error; jobs are never dropped
// silently.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, bodyKey(job.ID.String()), body, 0)
	pipe.ZAdd(ctx, readyKey(job.Queue), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return errs.System(fmt.Errorf("enqueue to %s: %w", job.Queue, err))
	}

	return nil
}

// Lease claims one eligible job from the queue, or returns (nil, nil) when
// none is ready. Among eligible jobs the highest priority wins, with
// earlier run-at breaking priority ties.
func (s *Store) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*Job, error) {
	now := time.Now()

	ids, err := s.rdb.ZRangeByScore(ctx, readyKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  claimWindow,
	}).Result()
	if err != nil {
		return nil, errs.System(fmt.Errorf("scan ready jobs: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	candidates := make([]*Job, 0, len(ids))
	for _, id := range ids {
		val, err := s.rdb.Get(ctx, bodyKey(id)).Result()
		if err == redis.Nil {
			// Orphaned member without a body; drop it.
			s.rdb.ZRem(ctx, readyKey(queue), id)
			continue
		}
		if err != nil {
			return nil, errs.System(fmt.Errorf("load job body: %w", err))
		}

		var job Job
		if err := json.Unmarshal([]byte(val), &job); err != nil {
			s.logger.Error("corrupt job body, removing",
				zap.String("queue", queue),
				zap.String("job_id", id),
				zap.Error(err),
			)
			s.rdb.ZRem(ctx, readyKey(queue), id)
			s.rdb.Del(ctx, bodyKey(id))
			continue
		}
		candidates = append(candidates, &job)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].RunAt.Before(candidates[j].RunAt)
	})

	for _, job := range candidates {
		removed, err := s.rdb.ZRem(ctx, readyKey(queue), job.ID.String()).Result()
		if err != nil {
			return nil, errs.System(fmt.Errorf("claim job: %w", err))
		}
		if removed == 0 {
			// Another worker claimed it between scan and remove.
			continue
		}

		deadline := now.Add(leaseFor)
		if err := s.rdb.ZAdd(ctx, leasedKey(queue), redis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: job.ID.String(),
		}).Err(); err != nil {
			return nil, errs.System(fmt.Errorf("register lease: %w", err))
		}

		return job, nil
	}

	return nil, nil
}

// Ack deletes a completed job, keeping its id in a bounded completion ring
// for inspection.
func (s *Store) Ack(ctx context.Context, job *Job) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(job.Queue), job.ID.String())
	pipe.Del(ctx, bodyKey(job.ID.String()))
	pipe.LPush(ctx, doneKey(job.Queue), job.ID.String())
	pipe.LTrim(ctx, doneKey(job.Queue), 0, completedKeep-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return errs.System(fmt.Errorf("ack job %s: %w", job.ID, err))
	}
	return nil
}

// Retry releases the lease and reschedules the (already mutated) job.
func (s *Store) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	job.RunAt = runAt

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, bodyKey(job.ID.String()), body, 0)
	pipe.ZRem(ctx, leasedKey(job.Queue), job.ID.String())
	pipe.ZAdd(ctx, readyKey(job.Queue), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return errs.System(fmt.Errorf("reschedule job %s: %w", job.ID, err))
	}
	return nil
}

// Reclaim moves jobs whose lease expired back to the ready set so another
// worker can pick them up. Returns how many were reclaimed.
func (s *Store) Reclaim(ctx context.Context, queue string) (int, error) {
	now := time.Now()

	ids, err := s.rdb.ZRangeByScore(ctx, leasedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, errs.System(fmt.Errorf("scan expired leases: %w", err))
	}

	reclaimed := 0
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, leasedKey(queue), id).Result()
		if err != nil {
			return reclaimed, errs.System(fmt.Errorf("release lease: %w", err))
		}
		if removed == 0 {
			continue
		}

		if err := s.rdb.ZAdd(ctx, readyKey(queue), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return reclaimed, errs.System(fmt.Errorf("requeue reclaimed job: %w", err))
		}

		s.logger.Warn("reclaimed stalled job",
			zap.String("queue", queue),
			zap.String("job_id", id),
		)
		reclaimed++
	}

	return reclaimed, nil
}

// Depth returns how many jobs are waiting in the ready set.
func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, errs.System(fmt.Errorf("queue depth: %w", err))
	}
	return n, nil
}
