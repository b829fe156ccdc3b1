package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
)

// Handler processes one leased job. A nil return acknowledges the job; an
// error sends it through the retry policy, or straight to the dead-letter
// queue when the error is permanent.
type Handler func(ctx context.Context, job *Job) error

// Observer receives per-job outcomes. The failure-rate monitor implements
// this to watch for systemic degradation.
type Observer interface {
	JobSucceeded(queue string)
	JobFailed(queue string)
}

// QueueConfig describes one named queue and its worker pool.
type QueueConfig struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	// LeaseFor must exceed the sum of possible external-call timeouts plus
	// retry overhead, or healthy jobs get reclaimed as stalled.
	LeaseFor    time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// DefaultQueues returns the six purpose-built queues with their concurrency
// ceilings. Handlers are I/O-bound, so the ceilings are a throughput and
// cost tradeoff rather than a correctness requirement.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueBooking, Concurrency: 5},
		{Name: QueueNotification, Concurrency: 10},
		{Name: QueueCalendarSync, Concurrency: 3},
		{Name: QueueAnalytics, Concurrency: 2},
		{Name: QueueFollowUp, Concurrency: 5},
		{Name: QueueDeadLetter, Concurrency: 1},
	}
}

// EnqueueOptions tune one enqueue call. Zero values inherit the queue's
// defaults.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
}

// Router owns the named queues and their worker pools. It is constructed
// once at process start and passed by reference to producers and consumers;
// there is no ambient global registry.
type Router struct {
	store    *Store
	logger   *zap.Logger
	queues   map[string]QueueConfig
	handlers map[Kind]Handler
	// kindQueue pins each kind to the single queue it runs on.
	kindQueue map[Kind]string
	observer  Observer

	wg sync.WaitGroup
}

// NewRouter validates the queue set and builds an empty router. Kinds are
// bound afterwards with Register; Start refuses to run with unbound queues.
func NewRouter(store *Store, queues []QueueConfig, logger *zap.Logger) (*Router, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("router needs at least one queue")
	}

	byName := make(map[string]QueueConfig, len(queues))
	for _, q := range queues {
		if q.Name == "" {
			return nil, fmt.Errorf("queue with empty name")
		}
		if _, dup := byName[q.Name]; dup {
			return nil, fmt.Errorf("duplicate queue %q", q.Name)
		}
		if q.Concurrency <= 0 {
			return nil, fmt.Errorf("queue %q: concurrency must be positive", q.Name)
		}
		if q.PollInterval <= 0 {
			q.PollInterval = time.Second
		}
		if q.LeaseFor <= 0 {
			q.LeaseFor = 90 * time.Second
		}
		if q.MaxAttempts <= 0 {
			q.MaxAttempts = 3
		}
		if q.Backoff.Base <= 0 {
			q.Backoff = DefaultBackoff()
		}
		byName[q.Name] = q
	}

	return &Router{
		store:     store,
		logger:    logger,
		queues:    byName,
		handlers:  make(map[Kind]Handler),
		kindQueue: make(map[Kind]string),
	}, nil
}

// Register binds a job kind to a handler on the given queue. Binding an
// unknown queue or rebinding a kind is an error.
func (r *Router) Register(queueName string, kind Kind, h Handler) error {
	if _, ok := r.queues[queueName]; !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	if h == nil {
		return fmt.Errorf("nil handler for kind %q", kind)
	}
	if bound, dup := r.kindQueue[kind]; dup {
		return fmt.Errorf("kind %q already bound to queue %q", kind, bound)
	}

	r.handlers[kind] = h
	r.kindQueue[kind] = queueName
	return nil
}

// SetObserver installs the job-outcome observer. Must be called before Start.
func (r *Router) SetObserver(obs Observer) {
	r.observer = obs
}

// Enqueue creates a job on the named queue. The kind must be bound to that
// queue. Store unavailability fails the call loudly; the job is never
// silently dropped.
func (r *Router) Enqueue(ctx context.Context, queueName string, kind Kind, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	cfg, ok := r.queues[queueName]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown queue %q", queueName)
	}
	bound, ok := r.kindQueue[kind]
	if !ok {
		return uuid.Nil, fmt.Errorf("kind %q is not bound to any queue", kind)
	}
	if bound != queueName {
		return uuid.Nil, fmt.Errorf("kind %q is bound to queue %q, not %q", kind, bound, queueName)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	backoff := cfg.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.New(),
		Queue:       queueName,
		Kind:        kind,
		Payload:     raw,
		Priority:    opts.Priority,
		RunAt:       now.Add(opts.Delay),
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		EnqueuedAt:  now,
	}

	if err := r.store.Enqueue(ctx, job); err != nil {
		return uuid.Nil, err
	}

	metrics.RecordJobEnqueued(queueName, string(kind))
	r.logger.Debug("job enqueued",
		zap.String("queue", queueName),
		zap.String("kind", string(kind)),
		zap.String("job_id", job.ID.String()),
		zap.Time("run_at", job.RunAt),
	)

	return job.ID, nil
}

// Resubmit puts a fully formed job back on its queue, preserving attempt
// counts. Used by the dead-letter handler and the failed-job admin retry.
func (r *Router) Resubmit(ctx context.Context, job *Job) error {
	if _, ok := r.queues[job.Queue]; !ok {
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
	if err := r.store.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.RecordJobEnqueued(job.Queue, string(job.Kind))
	return nil
}

// Start spins up the worker pools and lease reclaimers. It returns an error
// when any configured queue has no bound kind, so a misconfigured deployment
// fails at boot instead of stranding jobs.
func (r *Router) Start(ctx context.Context) error {
	bound := make(map[string]bool, len(r.queues))
	for _, q := range r.kindQueue {
		bound[q] = true
	}
	for name := range r.queues {
		if !bound[name] {
			return fmt.Errorf("queue %q has no registered handlers", name)
		}
	}

	for _, cfg := range r.queues {
		for i := 0; i < cfg.Concurrency; i++ {
			r.wg.Add(1)
			go func(cfg QueueConfig) {
				defer r.wg.Done()
				r.runWorker(ctx, cfg)
			}(cfg)
		}

		r.wg.Add(1)
		go func(cfg QueueConfig) {
			defer r.wg.Done()
			r.runReclaimer(ctx, cfg)
		}(cfg)

		r.logger.Info("queue workers started",
			zap.String("queue", cfg.Name),
			zap.Int("concurrency", cfg.Concurrency),
		)
	}

	return nil
}

// Wait blocks until all workers have exited after context cancellation.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) runWorker(ctx context.Context, cfg QueueConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.Lease(ctx, cfg.Name, cfg.LeaseFor)
		if err != nil {
			r.logger.Error("lease failed",
				zap.String("queue", cfg.Name),
				zap.Error(err),
			)
			r.sleep(ctx, cfg.PollInterval)
			continue
		}
		if job == nil {
			r.sleep(ctx, cfg.PollInterval)
			continue
		}

		r.execute(ctx, job)
	}
}

func (r *Router) runReclaimer(ctx context.Context, cfg QueueConfig) {
	ticker := time.NewTicker(cfg.LeaseFor / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.store.Reclaim(ctx, cfg.Name); err != nil {
				r.logger.Error("lease reclaim failed",
					zap.String("queue", cfg.Name),
					zap.Error(err),
				)
			}
			if depth, err := r.store.Depth(ctx, cfg.Name); err == nil {
				metrics.SetQueueDepth(cfg.Name, depth)
			}
		}
	}
}

func (r *Router) execute(ctx context.Context, job *Job) {
	start := time.Now()

	var err error
	if h, ok := r.handlers[job.Kind]; ok {
		err = h(ctx, job)
	} else {
		err = errs.Permanent(fmt.Errorf("no handler for kind %q", job.Kind))
	}

	if err == nil {
		if ackErr := r.store.Ack(ctx, job); ackErr != nil {
			// The job ran but stayed leased; the reclaimer will retry it.
			// Handlers must therefore tolerate redelivery.
			r.logger.Error("ack failed",
				zap.String("queue", job.Queue),
				zap.String("job_id", job.ID.String()),
				zap.Error(ackErr),
			)
			return
		}
		metrics.RecordJobProcessed(job.Queue, "success", time.Since(start))
		if r.observer != nil {
			r.observer.JobSucceeded(job.Queue)
		}
		return
	}

	job.Attempt++
	job.LastError = err.Error()

	r.logger.Warn("job failed",
		zap.String("queue", job.Queue),
		zap.String("kind", string(job.Kind)),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("class", errs.ClassOf(err).String()),
		zap.Error(err),
	)

	if r.observer != nil {
		r.observer.JobFailed(job.Queue)
	}

	// Permanent failures skip the remaining budget; there is no point
	// burning retries on input that can never succeed.
	if errs.IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		r.forwardToDeadLetter(ctx, job)
		metrics.RecordJobProcessed(job.Queue, "dead_letter", time.Since(start))
		return
	}

	delay := job.Backoff.Delay(job.Attempt)
	if retryErr := r.store.Retry(ctx, job, time.Now().Add(delay)); retryErr != nil {
		r.logger.Error("reschedule failed, lease will expire and reclaim",
			zap.String("job_id", job.ID.String()),
			zap.Error(retryErr),
		)
		return
	}
	metrics.RecordJobProcessed(job.Queue, "retry", time.Since(start))
}

func (r *Router) forwardToDeadLetter(ctx context.Context, job *Job) {
	if job.Queue == QueueDeadLetter {
		// The dead-letter handler itself gave up. Nothing below it can
		// catch this; log at error level and drop the job from the queue.
		r.logger.Error("dead-letter handler exhausted retries, dropping job",
			zap.String("job_id", job.ID.String()),
			zap.String("last_error", job.LastError),
		)
		if err := r.store.Ack(ctx, job); err != nil {
			r.logger.Error("ack of dropped dead-letter job failed", zap.Error(err))
		}
		return
	}

	dl := DeadLettered{
		Job:       *job,
		LastError: job.LastError,
		FailedAt:  time.Now(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		r.logger.Error("marshal dead-lettered job", zap.Error(err))
		return
	}

	now := time.Now()
	dlJob := &Job{
		ID:          uuid.New(),
		Queue:       QueueDeadLetter,
		Kind:        KindDeadLetter,
		Payload:     payload,
		RunAt:       now,
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
		EnqueuedAt:  now,
	}

	if err := r.store.Enqueue(ctx, dlJob); err != nil {
		// Leave the original leased; the reclaimer re-runs it and the
		// forward is attempted again. Never silently dropped.
		r.logger.Error("dead-letter forward failed, job stays leased",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}

	if err := r.store.Ack(ctx, job); err != nil {
		r.logger.Error("ack after dead-letter forward failed", zap.Error(err))
	}

	r.logger.Info("job forwarded to dead-letter queue",
		zap.String("queue", job.Queue),
		zap.String("kind", string(job.Kind)),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", job.Attempt),
	)
}

func (r *Router) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
