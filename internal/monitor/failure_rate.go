// Package monitor watches aggregate job outcomes for systemic
// degradation that per-job retries cannot see.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/alert"
)

// FailureRate implements queue.Observer. It counts outcomes per queue
// between samples; Sample (driven by the maintenance scheduler) raises
// an alert when any queue's failure share crosses the threshold, then
// resets the counters so each interval is judged on its own.
type FailureRate struct {
	mu     sync.Mutex
	counts map[string]*tally

	threshold float64
	minVolume int
	alerts    alert.Sink
	logger    *zap.Logger
}

type tally struct {
	processed int
	failed    int
}

// Config tunes the monitor.
type Config struct {
	// Threshold is the failure share that triggers an alert. 0.01
	// means one failure per hundred jobs.
	Threshold float64

	// MinVolume is the minimum jobs per interval before the rate is
	// judged; low-traffic intervals are skipped to avoid noise.
	MinVolume int
}

func NewFailureRate(cfg Config, alerts alert.Sink, logger *zap.Logger) *FailureRate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.01
	}
	if cfg.MinVolume <= 0 {
		cfg.MinVolume = 100
	}
	return &FailureRate{
		counts:    make(map[string]*tally),
		threshold: cfg.Threshold,
		minVolume: cfg.MinVolume,
		alerts:    alerts,
		logger:    logger,
	}
}

// JobSucceeded implements queue.Observer.
func (m *FailureRate) JobSucceeded(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(queue).processed++
}

// JobFailed implements queue.Observer.
func (m *FailureRate) JobFailed(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.get(queue)
	t.processed++
	t.failed++
}

// get must be called with the lock held.
func (m *FailureRate) get(queue string) *tally {
	t, ok := m.counts[queue]
	if !ok {
		t = &tally{}
		m.counts[queue] = t
	}
	return t
}

// Sample evaluates the interval and resets the counters. Returns the
// number of queues that alerted, mostly for tests.
func (m *FailureRate) Sample(ctx context.Context) int {
	m.mu.Lock()
	snapshot := m.counts
	m.counts = make(map[string]*tally)
	m.mu.Unlock()

	alerted := 0
	for queueName, t := range snapshot {
		if t.processed < m.minVolume {
			continue
		}
		rate := float64(t.failed) / float64(t.processed)
		if rate < m.threshold {
			continue
		}

		alerted++
		m.alerts.Raise(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Title:    "systemic job failure rate",
			Detail: fmt.Sprintf("queue %s failed %d of %d jobs (%.2f%%) this interval",
				queueName, t.failed, t.processed, rate*100),
			Labels: map[string]string{"queue": queueName},
		})

		m.logger.Error("systemic failure rate detected",
			zap.String("queue", queueName),
			zap.Int("processed", t.processed),
			zap.Int("failed", t.failed),
			zap.Float64("rate", rate),
		)
	}
	return alerted
}
