package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      error rate over the rolling window crosses the threshold
//	Open -> HalfOpen:    after the cooldown expires
//	HalfOpen -> Closed:  probe request succeeds
//	HalfOpen -> Open:    probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit is open and requests are being
// rejected to protect the downstream provider.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies this breaker (e.g., "sms", "email").
	Name string

	// Window is the rolling window over which the error rate is computed.
	Window time.Duration

	// ErrorRate is the failure ratio within the window that trips the
	// circuit. 0.5 means half the recent requests failed.
	ErrorRate float64

	// MinSamples is the minimum number of requests in the window before
	// the rate is considered meaningful. Below this the circuit stays
	// closed no matter the ratio.
	MinSamples int

	// Cooldown is how long to stay open before probing.
	Cooldown time.Duration
}

// DefaultConfig returns the settings used for delivery providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		Window:     30 * time.Second,
		ErrorRate:  0.5,
		MinSamples: 5,
		Cooldown:   30 * time.Second,
	}
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker trips on the error rate over a rolling window rather than on a
// consecutive-failure count, so a burst of interleaved successes does not
// mask a provider that is failing half its traffic.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state         State
	samples       []sample
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time // injectable for tests
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.ErrorRate <= 0 || cfg.ErrorRate > 1 {
		cfg.ErrorRate = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	b := &Breaker{
		config: cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}

	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Duration("window", cfg.Window),
		zap.Float64("error_rate", cfg.ErrorRate),
		zap.Duration("cooldown", cfg.Cooldown),
	)

	return b
}

// Allow reports whether a request may proceed. In Open state it returns
// false until the cooldown elapses, then admits a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			b.logger.Info("circuit breaker allowing probe request",
				zap.String("name", b.config.Name),
			)
			return true
		}
		return false

	case StateHalfOpen:
		// One probe at a time.
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request. A successful probe closes
// the circuit and clears the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.append(true)

	if b.state == StateHalfOpen {
		b.samples = nil
		b.transitionTo(StateClosed)
		b.logger.Info("circuit breaker closed - provider recovered",
			zap.String("name", b.config.Name),
		)
	}
}

// RecordFailure records a failed request. In Closed state the circuit
// opens once the windowed error rate crosses the threshold; a failed
// probe re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.append(false)

	switch b.state {
	case StateClosed:
		total, failed := b.windowCounts()
		if total < b.config.MinSamples {
			return
		}
		rate := float64(failed) / float64(total)
		if rate >= b.config.ErrorRate {
			b.openedAt = b.now()
			b.transitionTo(StateOpen)
			b.logger.Warn("circuit breaker opened - error rate over threshold",
				zap.String("name", b.config.Name),
				zap.Float64("rate", rate),
				zap.Int("window_samples", total),
			)
		}

	case StateHalfOpen:
		b.openedAt = b.now()
		b.transitionTo(StateOpen)
		b.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot for admin/diagnostic endpoints.
type Stats struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	WindowSamples int     `json:"window_samples"`
	WindowFailed  int     `json:"window_failed"`
	ErrorRate     float64 `json:"error_rate"`
}

// Stats returns current windowed counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, failed := b.windowCounts()
	s := Stats{
		Name:          b.config.Name,
		State:         b.state.String(),
		WindowSamples: total,
		WindowFailed:  failed,
	}
	if total > 0 {
		s.ErrorRate = float64(failed) / float64(total)
	}
	return s
}

// Reset manually closes the circuit and clears the window. Operator
// override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = nil
	b.transitionTo(StateClosed)

	b.logger.Info("circuit breaker manually reset",
		zap.String("name", b.config.Name),
	)
}

// append records a sample and prunes entries that fell out of the window.
// Must be called with the lock held.
func (b *Breaker) append(ok bool) {
	now := b.now()
	b.samples = append(b.samples, sample{at: now, ok: ok})
	b.prune(now)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

func (b *Breaker) windowCounts() (total, failed int) {
	b.prune(b.now())
	for _, s := range b.samples {
		total++
		if !s.ok {
			failed++
		}
	}
	return total, failed
}

// transitionTo changes state (must be called with lock held).
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.probeInFlight = false
	metrics.SetBreakerState(b.config.Name, int(newState))

	b.logger.Debug("circuit breaker state transition",
		zap.String("name", b.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failed := b.windowCounts()
	return fmt.Sprintf("Breaker[%s] state=%s window=%d/%d",
		b.config.Name, b.state, failed, total)
}
