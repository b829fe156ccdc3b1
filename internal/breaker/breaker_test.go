package breaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New(Config{
		Name:       "test",
		Window:     30 * time.Second,
		ErrorRate:  0.5,
		MinSamples: 4,
		Cooldown:   10 * time.Second,
	}, zap.NewNop())
	b.now = clock.now
	return b, clock
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Three straight failures, but the window has too few samples to judge.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
}

func TestOpensOnErrorRate(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure() // 2/4 failed, at threshold

	if got := b.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestStaysClosedUnderThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 6; i++ {
		b.RecordSuccess()
	}
	b.RecordFailure()
	b.RecordFailure() // 2/8 failed

	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestOldSamplesFallOutOfWindow(t *testing.T) {
	b, clock := newTestBreaker(t)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	// The failures age out before enough traffic arrives to trip.
	clock.advance(31 * time.Second)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure() // 1/4 in the live window

	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestProbeAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// Before cooldown: rejected.
	clock.advance(5 * time.Second)
	if b.Allow() {
		t.Fatal("should reject before cooldown elapses")
	}

	// After cooldown: exactly one probe admitted.
	clock.advance(6 * time.Second)
	if !b.Allow() {
		t.Fatal("should admit probe after cooldown")
	}
	if got := b.GetState(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if b.Allow() {
		t.Fatal("only one probe should be in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}

	b.RecordSuccess()

	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("recovered breaker should allow requests")
	}

	// Window was cleared on recovery; a single failure must not re-trip.
	b.RecordFailure()
	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state after one failure = %v, want closed", got)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}

	b.RecordFailure()

	if got := b.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if b.Allow() {
		t.Fatal("re-opened breaker should reject until cooldown")
	}

	// Cooldown restarts from the failed probe.
	clock.advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("should admit another probe after second cooldown")
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	b.Reset()

	if got := b.GetState(); got != StateClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if s := b.Stats(); s.WindowSamples != 0 {
		t.Fatalf("window samples after reset = %d, want 0", s.WindowSamples)
	}
}
