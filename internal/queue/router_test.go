package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

func testQueues() []QueueConfig {
	qs := DefaultQueues()
	for i := range qs {
		qs[i].PollInterval = 10 * time.Millisecond
		qs[i].Backoff = Backoff{Kind: BackoffFixed, Base: 10 * time.Millisecond}
	}
	return qs
}

// registerNop binds a do-nothing handler to every kind so Start's
// completeness check passes.
func registerNop(t *testing.T, r *Router) {
	t.Helper()
	nop := func(ctx context.Context, job *Job) error { return nil }
	bindings := map[string]Kind{
		QueueBooking:      KindBooking,
		QueueNotification: KindNotification,
		QueueCalendarSync: KindCalendarSync,
		QueueAnalytics:    KindAnalytics,
		QueueFollowUp:     KindFollowUp,
		QueueDeadLetter:   KindDeadLetter,
	}
	for q, k := range bindings {
		if _, bound := r.kindQueue[k]; bound {
			continue
		}
		if err := r.Register(q, k, nop); err != nil {
			t.Fatalf("register %s: %v", k, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRouter_RegisterRejectsUnknownQueue(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, err := NewRouter(store, testQueues(), zap.NewNop())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	err = r.Register("no-such-queue", KindBooking, func(ctx context.Context, job *Job) error { return nil })
	if err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestRouter_RegisterRejectsRebinding(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())
	h := func(ctx context.Context, job *Job) error { return nil }

	if err := r.Register(QueueBooking, KindBooking, h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(QueueBooking, KindBooking, h); err == nil {
		t.Fatal("expected error for rebinding a kind")
	}
}

func TestRouter_StartRejectsUnboundQueue(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())
	// Only booking is bound; the other five queues are not.
	_ = r.Register(QueueBooking, KindBooking, func(ctx context.Context, job *Job) error { return nil })

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail with unbound queues")
	}
}

func TestRouter_EnqueueRejectsUnboundKind(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())

	if _, err := r.Enqueue(context.Background(), QueueBooking, KindBooking, map[string]string{}, EnqueueOptions{}); err == nil {
		t.Fatal("expected error for unbound kind")
	}
}

func TestRouter_ProcessesJob(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())

	var mu sync.Mutex
	var got []string
	_ = r.Register(QueueBooking, KindBooking, func(ctx context.Context, job *Job) error {
		var payload map[string]string
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, payload["name"])
		mu.Unlock()
		return nil
	})
	registerNop(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := r.Enqueue(ctx, QueueBooking, KindBooking, map[string]string{"name": "jane"}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "jane"
	})

	cancel()
	r.Wait()
}

func TestRouter_RetryExhaustionDeadLettersOnce(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	var deadLettered []DeadLettered

	_ = r.Register(QueueBooking, KindBooking, func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("provider timeout")
	})
	_ = r.Register(QueueDeadLetter, KindDeadLetter, func(ctx context.Context, job *Job) error {
		var dl DeadLettered
		if err := json.Unmarshal(job.Payload, &dl); err != nil {
			return err
		}
		mu.Lock()
		deadLettered = append(deadLettered, dl)
		mu.Unlock()
		return nil
	})
	registerNop(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := r.Enqueue(ctx, QueueBooking, KindBooking, map[string]string{}, EnqueueOptions{MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deadLettered) > 0
	})

	cancel()
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	if len(deadLettered) != 1 {
		t.Fatalf("expected exactly one dead-lettered job, got %d", len(deadLettered))
	}
	if deadLettered[0].Job.Attempt != 3 {
		t.Errorf("dead-lettered job should carry attempt count 3, got %d", deadLettered[0].Job.Attempt)
	}
	if deadLettered[0].LastError == "" {
		t.Error("dead-lettered job should carry the last error")
	}
}

func TestRouter_PermanentErrorSkipsRetries(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	r, _ := NewRouter(store, testQueues(), zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	deadLettered := 0

	_ = r.Register(QueueNotification, KindNotification, func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errs.Permanent(fmt.Errorf("invalid recipient"))
	})
	_ = r.Register(QueueDeadLetter, KindDeadLetter, func(ctx context.Context, job *Job) error {
		mu.Lock()
		deadLettered++
		mu.Unlock()
		return nil
	})
	registerNop(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := r.Enqueue(ctx, QueueNotification, KindNotification, map[string]string{}, EnqueueOptions{MaxAttempts: 5}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deadLettered > 0
	})

	cancel()
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("permanent failure should not be retried, got %d attempts", attempts)
	}
}

func TestBackoff_ExponentialDelaysIncrease(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Base: 2 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := b.Delay(attempt)
		if d <= prev {
			t.Fatalf("delay for attempt %d (%s) not greater than previous (%s)", attempt, d, prev)
		}
		prev = d
	}

	if got := b.Delay(1); got != 2*time.Second {
		t.Errorf("first delay: got %s, want 2s", got)
	}
	if got := b.Delay(2); got != 4*time.Second {
		t.Errorf("second delay: got %s, want 4s", got)
	}
}

func TestBackoff_FixedDelayConstant(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, Base: 5 * time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := b.Delay(attempt); got != 5*time.Second {
			t.Errorf("attempt %d: got %s, want 5s", attempt, got)
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Base: 2 * time.Second}
	if got := b.Delay(30); got != maxBackoffDelay {
		t.Errorf("expected cap at %s, got %s", maxBackoffDelay, got)
	}
}
