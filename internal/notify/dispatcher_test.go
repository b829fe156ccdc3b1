package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/ratelimit"
)

type fakeProvider struct {
	name    string
	channel string
	err     error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Channel() string { return f.channel }

func (f *fakeProvider) Send(ctx context.Context, msg Message) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "msg-" + f.name, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryLog struct {
	mu      sync.Mutex
	entries []*db.NotificationLogEntry
}

func (m *memoryLog) AppendNotificationLog(ctx context.Context, entry *db.NotificationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLog) all() []*db.NotificationLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*db.NotificationLogEntry(nil), m.entries...)
}

func newTestDispatcher(t *testing.T, log *memoryLog) *Dispatcher {
	t.Helper()
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return NewDispatcher(registry, log, zap.NewNop())
}

func smsPayload() JobPayload {
	return JobPayload{
		TenantID:  uuid.New(),
		Channel:   db.ChannelSMS,
		Template:  TemplateBookingConfirmed,
		Recipient: "+15551234567",
		Data: map[string]string{
			"CustomerName": "Dana",
			"ServiceType":  "haircut",
			"BusinessName": "Shear Bliss",
			"StartsAt":     "Mon Jan 2 at 3:00 PM",
		},
	}
}

func TestDeliverViaPrimary(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS}
	fallback := &fakeProvider{name: "fallback", channel: db.ChannelSMS}
	d.Mount(db.ChannelSMS, NewPipeline(nil, zap.NewNop(), primary, fallback))

	if err := d.Deliver(context.Background(), smsPayload()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if primary.callCount() != 1 || fallback.callCount() != 0 {
		t.Fatalf("calls = primary %d fallback %d, want 1/0", primary.callCount(), fallback.callCount())
	}

	entries := log.all()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Provider != "primary" || entries[0].Status != db.DeliveryStatusSent {
		t.Fatalf("unexpected log entry: %+v", entries[0])
	}
}

func TestFailoverToFallback(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS, err: errors.New("provider down")}
	fallback := &fakeProvider{name: "fallback", channel: db.ChannelSMS}
	d.Mount(db.ChannelSMS, NewPipeline(nil, zap.NewNop(), primary, fallback))

	if err := d.Deliver(context.Background(), smsPayload()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if primary.callCount() != 1 || fallback.callCount() != 1 {
		t.Fatalf("calls = primary %d fallback %d, want 1/1", primary.callCount(), fallback.callCount())
	}

	// One failed attempt and one successful attempt, both logged.
	entries := log.all()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	if entries[0].Status != db.DeliveryStatusFailed || entries[0].ErrorDetail == nil {
		t.Fatalf("first entry should be a logged failure: %+v", entries[0])
	}
	if entries[1].Status != db.DeliveryStatusSent {
		t.Fatalf("second entry should be sent: %+v", entries[1])
	}
}

func TestOpenBreakerSkipsPrimary(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS, err: errors.New("provider down")}
	fallback := &fakeProvider{name: "fallback", channel: db.ChannelSMS}
	d.Mount(db.ChannelSMS, NewPipeline(nil, zap.NewNop(), primary, fallback))

	// Enough failures to trip the primary's breaker.
	for i := 0; i < 6; i++ {
		if err := d.Deliver(context.Background(), smsPayload()); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}

	before := primary.callCount()
	if err := d.Deliver(context.Background(), smsPayload()); err != nil {
		t.Fatalf("deliver after trip: %v", err)
	}
	if primary.callCount() != before {
		t.Fatal("primary should be skipped while its circuit is open")
	}
	if fallback.callCount() == 0 {
		t.Fatal("fallback should carry the traffic")
	}
}

func TestValidationErrorStopsFailover(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS, err: errs.Validationf("invalid recipient")}
	fallback := &fakeProvider{name: "fallback", channel: db.ChannelSMS}
	d.Mount(db.ChannelSMS, NewPipeline(nil, zap.NewNop(), primary, fallback))

	err := d.Deliver(context.Background(), smsPayload())
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.ClassOf(err) != errs.ClassValidation {
		t.Fatalf("class = %v, want validation", errs.ClassOf(err))
	}
	if fallback.callCount() != 0 {
		t.Fatal("bad input must not be retried on the fallback")
	}
}

func TestAllProvidersFail(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS, err: errors.New("down")}
	fallback := &fakeProvider{name: "fallback", channel: db.ChannelSMS, err: errors.New("also down")}
	d.Mount(db.ChannelSMS, NewPipeline(nil, zap.NewNop(), primary, fallback))

	err := d.Deliver(context.Background(), smsPayload())
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.ClassOf(err) != errs.ClassTransient {
		t.Fatalf("class = %v, want transient so the job retries", errs.ClassOf(err))
	}
}

func TestSendRateCapBlocksInsteadOfFailing(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS}
	limiter := ratelimit.NewBucket(1, 1, 50*time.Millisecond)
	d.Mount(db.ChannelSMS, NewPipeline(limiter, zap.NewNop(), primary))

	// The first delivery drains the bucket; the second waits for the
	// refill and still succeeds. Throttling is not a job failure.
	for i := 0; i < 2; i++ {
		if err := d.Deliver(context.Background(), smsPayload()); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if primary.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", primary.callCount())
	}
}

func TestSendRateCapWaitHonorsContext(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	primary := &fakeProvider{name: "primary", channel: db.ChannelSMS}
	limiter := ratelimit.NewBucket(1, 1, time.Hour)
	d.Mount(db.ChannelSMS, NewPipeline(limiter, zap.NewNop(), primary))

	if err := d.Deliver(context.Background(), smsPayload()); err != nil {
		t.Fatalf("first deliver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Deliver(ctx, smsPayload())
	if err == nil {
		t.Fatal("expected error once the context expires")
	}
	if errs.ClassOf(err) != errs.ClassTransient {
		t.Fatalf("class = %v, want transient so the job retries", errs.ClassOf(err))
	}
	if primary.callCount() != 1 {
		t.Fatalf("provider calls = %d, interrupted waits must not reach the provider", primary.callCount())
	}
}

func TestUnknownChannelIsPermanent(t *testing.T) {
	log := &memoryLog{}
	d := newTestDispatcher(t, log)

	payload := smsPayload()
	payload.Channel = "carrier-pigeon"

	err := d.Deliver(context.Background(), payload)
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.ClassOf(err) != errs.ClassPermanent {
		t.Fatalf("class = %v, want permanent", errs.ClassOf(err))
	}
}
