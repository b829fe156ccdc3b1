package idempotency

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupGate(t *testing.T) (*Gate, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := NewGate(rdb, zap.NewNop())

	return gate, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestGate_FreshRequestIsNew(t *testing.T) {
	gate, _, cleanup := setupGate(t)
	defer cleanup()

	res := gate.Admit(context.Background(), "tenant-1", "req-1", "bookAppointment", []byte(`{"name":"Jane"}`))
	if !res.IsNew {
		t.Fatal("fresh request should be admitted as new")
	}
	if res.Cached != nil {
		t.Fatalf("fresh request should have no cached response, got %s", res.Cached)
	}
}

func TestGate_DuplicateBeforeComplete(t *testing.T) {
	gate, _, cleanup := setupGate(t)
	defer cleanup()
	ctx := context.Background()

	gate.Admit(ctx, "tenant-1", "req-1", "bookAppointment", []byte(`{}`))

	res := gate.Admit(ctx, "tenant-1", "req-1", "bookAppointment", []byte(`{}`))
	if res.IsNew {
		t.Fatal("duplicate should not be admitted as new")
	}
	if res.Cached != nil {
		t.Fatal("no response should be cached before Complete")
	}
}

func TestGate_DuplicateAfterCompleteReplaysResponse(t *testing.T) {
	gate, _, cleanup := setupGate(t)
	defer cleanup()
	ctx := context.Background()

	gate.Admit(ctx, "tenant-1", "req-1", "bookAppointment", []byte(`{}`))

	response := []byte(`{"booking_id":"b-123","status":"accepted"}`)
	if err := gate.Complete(ctx, "tenant-1", "req-1", response); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	res := gate.Admit(ctx, "tenant-1", "req-1", "bookAppointment", []byte(`{}`))
	if res.IsNew {
		t.Fatal("duplicate should not be admitted as new")
	}
	if !bytes.Equal(res.Cached, response) {
		t.Fatalf("cached response must match byte-for-byte: got %s, want %s", res.Cached, response)
	}
}

func TestGate_TenantsDoNotCollide(t *testing.T) {
	gate, _, cleanup := setupGate(t)
	defer cleanup()
	ctx := context.Background()

	gate.Admit(ctx, "tenant-1", "req-1", "bookAppointment", []byte(`{}`))

	res := gate.Admit(ctx, "tenant-2", "req-1", "bookAppointment", []byte(`{}`))
	if !res.IsNew {
		t.Fatal("same request id under a different tenant should be new")
	}
}

func TestGate_FailsOpenWhenStoreDown(t *testing.T) {
	gate, mr, cleanup := setupGate(t)
	defer cleanup()

	mr.Close()

	res := gate.Admit(context.Background(), "tenant-1", "req-1", "bookAppointment", []byte(`{}`))
	if !res.IsNew {
		t.Fatal("gate must fail open when the store is unavailable")
	}
	if !res.FailedOpen {
		t.Fatal("fail-open admissions should be flagged")
	}
}

func TestGate_CompleteWithoutAdmitFails(t *testing.T) {
	gate, _, cleanup := setupGate(t)
	defer cleanup()

	if err := gate.Complete(context.Background(), "tenant-1", "never-admitted", []byte(`{}`)); err == nil {
		t.Fatal("complete without a prior admit should fail")
	}
}
