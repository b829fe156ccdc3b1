package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/idempotency"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

type fakeStore struct {
	bookings   map[uuid.UUID]*db.Booking
	failedJobs map[uuid.UUID]*db.FailedJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings:   make(map[uuid.UUID]*db.Booking),
		failedJobs: make(map[uuid.UUID]*db.FailedJob),
	}
}

func (s *fakeStore) GetBooking(ctx context.Context, id uuid.UUID) (*db.Booking, error) {
	bk, ok := s.bookings[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return bk, nil
}

func (s *fakeStore) ListFailedJobs(ctx context.Context, limit, offset int) ([]*db.FailedJob, error) {
	out := make([]*db.FailedJob, 0, len(s.failedJobs))
	for _, fj := range s.failedJobs {
		out = append(out, fj)
	}
	return out, nil
}

func (s *fakeStore) GetFailedJob(ctx context.Context, id uuid.UUID) (*db.FailedJob, error) {
	fj, ok := s.failedJobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return fj, nil
}

func (s *fakeStore) MarkFailedJobRetried(ctx context.Context, id, retriedJobID uuid.UUID) error {
	fj, ok := s.failedJobs[id]
	if !ok || fj.Status != db.FailedJobStatusPending {
		return db.ErrNotFound
	}
	fj.Status = db.FailedJobStatusRetried
	fj.RetriedJobID = &retriedJobID
	return nil
}

func (s *fakeStore) DiscardFailedJob(ctx context.Context, id uuid.UUID) error {
	fj, ok := s.failedJobs[id]
	if !ok || fj.Status != db.FailedJobStatusPending {
		return db.ErrNotFound
	}
	fj.Status = db.FailedJobStatusDiscarded
	return nil
}

type enqueuedJob struct {
	queue   string
	kind    queue.Kind
	payload any
}

type fakeEnqueuer struct {
	jobs []enqueuedJob
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any, opts queue.EnqueueOptions) (uuid.UUID, error) {
	e.jobs = append(e.jobs, enqueuedJob{queue: queueName, kind: kind, payload: payload})
	return uuid.New(), nil
}

func newTestGate(t *testing.T) *idempotency.Gate {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.NewGate(rdb, zap.NewNop())
}

func newTestRouter(store *fakeStore, enq *fakeEnqueuer, gate *idempotency.Gate) http.Handler {
	h := NewHandler(zap.NewNop(), store, enq, gate)

	r := chi.NewRouter()
	r.Post("/v1/webhook/booking", h.BookAppointment)
	r.Get("/v1/bookings/{id}", h.GetBooking)
	r.Get("/v1/admin/failed-jobs", h.ListFailedJobs)
	r.Get("/v1/admin/failed-jobs/{id}", h.GetFailedJob)
	r.Post("/v1/admin/failed-jobs/{id}/retry", h.RetryFailedJob)
	r.Post("/v1/admin/failed-jobs/{id}/discard", h.DiscardFailedJob)
	return r
}

func webhookBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"tenant_id":     uuid.NewString(),
		"customer_name": "Dana Smith",
		"phone":         "+15551234567",
		"email":         "dana@example.com",
		"service_type":  "haircut",
		"start_time":    time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"end_time":      time.Now().Add(25 * time.Hour).UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestBookAppointmentAccepted(t *testing.T) {
	enq := &fakeEnqueuer{}
	router := newTestRouter(newFakeStore(), enq, newTestGate(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/booking", bytes.NewReader(webhookBody(t)))
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	var resp BookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" {
		t.Fatalf("status = %s, want queued", resp.Status)
	}
	if _, err := uuid.Parse(resp.BookingID); err != nil {
		t.Fatalf("booking_id not a uuid: %s", resp.BookingID)
	}

	if len(enq.jobs) != 1 || enq.jobs[0].kind != queue.KindBooking {
		t.Fatalf("enqueued = %+v, want one booking job", enq.jobs)
	}
}

func TestDuplicateWebhookReplaysSameBookingID(t *testing.T) {
	enq := &fakeEnqueuer{}
	router := newTestRouter(newFakeStore(), enq, newTestGate(t))
	body := webhookBody(t)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhook/booking", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", "req-1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	second := send()

	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	// The replay matches the original response in full, status included.
	if second.Code != http.StatusAccepted {
		t.Fatalf("second status = %d, want 202 replay", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Fatal("replay header missing")
	}

	var r1, r2 BookingResponse
	_ = json.Unmarshal(first.Body.Bytes(), &r1)
	_ = json.Unmarshal(second.Body.Bytes(), &r2)
	if r1.BookingID != r2.BookingID {
		t.Fatalf("booking ids differ across duplicates: %s vs %s", r1.BookingID, r2.BookingID)
	}

	// The duplicate must not schedule a second job.
	if len(enq.jobs) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(enq.jobs))
	}
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	enq := &fakeEnqueuer{}
	router := newTestRouter(newFakeStore(), enq, newTestGate(t))
	body := webhookBody(t)

	for _, key := range []string{"req-1", "req-2"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhook/booking", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status for %s = %d", key, rec.Code)
		}
	}

	if len(enq.jobs) != 2 {
		t.Fatalf("enqueued jobs = %d, want 2", len(enq.jobs))
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	router := newTestRouter(newFakeStore(), &fakeEnqueuer{}, newTestGate(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/booking", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %s", ct)
	}
}

func TestInvalidPhoneRejectedSynchronously(t *testing.T) {
	enq := &fakeEnqueuer{}
	router := newTestRouter(newFakeStore(), enq, newTestGate(t))

	body, _ := json.Marshal(map[string]string{
		"tenant_id":     uuid.NewString(),
		"customer_name": "Dana",
		"phone":         "555-1234",
		"service_type":  "haircut",
		"start_time":    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"end_time":      time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/booking", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatal("invalid booking must not be enqueued")
	}
}

func TestGetBookingNotFound(t *testing.T) {
	router := newTestRouter(newFakeStore(), &fakeEnqueuer{}, newTestGate(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/bookings/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetBooking(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.bookings[id] = &db.Booking{ID: id, Status: db.BookingStatusConfirmed}

	router := newTestRouter(store, &fakeEnqueuer{}, newTestGate(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/bookings/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var bk db.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &bk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bk.ID != id || bk.Status != db.BookingStatusConfirmed {
		t.Fatalf("unexpected booking: %+v", bk)
	}
}

func TestRetryFailedJob(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.failedJobs[id] = &db.FailedJob{
		ID:      id,
		JobID:   uuid.New(),
		Queue:   queue.QueueNotification,
		Kind:    string(queue.KindNotification),
		Payload: json.RawMessage(`{"channel":"sms"}`),
		Status:  db.FailedJobStatusPending,
	}

	enq := &fakeEnqueuer{}
	router := newTestRouter(store, enq, newTestGate(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/failed-jobs/"+id.String()+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(enq.jobs) != 1 || enq.jobs[0].queue != queue.QueueNotification {
		t.Fatalf("enqueued = %+v", enq.jobs)
	}
	if store.failedJobs[id].Status != db.FailedJobStatusRetried {
		t.Fatalf("status = %s, want retried", store.failedJobs[id].Status)
	}
}

func TestRetryNonPendingConflicts(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.failedJobs[id] = &db.FailedJob{
		ID:     id,
		Queue:  queue.QueueNotification,
		Kind:   string(queue.KindNotification),
		Status: db.FailedJobStatusDiscarded,
	}

	enq := &fakeEnqueuer{}
	router := newTestRouter(store, enq, newTestGate(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/failed-jobs/"+id.String()+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatal("discarded job must not be re-enqueued")
	}
}

func TestDiscardFailedJob(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.failedJobs[id] = &db.FailedJob{ID: id, Status: db.FailedJobStatusPending}

	router := newTestRouter(store, &fakeEnqueuer{}, newTestGate(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/failed-jobs/"+id.String()+"/discard", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.failedJobs[id].Status != db.FailedJobStatusDiscarded {
		t.Fatalf("status = %s, want discarded", store.failedJobs[id].Status)
	}
}
