package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chattyai_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_jobs_enqueued_total",
			Help: "Total jobs enqueued by queue and kind",
		},
		[]string{"queue", "kind"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_jobs_processed_total",
			Help: "Total jobs processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chattyai_job_duration_seconds",
			Help:    "Handler execution time per queue",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chattyai_queue_depth",
			Help: "Jobs currently ready per queue",
		},
		[]string{"queue"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_notifications_delivered_total",
			Help: "Delivery attempts by channel, provider, and status",
		},
		[]string{"channel", "provider", "status"},
	)

	bookingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_bookings_processed_total",
			Help: "Bookings processed by outcome",
		},
		[]string{"outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chattyai_idempotency_hits_total",
			Help: "Webhook requests served from the idempotency cache",
		},
	)

	idempotencyFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chattyai_idempotency_fail_open_total",
			Help: "Requests admitted without dedup because the store was unavailable",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_rate_limit_rejections_total",
			Help: "HTTP requests rejected by the per-tenant rate limiter",
		},
		[]string{"tenant_id"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chattyai_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chattyai_alerts_raised_total",
			Help: "Alerts raised by severity",
		},
		[]string{"severity"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a job enqueue event.
func RecordJobEnqueued(queue, kind string) {
	jobsEnqueued.WithLabelValues(queue, kind).Inc()
}

// RecordJobProcessed records the outcome of one job execution.
// Outcome is one of "success", "retry", "dead_letter".
func RecordJobProcessed(queue, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// SetQueueDepth sets the ready-job gauge for a queue.
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDelivery records one provider delivery attempt.
func RecordDelivery(channel, provider, status string) {
	notificationsDelivered.WithLabelValues(channel, provider, status).Inc()
}

// RecordBookingProcessed records a booking outcome ("confirmed", "degraded", "invalid").
func RecordBookingProcessed(outcome string) {
	bookingsProcessed.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyHit records a replay served from the idempotency cache.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordIdempotencyFailOpen records a request admitted without dedup.
func RecordIdempotencyFailOpen() {
	idempotencyFailOpen.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetBreakerState exposes a circuit breaker state transition.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordAlert records an alert raised through the alerting sink.
func RecordAlert(severity string) {
	alertsRaised.WithLabelValues(severity).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
