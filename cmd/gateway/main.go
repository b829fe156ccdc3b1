package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/alert"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/analytics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/api"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/booking"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/calendar"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/config"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/deadletter"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/followup"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/idempotency"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/maintenance"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/monitor"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/notify"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/observ"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/ratelimit"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting booking gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Database
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the queue store, the idempotency gate, HTTP rate
	// limiting, and the maintenance lock. Unlike the HTTP-side extras,
	// the queue cannot run without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	gate := idempotency.NewGate(redisClient.Raw(), logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,             // 100 requests
		Window: 1 * time.Minute, // per minute per tenant
	})
	locker := redislock.New(redisClient.Raw())

	// Queue router
	store := queue.NewStore(redisClient.Raw(), logger)
	router, err := queue.NewRouter(store, queue.DefaultQueues(), logger)
	if err != nil {
		return fmt.Errorf("failed to build queue router: %w", err)
	}

	// Alerting
	var alerts alert.Sink
	if cfg.AlertWebhookURL != "" {
		alerts = alert.NewWebhookSink(cfg.AlertWebhookURL, logger)
	} else {
		alerts = alert.NewLogSink(logger)
	}

	failureMonitor := monitor.NewFailureRate(monitor.Config{}, alerts, logger)
	router.SetObserver(failureMonitor)

	// Notification pipelines: SES with SMTP fallback for email, SNS
	// with an HTTP gateway fallback for SMS. The SMS pipeline carries
	// the provider send-rate cap.
	registry, err := notify.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to build template registry: %w", err)
	}
	dispatcher := notify.NewDispatcher(registry, repo, logger)

	var smsProviders []notify.Provider
	snsProvider, err := notify.NewSNSProvider(ctx, notify.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS provider unavailable", zap.Error(err))
	} else {
		smsProviders = append(smsProviders, snsProvider)
	}
	if cfg.SMSGatewayURL != "" {
		smsProviders = append(smsProviders, notify.NewHTTPSMSProvider(notify.HTTPSMSConfig{
			BaseURL: cfg.SMSGatewayURL,
			APIKey:  cfg.SMSGatewayAPIKey,
		}, logger))
	}
	if len(smsProviders) > 0 {
		smsLimiter := ratelimit.NewBucket(60, 60, time.Minute)
		dispatcher.Mount(db.ChannelSMS, notify.NewPipeline(smsLimiter, logger, smsProviders...))
	} else {
		logger.Warn("no SMS provider configured, SMS notifications disabled")
	}

	var emailProviders []notify.Provider
	sesProvider, err := notify.NewSESProvider(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES provider unavailable", zap.Error(err))
	} else {
		emailProviders = append(emailProviders, sesProvider)
	}
	if cfg.SMTPHost != "" {
		emailProviders = append(emailProviders, notify.NewSMTPProvider(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger))
	}
	if len(emailProviders) > 0 {
		dispatcher.Mount(db.ChannelEmail, notify.NewPipeline(nil, logger, emailProviders...))
	} else {
		logger.Warn("no email provider configured, email notifications disabled")
	}

	// Booking processor and its collaborators
	calClient := calendar.NewClient(calendar.Config{
		BaseURL: cfg.CalendarBaseURL,
		APIKey:  cfg.CalendarAPIKey,
	}, logger)
	followUpClient := followup.NewClient(followup.Config{BaseURL: cfg.FollowUpBaseURL}, logger)

	processor := booking.NewProcessor(repo, calClient, router, followUpClient, booking.Config{
		BusinessName:  cfg.BusinessName,
		FollowUpDelay: time.Duration(cfg.FollowUpDelaySec) * time.Second,
	}, logger)

	publisher, err := analytics.NewPublisher(ctx, analytics.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSAnalyticsQueueURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build analytics publisher: %w", err)
	}

	dlq := deadletter.New(repo, router, alerts, logger)

	// Bind every kind to its queue before Start; an unbound queue is a
	// boot failure, not a runtime surprise.
	registrations := []struct {
		queue   string
		kind    queue.Kind
		handler queue.Handler
	}{
		{queue.QueueBooking, queue.KindBooking, processor.HandleBookingJob},
		{queue.QueueNotification, queue.KindNotification, dispatcher.HandleJob},
		{queue.QueueCalendarSync, queue.KindCalendarSync, processor.HandleCalendarSyncJob},
		{queue.QueueAnalytics, queue.KindAnalytics, publisher.HandleJob},
		{queue.QueueFollowUp, queue.KindFollowUp, processor.HandleFollowUpJob},
		{queue.QueueDeadLetter, queue.KindDeadLetter, dlq.HandleJob},
	}
	for _, reg := range registrations {
		if err := router.Register(reg.queue, reg.kind, reg.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.kind, err)
		}
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if err := router.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}
	logger.Info("queue workers started")

	// Maintenance schedule
	sweeper := maintenance.NewSweeper(locker, store, repo, failureMonitor, queue.DefaultQueues(), logger)
	if err := sweeper.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start maintenance schedule: %w", err)
	}

	// HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, router, gate)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/webhook/booking", handler.BookAppointment)
		r.Get("/bookings/{id}", handler.GetBooking)

		r.Get("/admin/failed-jobs", handler.ListFailedJobs)
		r.Get("/admin/failed-jobs/{id}", handler.GetFailedJob)
		r.Post("/admin/failed-jobs/{id}/retry", handler.RetryFailedJob)
		r.Post("/admin/failed-jobs/{id}/discard", handler.DiscardFailedJob)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := database.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		if err := redisClient.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop intake first, then drain workers.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		sweeper.Stop()
		workerCancel()
		router.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
