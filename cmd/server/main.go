package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PaceMail/internal/api"
	"PaceMail/internal/config"
	"PaceMail/internal/db"
	"PaceMail/internal/email"
	"PaceMail/internal/metrics"
	"PaceMail/internal/queue"
	"PaceMail/internal/ratelimit"
	"PaceMail/internal/schedule"
	"PaceMail/internal/scheduler"
	"PaceMail/internal/status"
	"PaceMail/internal/worker"
)

const (
	connectTimeout = time.Minute
	releaseDelay   = 30 * time.Second
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	var store *db.Store
	err = connect(ctx, logger, "postgres", func() error {
		s, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Redis
	// ------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	err = connect(ctx, logger, "redis", func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Rate Counter + Queue
	// ------------------------------------------------
	counter := ratelimit.New(rdb, cfg.MaxEmailsPerHour, logger,
		ratelimit.WithMirror(store),
		ratelimit.WithMirrorTimeout(cfg.StatusWriteTimeout),
	)

	jobs := queue.New(rdb, queue.Options{
		Prefix:       cfg.QueuePrefix,
		PollInterval: cfg.QueuePollInterval,
		Lease:        cfg.QueueLease,
		Retention:    cfg.JobRetention,
	})

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := email.NewSender(
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUser,
		cfg.SMTPPassword,
		cfg.SMTPFrom,
		cfg.SendTimeout,
	)

	// ------------------------------------------------
	// Global Send Limiter (optional)
	// ------------------------------------------------
	var limiter *rate.Limiter
	if cfg.GlobalSendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalSendRate), 1)
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	dispatcher := &worker.Dispatcher{
		Queue:        jobs,
		Counter:      counter,
		Status:       status.NewProjector(store, logger, cfg.StatusWriteTimeout),
		Records:      store,
		Mailer:       sender,
		Log:          logger,
		Limiter:      limiter,
		MinDelay:     cfg.MinDelay,
		ReleaseDelay: releaseDelay,
	}

	var wg sync.WaitGroup

	worker.StartPool(
		ctx,
		&wg,
		cfg.WorkerConcurrency,
		dispatcher,
		logger,
		cfg.QueueLease/2,
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	batches := scheduler.NewService(
		store,
		jobs,
		schedule.NewCalculator(counter, nil),
		validator.New(),
		scheduler.Defaults{
			MinDelay:    cfg.MinDelay,
			HourlyLimit: cfg.MaxEmailsPerHour,
		},
		logger,
	)

	apiHandler := &api.Handler{
		Scheduler: batches,
		Emails:    store,
		Limits:    counter,
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		Log: logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new batches
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait workers to finish their current job
	wg.Wait()

	// Flush rate counter mirror writes
	counter.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// connect retries fn with exponential backoff until it succeeds, ctx ends or
// connectTimeout passes.
func connect(ctx context.Context, logger *zap.Logger, name string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout

	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("connection attempt failed, retrying",
			zap.String("service", name),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
