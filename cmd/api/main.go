package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/formprep/internal/api"
	"github.com/dunamismax/formprep/internal/config"
	"github.com/dunamismax/formprep/internal/queue"
	"github.com/dunamismax/formprep/internal/ratelimit"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/telemetry"
	"github.com/dunamismax/formprep/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "formprep-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	runStore, closeStore, err := store.Open(ctx, store.Options{
		Backend:     cfg.Store.Backend,
		PostgresDSN: cfg.Store.PostgresDSN,
		RedisAddr:   cfg.Queue.RedisAddr,
		RedisPass:   cfg.Queue.RedisPassword,
		RedisDB:     cfg.Queue.RedisDB,
		KeyPrefix:   cfg.Store.KeyPrefix,
	})
	if err != nil {
		logger.Fatalf("run store setup failed backend=%s err=%v", cfg.Store.Backend, err)
	}
	if cfg.Store.Backend == store.BackendMemory || cfg.Store.Backend == "" {
		logger.Printf("run store is in-memory; workers in other processes cannot record results")
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.JobTimeout)

	// Runs whose enqueue fails are completed by the API itself.
	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	opts := api.Options{
		RateLimitUserIDHeader: cfg.RateLimit.SubjectHeader,
		Tracer:                otel.Tracer("formprep/api"),
		Webhook:               webhookClient,
	}
	var redisClient *redis.Client
	if cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	app := api.NewServer(logger, queueClient, runStore, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := queueClient.Close(); err != nil {
		logger.Printf("queue client close error: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := closeStore(); err != nil {
		logger.Printf("run store close error: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown error: %v", err)
	}
}
