package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/formprep/internal/config"
	"github.com/dunamismax/formprep/internal/pipeline"
	"github.com/dunamismax/formprep/internal/storage"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/telemetry"
	"github.com/dunamismax/formprep/internal/webhook"
	"github.com/dunamismax/formprep/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image backend startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "formprep-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

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
	defer func() { _ = closeStore() }()

	var mirror pipeline.ObjectWriter
	if cfg.Storage.WorkerMirror {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		mirror = storageClient
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d job_timeout=%s queue=%s redis=%s backend=%s mirror=%t",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Worker.JobTimeout,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		pipeline.Backend(),
		mirror != nil,
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, runStore, webhookClient, mirror, cfg.Storage.MirrorPrefix)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
