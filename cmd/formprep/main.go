package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/formprep/internal/batch"
	"github.com/dunamismax/formprep/internal/cli"
	"github.com/dunamismax/formprep/internal/config"
	"github.com/dunamismax/formprep/internal/pipeline"
	"github.com/dunamismax/formprep/internal/storage"
	"github.com/dunamismax/formprep/internal/store"
	"github.com/dunamismax/formprep/internal/telemetry"
	"github.com/dunamismax/formprep/internal/webhook"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	inv, err := cli.ParseInvocation(args)
	if err != nil {
		code := cli.ExitCode(err)
		if code == cli.ExitSuccess {
			fmt.Fprint(os.Stdout, err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "formprep: %v\n", err)
		}
		return code
	}

	cfg := config.Load()
	logger := log.New(os.Stdout, "[formprep] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Startup(); err != nil {
		logger.Printf("image backend startup failed: %v", err)
		return cli.ExitSetupError
	}
	defer pipeline.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "formprep",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Printf("tracing setup failed: %v", err)
		return cli.ExitSetupError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
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
		logger.Printf("run store setup failed backend=%s err=%v", cfg.Store.Backend, err)
		return cli.ExitSetupError
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Printf("run store close error: %v", err)
		}
	}()

	opts := batch.Options{
		Workers:      inv.Workers,
		JobTimeout:   inv.JobTimeout,
		Recorder:     runStore,
		MirrorPrefix: cfg.Storage.MirrorPrefix,
	}
	if inv.Mirror {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Printf("mirror setup failed: %v", err)
			return cli.ExitSetupError
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Printf("mirror setup failed: %v", err)
			return cli.ExitSetupError
		}
		logger.Printf("mirroring outputs bucket=%s prefix=%s", storageClient.Bucket(), cfg.Storage.MirrorPrefix)
		opts.Mirror = storageClient
	}

	orchestrator := batch.New(logger, opts)

	if inv.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", orchestrator.Metrics().Handler())
		metricsServer := &http.Server{
			Addr:              inv.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("metrics listening on %s", inv.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	summary, err := orchestrator.Run(ctx, inv.Spec)
	if err != nil {
		logger.Printf("run aborted err=%v", err)
		return cli.ExitCode(err)
	}

	// Reporting happens after a cancelled run as well, so it must not
	// inherit the signal context.
	reportCtx := context.WithoutCancel(ctx)
	if inv.WebhookURL != "" {
		run, _, err := runStore.GetRun(reportCtx, summary.RunID)
		if err != nil {
			logger.Printf("run lookup failed run_id=%s err=%v", summary.RunID, err)
		}
		client := webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
		if err := client.Send(reportCtx, inv.WebhookURL, webhook.EventRunCompleted, webhook.NewRunCompleted(summary, run.Geometry)); err != nil {
			logger.Printf("webhook delivery failed run_id=%s err=%v", summary.RunID, err)
		}
	}
	if inv.Pushgateway != "" {
		pushCtx, cancel := context.WithTimeout(reportCtx, 10*time.Second)
		defer cancel()
		if err := orchestrator.Metrics().Push(pushCtx, inv.Pushgateway, "formprep"); err != nil {
			logger.Printf("metrics push failed gateway=%s err=%v", inv.Pushgateway, err)
		}
	}

	return cli.ExitSuccess
}
