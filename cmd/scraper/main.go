// Package main wires together the scraper service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/broker"
	"github.com/seya-ai/scraper-service/internal/config"
	"github.com/seya-ai/scraper-service/internal/database"
	"github.com/seya-ai/scraper-service/internal/logging"
	"github.com/seya-ai/scraper-service/internal/render"
	"github.com/seya-ai/scraper-service/internal/scraper"
	"github.com/seya-ai/scraper-service/internal/storage"
	"github.com/seya-ai/scraper-service/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("scraper-service", logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	store, err := storage.NewR2(ctx, storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		PublicBaseURL:   cfg.Storage.PublicBaseURL,
	}, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	meta, err := database.New(ctx, database.Config{
		DSN:             cfg.DB.DSN,
		MinConns:        cfg.DB.MinConns,
		MaxConns:        cfg.DB.MaxConns,
		BootstrapSchema: cfg.DB.BootstrapSchema,
	}, logger.Named("database"))
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}
	defer meta.Close()

	governor := scraper.NewGovernor(scraper.GovernorConfig{
		GlobalLimit:    cfg.Limits.GlobalConcurrency,
		PerDomainLimit: cfg.Limits.PerDomainMax,
		PerDomainDelay: cfg.PerDomainDelay(),
	})
	fetcher := scraper.NewFetcher(scraper.FetcherConfig{
		UserAgent:     cfg.HTTP.UserAgent,
		Timeout:       cfg.FetchTimeout(),
		PrefetchBytes: cfg.HTTP.PrefetchBytes,
		MaxBytes:      cfg.HTTP.MaxBodyBytes,
		ScratchDir:    cfg.HTTP.ScratchDir,
	}, logger.Named("fetcher"))

	robots := render.NewRobotsPolicy(cfg.HTTP.UserAgent, logger.Named("robots"))
	renderer := render.NewChromedp(render.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		MaxConcurrency: cfg.Limits.RenderedConcurrent,
		NavTimeout:     time.Duration(cfg.Render.NavTimeoutSeconds) * time.Second,
		WaitSelector:   cfg.Render.WaitSelector,
		MaxScrolls:     cfg.Render.MaxScrolls,
		ScrollPause:    time.Duration(cfg.Render.ScrollPauseMs) * time.Millisecond,
		SettleWindow:   time.Duration(cfg.Render.SettleWindowMs) * time.Millisecond,
		SettlePoll:     time.Duration(cfg.Render.SettlePollMs) * time.Millisecond,
		SettleZeroHold: time.Duration(cfg.Render.SettleZeroHoldMs) * time.Millisecond,
		IgnoreHosts:    cfg.Render.IgnoreHosts,
		DomainQPS:      float64(cfg.Limits.RenderedDomainQPS),
		Screenshots:    cfg.Render.Screenshots,
		NoSandbox:      cfg.Render.NoSandbox,
	}, store, robots, logger.Named("render"))
	defer renderer.Close()

	producerCfg := broker.ProducerConfig{
		Brokers:         cfg.Kafka.Brokers,
		ResultTopic:     cfg.Kafka.ResultTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		RequiredAcks:    cfg.Kafka.RequiredAcks,
	}
	results := broker.NewResultProducer(producerCfg, logger.Named("producer"))
	defer func() {
		if err := results.Close(); err != nil {
			logger.Error("close result producer", zap.Error(err))
		}
	}()
	dlq := broker.NewKafkaDLQ(producerCfg, logger.Named("dlq"))
	defer func() {
		if err := dlq.Close(); err != nil {
			logger.Error("close dlq producer", zap.Error(err))
		}
	}()

	backoff := scraper.NewBackoffPolicy(
		time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
	)
	orchestrator := scraper.NewOrchestrator(
		governor, fetcher, renderer, store, meta, results, dlq, backoff,
		scraper.OrchestratorConfig{
			FetchAttempts:  cfg.Retry.FetchAttempts,
			UploadAttempts: cfg.Retry.UploadAttempts,
			UpsertAttempts: cfg.Retry.UpsertAttempts,
			RawTTL:         cfg.RawTTL(),
		},
		metrics, logger.Named("orchestrator"),
	)

	consumer := broker.NewConsumer(broker.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.ConsumeTopic,
		GroupID: cfg.Kafka.GroupID,
		Workers: cfg.Kafka.Workers,
	}, orchestrator.Process, logger.Named("consumer"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           telemetry.Handler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	consumeErr := consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	if err := consumer.Close(); err != nil {
		logger.Error("close consumer", zap.Error(err))
	}
	if consumeErr != nil {
		return fmt.Errorf("consumer: %w", consumeErr)
	}
	logger.Info("shutdown complete")
	return nil
}
