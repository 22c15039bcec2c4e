package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"posgate/chain"
	"posgate/config"
	"posgate/invoice"
	"posgate/notify"
	"posgate/observability/logging"
	telemetry "posgate/observability/otel"
	"posgate/server"
	"posgate/storage"
	"posgate/verify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to posgate configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("POSGATE_ENV"))
	logger := logging.Setup("posgated", env, os.Getenv("POSGATE_LOG_FILE"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Env != "" {
		env = cfg.Env
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("posgated", env))
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := invoice.NewRegistry(invoice.WithStore(store), invoice.WithLogger(logger))
	if err := registry.Seed(); err != nil {
		logger.Error("seed invoice registry", "error", err)
		os.Exit(1)
	}

	selector := chain.NewSelector(chain.Config{
		LocalNodeURL:     cfg.LocalNodeURL,
		PublicAPIURL:     cfg.PublicAPIURL,
		CheckInterval:    cfg.CheckInterval(),
		LocalTimeout:     cfg.LocalProbeTimeout(),
		PublicTimeout:    cfg.PublicProbeTimeout(),
		FailureThreshold: cfg.FailureThreshold,
		BreakerTimeout:   cfg.BreakerTimeout(),
	}, chain.WithLogger(logger))

	hub := notify.NewHub()
	verifier := verify.NewVerifier(selector, registry, verify.NewReplayLedger(),
		verify.WithSink(hub),
		verify.WithRecorder(store),
		verify.WithVerifierLogger(logger),
	)

	selector.Start(context.Background())
	defer selector.Stop()

	handler := server.New(verifier, selector, hub, server.WithLogger(logger))
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(handler, "posgated"),
	}

	go func() {
		logger.Info("posgate listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}
