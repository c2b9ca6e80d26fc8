package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convoload/convoload/internal/mockllm"
	"github.com/convoload/convoload/pkg/config"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "mockllm",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "mockllm",
		Enabled:   cfg.Metrics.Enabled,
	})

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "mockllm",
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	svc, err := mockllm.NewService(cfg.Mock, logger, m, ts)
	if err != nil {
		log.Fatalf("Failed to initialize mock inference service: %v", err)
	}

	router := mockllm.NewRouter(cfg, logger, m, ts, svc)

	// WriteTimeout stays at zero by default: a streaming completion's
	// lifetime is bounded by the client, not the server.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting mock inference service",
			"addr", server.Addr,
			"distribution", cfg.Mock.LatencyDistribution,
			"chunk_count", cfg.Mock.ChunkCount,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down mock inference service")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := ts.Shutdown(ctx); err != nil {
		logger.Warn("Tracing shutdown failed", "error", err.Error())
	}

	logger.Info("Server exited")
}
