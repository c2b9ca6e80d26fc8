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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/convoload/convoload/internal/agentclient"
	"github.com/convoload/convoload/internal/report"
	"github.com/convoload/convoload/internal/simulator"
	"github.com/convoload/convoload/pkg/config"
	"github.com/convoload/convoload/pkg/health"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateLoadGen(); err != nil {
		log.Fatalf("Invalid load generator configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "loadgen",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "loadgen",
		Enabled:   cfg.Metrics.Enabled,
	})

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "loadgen",
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	client, err := agentclient.NewClient(agentclient.Config{
		BaseURL:        cfg.LoadGen.TargetURL,
		AgentID:        cfg.LoadGen.AgentID,
		RequestTimeout: cfg.LoadGen.RequestTimeout,
		PollTimeout:    cfg.LoadGen.PollTimeout,
		Tracing:        ts,
	}, logger, m)
	if err != nil {
		log.Fatalf("Failed to build agent client: %v", err)
	}

	// Probe the system under test before spending a whole run on it.
	if err := probeTarget(cfg.LoadGen.TargetURL, logger); err != nil {
		logger.Warn("Target health probe failed, starting anyway", "error", err.Error())
	}

	collector := report.NewCollector(logger)

	runner, err := simulator.NewRunner(cfg.LoadGen, client, logger, m, collector, ts)
	if err != nil {
		log.Fatalf("Failed to build runner: %v", err)
	}

	admin := startAdminServer(cfg, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Interrupt received, stopping run")
		cancel()
	}()

	seed := cfg.LoadGen.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cfg.LoadGen.Seed = seed

	logger.Info("Starting load run",
		"target", cfg.LoadGen.TargetURL,
		"users", cfg.LoadGen.Users,
		"workload_mix", cfg.LoadGen.WorkloadMix,
		"seed", seed,
	)

	// One root span covers the whole run; every turn span hangs off it.
	_ = ts.TraceableFunction(ctx, "load_run", runner.Run)

	rep := collector.Finalize(cfg.LoadGen.Users, seed, report.DefaultThresholds())
	rep.Log(logger)

	if cfg.LoadGen.ReportPath != "" {
		if err := rep.WriteFile(cfg.LoadGen.ReportPath); err != nil {
			logger.Error("Failed to write report", "error", err.Error())
		} else {
			logger.Info("Report written", "path", cfg.LoadGen.ReportPath)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)
	_ = ts.Shutdown(shutdownCtx)

	if !rep.Passed {
		os.Exit(1)
	}
}

// probeTarget checks the target's health endpoint once before the run.
func probeTarget(targetURL string, logger *logging.Logger) error {
	checker := health.NewHTTPChecker(targetURL+"/health", "target", 5*time.Second)
	check := checker.Check(context.Background())
	if check.Status == health.StatusUnhealthy {
		return fmt.Errorf("target unhealthy: %s%s", check.Message, check.Error)
	}
	logger.Info("Target probe succeeded", "status", string(check.Status))
	return nil
}

// startAdminServer exposes live metrics and liveness on the loadgen's own
// port while a run is in flight.
func startAdminServer(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	healthSvc := health.NewService(logger, nil)
	router.GET("/health", healthSvc.Handler())
	router.GET("/health/live", healthSvc.LivenessHandler())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.LoadGen.AdminPort),
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Admin listener stopped", "error", err.Error())
		}
	}()

	return server
}
