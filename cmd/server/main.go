package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/invulnerable/scancore/internal/api"
	"github.com/invulnerable/scancore/internal/config"
	"github.com/invulnerable/scancore/internal/engine"
	"github.com/invulnerable/scancore/internal/metrics"
	"github.com/invulnerable/scancore/internal/models"
	"github.com/invulnerable/scancore/internal/notifier"
	"github.com/invulnerable/scancore/internal/queue"
	"github.com/invulnerable/scancore/internal/registry"
	"github.com/invulnerable/scancore/internal/worker"
)

// engineSubcommand is the argument the worker manager re-execs the binary
// with to run the engine pipeline in a fresh child process, instead of
// shipping a second binary.
const engineSubcommand = "engine"

func main() {
	if len(os.Args) > 1 && os.Args[1] == engineSubcommand {
		runEngine()
		return
	}
	runServer()
}

func runEngine() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	eng := engine.New(engine.Config{
		CloneBin:       cfg.Engine.CloneBin,
		ScanBin:        cfg.Engine.ScanBin,
		CloneTimeoutMs: cfg.Engine.CloneTimeoutMs,
		ScanTimeoutMs:  cfg.Engine.ScanTimeoutMs,
		BatchSize:      cfg.Engine.BatchSize,
		MaxOutputBytes: cfg.Engine.MaxOutputBytes,
	}, os.Stdout)

	start, err := readStartMessage(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: failed to read start message: %v\n", err)
		os.Exit(1)
	}

	eng.Run(context.Background(), start.ScanID, start.RepoURL)
}

func readStartMessage(r *os.File) (startMessage, error) {
	var msg startMessage
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return startMessage{}, err
	}
	return msg, nil
}

type startMessage struct {
	Type    string `json:"type"`
	ScanID  string `json:"scanId"`
	RepoURL string `json:"repoUrl"`
}

func runServer() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	reg := registry.New(registry.Config{
		MaxEntries:      cfg.Registry.MaxEntries,
		MaxVulnsPerScan: cfg.Registry.MaxVulnsPerScan,
	}, logger)

	metricsSvc := metrics.New()

	notifierSvc := notifier.New(logger, getEnv("FACADE_URL", ""), time.Duration(cfg.Notifier.TimeoutMs)*time.Millisecond)

	onPanic := func(job models.Job, r any) {
		logger.Error("worker processor panicked", zap.String("scan_id", job.ScanID), zap.Any("panic", r))
		reg.SetError(job.ScanID, models.ScanError{Code: models.ErrUnknown, Message: fmt.Sprintf("internal panic: %v", r)})
	}

	q := queue.New(queue.Config{
		MaxQueued:     cfg.Queue.MaxQueued,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
	}, logger, onPanic)

	exePath, err := os.Executable()
	if err != nil {
		logger.Fatal("failed to resolve executable path", zap.Error(err))
	}

	onSettle := func(job models.Job, rec *models.Record) {
		metricsSvc.ObserveOutcome(rec)
		if job.WebhookURL == "" || rec == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Notifier.TimeoutMs)*time.Millisecond)
			defer cancel()
			if err := notifierSvc.Notify(ctx, job.WebhookURL, notifier.FormatSlack, rec); err != nil {
				logger.Warn("failed to deliver webhook notification", zap.String("scan_id", job.ScanID), zap.Error(err))
			}
		}()
	}

	mgr := worker.New(worker.Config{
		EnginePath:      exePath,
		EngineArgs:      []string{engineSubcommand},
		TimeoutMs:       cfg.Worker.TimeoutMs,
		ShutdownGraceMs: cfg.Worker.ShutdownGraceMs,
		MemLimitMB:      cfg.Worker.MemLimitMB,
	}, reg, q.OnJobComplete, logger, onSettle)

	q.SetProcessor(mgr.RunJob)

	healthHandler := api.NewHealthHandler()
	scanHandler := api.NewScanHandler(logger, reg, q, metricsSvc, cfg.Queue.RetryAfterSec)
	metricsHandler := api.NewMetricsHandler(metricsSvc)

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				logger.Info("request",
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
				)
			} else {
				logger.Error("request error",
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Error(v.Error),
				)
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/health", healthHandler.Health)
	e.GET("/ready", healthHandler.Ready)
	e.GET("/metrics", metricsHandler.Metrics)

	apiGroup := e.Group("/api/v1")
	apiGroup.POST("/scans", scanHandler.StartScan)
	apiGroup.GET("/scans/:id", scanHandler.GetScan)

	go reportQueueDepth(q, reg, metricsSvc)

	port := cfg.Server.Port
	go func() {
		logger.Info("starting server", zap.String("port", port))
		if err := e.Start(":" + port); err != nil {
			logger.Info("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	mgr.ShutdownWorkers(ctx, cfg.Worker.ShutdownGraceMs)

	logger.Info("server stopped gracefully")
}

// reportQueueDepth polls the registry and queue gauges periodically, since
// Prometheus scrapes pull rather than push.
func reportQueueDepth(q *queue.Queue, reg *registry.Registry, m *metrics.Service) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.SetQueueDepth(q.Pending(), q.Active())
		m.SetRegistrySize(reg.Size())
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
