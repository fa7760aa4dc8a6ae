package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verdikt/verdikt/internal/approval"
	"github.com/verdikt/verdikt/internal/engine"
	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/logging"
	"github.com/verdikt/verdikt/internal/metrics"
	"github.com/verdikt/verdikt/internal/registry"
	"github.com/verdikt/verdikt/internal/scheduler"
	"github.com/verdikt/verdikt/internal/service"
	"github.com/verdikt/verdikt/internal/steps"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/streaming"
	"github.com/verdikt/verdikt/internal/validation"
	verdiktmcp "github.com/verdikt/verdikt/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "verdikt:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(verdiktDir(), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	ev, err := expressions.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("init evaluator: %w", err)
	}
	iv := validation.NewInputValidator()
	reg := registry.New(st, ev, iv, logger)

	funcs := engine.NewFuncRegistry()
	if err := steps.RegisterBuiltins(funcs, steps.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtin steps: %w", err)
	}

	collector := metrics.NewCollector()
	hub := streaming.NewMemoryHub()

	svc := service.New(st, reg, funcs, ev, iv, collector, hub, logger, service.Config{
		MaxConcurrent: cfg.PoolSize,
		StepTimeout:   time.Duration(cfg.StepTimeoutSec) * time.Second,
		RetryDelay:    time.Second,
		Approval: approval.Config{
			ReviewDeadline: duration(cfg.ReviewDeadline, 24*time.Hour),
			MaxEscalations: cfg.MaxEscalations,
		},
	})
	defer svc.Shutdown()

	lookback := duration(cfg.MetricsLookback, time.Hour)
	aggregator := metrics.NewAggregator(st, logger, lookback)

	sched := scheduler.New(logger)
	if err := sched.Register("aggregate_metrics", "0 * * * *", aggregator.Run); err != nil {
		return err
	}
	if err := sched.Register("sweep_approvals", "*/15 * * * *", func(ctx context.Context) error {
		expired, err := svc.SweepApprovals(ctx)
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info("expired stale approvals", "count", expired)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("verdikt engine started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"metrics_addr", cfg.MetricsAddr)

	srv := verdiktmcp.NewVerdiktServer(verdiktmcp.VerdiktServerDeps{
		Service: svc,
		Store:   st,
		Hub:     hub,
		Logger:  logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// newLogger builds the process logger. MCP speaks on stdout, so logs go to
// stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
