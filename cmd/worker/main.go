package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/rental-billing/internal/app"
	"github.com/odyssey-erp/rental-billing/jobs"
	"github.com/odyssey-erp/rental-billing/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	runJob := jobs.NewBillingRunJob(rt.Runner, logger, rt.JobMetrics)
	generateJob := jobs.NewGenerateOrderJob(rt.Generator, logger, rt.JobMetrics)
	emailJob := jobs.NewInvoiceEmailJob(rt.Publisher, logger, rt.JobMetrics)

	cron, err := jobs.BillingCron(cfg.BillingCron)
	if err != nil {
		logger.Error("build billing cron", slog.Any("error", err))
		os.Exit(1)
	}
	for i := range cron {
		cron[i].Options = append(cron[i].Options, asynq.MaxRetry(3))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedisOpts(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    jobs.BillingHandlers(runJob, generateJob, emailJob),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(cfg.AsynqRedisOpts())
	defer func() {
		_ = inspector.Close()
	}()
	ops := app.NewOpsServer(cfg, app.NewOpsRouter(app.OpsParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: rt.Metrics,
		Checks:  rt.OpsChecks(),
		Jobs:    jobs.NewHandler(inspector, logger),
		Report:  report.NewHandler(rt.PDF, rt.Versions, logger),
	}))
	go func() {
		logger.Info("ops endpoint listening", slog.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops shutdown", slog.Any("error", err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
