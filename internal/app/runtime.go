package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/mailer"
	"github.com/odyssey-erp/rental-billing/internal/observability"
	"github.com/odyssey-erp/rental-billing/internal/platform/cache"
	"github.com/odyssey-erp/rental-billing/internal/platform/db"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
	"github.com/odyssey-erp/rental-billing/internal/versions"
	"github.com/odyssey-erp/rental-billing/migrations"
	"github.com/odyssey-erp/rental-billing/report"
)

const testModeEnv = "BILLING_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the BILLING_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime is the wired set of billing services shared by the worker and the CLI.
type Runtime struct {
	Config *Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics

	Settings  *settings.Service
	Orders    *rentals.Repository
	Generator *invoicing.Generator
	Lifecycle *invoicing.Lifecycle
	Ledger    *ledger.Service
	Versions  *versions.Repository
	Publisher *versions.Publisher
	Runs      *billingrun.Repository
	Runner    *billingrun.Runner
	PDF       *report.Client
}

// NewRuntime connects to Postgres and Redis and wires every service. Callers
// must Close the runtime.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config required")
	}
	if logger == nil {
		logger = NewLogger(cfg)
	}
	if cfg.Migrations {
		if err := db.MigrateUp(cfg.PGDSN, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rdb, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		pool.Close()
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger, Pool: pool, Redis: rdb}
	rt.Metrics = observability.NewMetrics()
	rt.JobMetrics = jobmetrics.NewMetrics(rt.Metrics.Registerer())

	settingsRepo := settings.NewRepository(pool)
	rt.Settings = settings.NewService(settingsRepo, settings.NewCache(settingsRepo, rdb, cfg.SettingsCacheTTL, logger))
	audit := shared.NewAuditLogger(pool)

	rt.Orders = rentals.NewRepository(pool)
	invoices := invoicing.NewRepository(pool)
	rt.Generator = invoicing.NewGenerator(invoices, rt.Orders, rt.Settings, logger)
	rt.Lifecycle = invoicing.NewLifecycle(invoices, rt.Settings, audit, logger)
	rt.Ledger = ledger.NewService(ledger.NewRepository(pool), rt.Settings, audit, logger)

	rt.PDF = report.NewClient(cfg.GotenbergURL)
	if cfg.PaperSize == "a4" {
		rt.PDF.WithPaper(report.PaperA4)
	}
	renderer, err := report.NewInvoiceRenderer(rt.PDF)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Versions = versions.NewRepository(pool)
	sender := mailer.NewSMTP(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
	})
	rt.Publisher = versions.NewPublisher(rt.Versions, rt.Lifecycle, rt.Ledger, renderer, rt.Settings, logger).
		WithMailer(sender, rt.Versions).
		WithDeduper(shared.NewIdempotencyStore(pool))

	rt.Runs = billingrun.NewRepository(pool)
	rt.Runner = billingrun.NewRunner(rt.Runs, settingsRepo, rt.Settings, rt.Orders, rt.Generator, rdb, logger).
		WithWorkers(cfg.BillingWorkers).
		WithRecorder(rt.JobMetrics)
	return rt, nil
}

// AsynqRedisOpts returns the queue connection settings.
func (c *Config) AsynqRedisOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// Close releases the pool and the Redis client.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && rt.Logger != nil {
			rt.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
