package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/rental-billing/internal/observability"
	"github.com/odyssey-erp/rental-billing/internal/platform/httpx"
	"github.com/odyssey-erp/rental-billing/jobs"
	"github.com/odyssey-erp/rental-billing/report"
)

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// OpsParams groups dependencies for the operational router.
type OpsParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// Checks are probed by /healthz, keyed by dependency name.
	Checks map[string]Pinger
	Jobs   *jobs.Handler
	Report *report.Handler
}

// NewOpsRouter builds the health, metrics, job and invoice PDF endpoints.
func NewOpsRouter(p OpsParams) http.Handler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(MiddlewareStack(MiddlewareConfig{Logger: logger, Config: p.Config, Metrics: p.Metrics})...)

	r.Get("/healthz", healthz(p.Checks, logger))
	r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	if p.Jobs != nil {
		r.Route("/jobs", p.Jobs.MountRoutes)
	}
	if p.Report != nil {
		p.Report.MountRoutes(r)
	}
	return r
}

func healthz(checks map[string]Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		out := map[string]string{}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				logger.Warn("health check failed", slog.String("dependency", name), slog.Any("error", err))
				out[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			out[name] = "ok"
		}
		httpx.JSON(w, status, out)
	}
}

// OpsChecks returns the database and Redis probes of a runtime.
func (rt *Runtime) OpsChecks() map[string]Pinger {
	return map[string]Pinger{
		"postgres": PingFunc(rt.Pool.Ping),
		"redis": PingFunc(func(ctx context.Context) error {
			return rt.Redis.Ping(ctx).Err()
		}),
	}
}

// NewOpsServer wraps the router with the configured timeouts.
func NewOpsServer(cfg *Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           handler,
		ReadTimeout:       cfg.OpsReadTimeout,
		ReadHeaderTimeout: cfg.OpsReadTimeout,
		WriteTimeout:      cfg.OpsWriteTimeout,
	}
}
