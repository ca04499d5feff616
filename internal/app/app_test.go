package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/observability"
	_ "github.com/odyssey-erp/rental-billing/internal/testing/guard"
	"github.com/odyssey-erp/rental-billing/jobs"
)

func TestTestModeFlag(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv("BILLING_TEST_MODE", "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Cleanup(func() {
		_ = os.Setenv("BILLING_TEST_MODE", "1")
		RefreshTestMode()
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@db:5432/billing")
	t.Setenv("BILLING_WORKERS", "8")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@db:5432/billing", cfg.PGDSN)
	require.Equal(t, 8, cfg.BillingWorkers)
	require.Equal(t, "0 3 1 * *", cfg.BillingCron)
	require.Equal(t, "letter", cfg.PaperSize)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("BILLING_WORKERS", "0")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "BILLING_WORKERS")

	t.Setenv("BILLING_WORKERS", "2")
	t.Setenv("PAPER_SIZE", "legal")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "PAPER_SIZE")
}

func TestLoggerLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int64("company_id", 3))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, float64(3), line["company_id"])
}

func TestOpsRouterHealth(t *testing.T) {
	cfg := &Config{OpsRateLimit: 100}
	checks := map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
	}
	router := NewOpsRouter(OpsParams{Config: cfg, Metrics: observability.NewMetrics(), Checks: checks, Jobs: jobs.NewHandler(nil, nil)})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"postgres":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	checks["redis"] = PingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"postgres":"ok","redis":"down"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "billing_http_requests_total")
}
