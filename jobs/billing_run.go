package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// BillingRunner is the slice of billingrun.Runner used by the job.
type BillingRunner interface {
	RunDue(ctx context.Context) ([]billingrun.Run, error)
	RunMonth(ctx context.Context, month period.Month) (billingrun.Summary, error)
	RunCompany(ctx context.Context, companyID int64, month period.Month) (billingrun.Run, error)
}

// BillingRunJob executes scheduled and manual monthly billing runs.
type BillingRunJob struct {
	Runner  BillingRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBillingRunJob constructs the job handler.
func NewBillingRunJob(runner BillingRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingRunJob {
	return &BillingRunJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes the billing run.
func (j *BillingRunJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Runner == nil {
		return errors.New("billing run: dependencies not configured")
	}
	var payload BillingRunPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("billing run payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskBillingRunMonth)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("task", TaskBillingRunMonth))
	if payload.Month == "" {
		if payload.CompanyID > 0 {
			return fmt.Errorf("billing run: company %d needs an explicit month: %w", payload.CompanyID, asynq.SkipRetry)
		}
		runs, err := j.Runner.RunDue(ctx)
		logger.Info("billing run due months", slog.Int("runs", len(runs)), slog.Any("error", err))
		return retryable(err)
	}

	month, err := period.ParseMonth(payload.Month)
	if err != nil {
		return fmt.Errorf("billing run month %q: %v: %w", payload.Month, err, asynq.SkipRetry)
	}
	if payload.CompanyID > 0 {
		run, err := j.Runner.RunCompany(ctx, payload.CompanyID, month)
		logger.Info("billing run company",
			slog.Int64("company_id", payload.CompanyID),
			slog.String("month", month.String()),
			slog.String("status", string(run.Status)),
			slog.Any("error", err))
		return retryable(err)
	}
	summary, err := j.Runner.RunMonth(ctx, month)
	logger.Info("billing run month",
		slog.String("month", month.String()),
		slog.Int("companies", len(summary.Runs)),
		slog.Any("error", err))
	return retryable(err)
}

func (j *BillingRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// retryable marks errors that no retry can fix so asynq archives the task
// instead of backing off.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch shared.KindOf(err) {
	case shared.KindValidation, shared.KindNotFound, shared.KindInvalidState, shared.KindLocked:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
