package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

// InvoiceDeliverer publishes and emails invoice versions.
type InvoiceDeliverer interface {
	Deliver(ctx context.Context, req versions.DeliverRequest) (versions.Version, error)
}

// InvoiceEmailJob sends an invoice PDF to the customer.
type InvoiceEmailJob struct {
	Deliverer InvoiceDeliverer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewInvoiceEmailJob constructs the job handler.
func NewInvoiceEmailJob(deliverer InvoiceDeliverer, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceEmailJob {
	return &InvoiceEmailJob{Deliverer: deliverer, Logger: logger, Metrics: metrics}
}

// Handle delivers the invoice. Transport failures are retried by asynq; a
// missing recipient is archived straight away.
func (j *InvoiceEmailJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Deliverer == nil {
		return errors.New("invoice email: dependencies not configured")
	}
	var payload InvoiceEmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invoice email payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.InvoiceID <= 0 {
		return fmt.Errorf("invoice email: invoice required: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskInvoiceEmail)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	v, err := j.Deliverer.Deliver(ctx, versions.DeliverRequest{
		InvoiceID: payload.InvoiceID,
		VersionID: payload.VersionID,
		To:        payload.To,
	})
	if err != nil {
		if j.Logger != nil {
			j.Logger.Warn("invoice email failed",
				slog.Int64("invoice_id", payload.InvoiceID),
				slog.Int64("version_id", payload.VersionID),
				slog.Any("error", err))
		}
		return retryable(err)
	}
	if j.Logger != nil {
		j.Logger.Info("invoice emailed",
			slog.Int64("invoice_id", payload.InvoiceID),
			slog.Int64("version_id", v.ID))
	}
	return nil
}

func (j *InvoiceEmailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
