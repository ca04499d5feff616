package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
)

// OrderGenerator produces invoices for a single order.
type OrderGenerator interface {
	Generate(ctx context.Context, req invoicing.GenerateRequest) (invoicing.Result, error)
}

// GenerateOrderJob runs invoice generation off the request path, typically
// after an order is picked up or returned.
type GenerateOrderJob struct {
	Generator OrderGenerator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewGenerateOrderJob constructs the job handler.
func NewGenerateOrderJob(generator OrderGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *GenerateOrderJob {
	return &GenerateOrderJob{
		Generator: generator,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes invoice generation for the order in the payload.
func (j *GenerateOrderJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Generator == nil {
		return errors.New("generate order: dependencies not configured")
	}
	var payload GenerateOrderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("generate order payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.CompanyID <= 0 || payload.OrderID <= 0 {
		return fmt.Errorf("generate order: company and order required: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskGenerateOrder)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Generator.Generate(ctx, invoicing.GenerateRequest{
		CompanyID:  payload.CompanyID,
		OrderID:    payload.OrderID,
		Mode:       payload.Mode,
		LineItemID: payload.LineItemID,
		Now:        j.now(),
	})
	if errors.Is(err, invoicing.ErrDuplicatePeriod) {
		// Another worker already billed the period.
		return nil
	}
	if err != nil {
		return retryable(err)
	}
	m := j.metrics()
	m.AddInvoices("created", payload.CompanyID, len(res.Created))
	m.AddInvoices("updated", payload.CompanyID, len(res.Updated))
	m.AddInvoices("existing", payload.CompanyID, len(res.Existing))
	if j.Logger != nil {
		j.Logger.Info("order invoices generated",
			slog.Int64("order_id", payload.OrderID),
			slog.String("mode", string(payload.Mode)),
			slog.Int("created", len(res.Created)),
			slog.Int("updated", len(res.Updated)),
			slog.Int("existing", len(res.Existing)),
			slog.Int("warnings", len(res.Warnings)))
	}
	return nil
}

func (j *GenerateOrderJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GenerateOrderJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
