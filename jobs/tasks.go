package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueBilling carries generation and billing run tasks.
	QueueBilling = "billing"

	TaskBillingRunMonth = "billing:run_month"
	TaskGenerateOrder   = "billing:generate_order"
	TaskInvoiceEmail    = "invoice:email"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// emailTaskNamespace scopes deterministic invoice email task ids.
var emailTaskNamespace = uuid.MustParse("6f1c1f0e-3d6b-4c1a-9d43-6a3f4f7f2b10")

// BillingRunPayload selects the month to bill. An empty Month bills the most
// recently ended month of each company; CompanyID narrows the run to one tenant.
type BillingRunPayload struct {
	Month     string `json:"month,omitempty"`
	CompanyID int64  `json:"company_id,omitempty"`
}

// NewBillingRunTask builds the monthly run task.
func NewBillingRunTask(payload BillingRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingRunMonth, body, asynq.Queue(QueueBilling), asynq.Timeout(2*time.Hour)), nil
}

// GenerateOrderPayload requests invoice generation for one order.
type GenerateOrderPayload struct {
	CompanyID  int64          `json:"company_id"`
	OrderID    int64          `json:"order_id"`
	Mode       invoicing.Mode `json:"mode"`
	LineItemID int64          `json:"line_item_id,omitempty"`
}

// NewGenerateOrderTask builds an order generation task. Concurrent requests
// for the same order and mode collapse into one while queued.
func NewGenerateOrderTask(payload GenerateOrderPayload) (*asynq.Task, error) {
	if payload.CompanyID <= 0 || payload.OrderID <= 0 {
		return nil, fmt.Errorf("generate order task: company and order required")
	}
	if payload.Mode == "" {
		payload.Mode = invoicing.ModeMonthly
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGenerateOrder, body,
		asynq.Queue(QueueBilling),
		asynq.MaxRetry(5),
		asynq.Unique(10*time.Minute)), nil
}

// InvoiceEmailPayload asks for delivery of an invoice version.
type InvoiceEmailPayload struct {
	InvoiceID int64  `json:"invoice_id"`
	VersionID int64  `json:"version_id,omitempty"`
	To        string `json:"to,omitempty"`
}

// InvoiceEmailTaskID is stable per invoice version so the same version is
// never queued twice.
func InvoiceEmailTaskID(payload InvoiceEmailPayload) string {
	name := fmt.Sprintf("invoice-email:%d:%d", payload.InvoiceID, payload.VersionID)
	return uuid.NewSHA1(emailTaskNamespace, []byte(name)).String()
}

// NewInvoiceEmailTask builds the email delivery task.
func NewInvoiceEmailTask(payload InvoiceEmailPayload) (*asynq.Task, error) {
	if payload.InvoiceID <= 0 {
		return nil, fmt.Errorf("invoice email task: invoice required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(8)}
	if payload.VersionID > 0 {
		opts = append(opts, asynq.TaskID(InvoiceEmailTaskID(payload)))
	}
	return asynq.NewTask(TaskInvoiceEmail, body, opts...), nil
}
