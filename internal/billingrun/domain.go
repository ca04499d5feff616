// Package billingrun drives the scheduled monthly invoice generation across
// tenants and orders.
package billingrun

import (
	"context"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// Status of a billing run row.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped is never stored; it reports a run that was already done
	// or held by another worker.
	StatusSkipped Status = "skipped"
)

// Run is one company-month execution.
type Run struct {
	ID         int64
	CompanyID  int64
	Month      string
	Status     Status
	Orders     int
	Created    int
	Updated    int
	Existing   int
	Failed     int
	Warnings   int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Summary aggregates a RunMonth call.
type Summary struct {
	Month string
	Runs  []Run
}

// Store persists run rows. StartRun returns ErrAlreadyRan when the
// company-month already completed or is in progress; failed runs may restart.
type Store interface {
	StartRun(ctx context.Context, companyID int64, month string, at time.Time) (Run, error)
	FinishRun(ctx context.Context, run Run) error
}

// Companies lists tenants enrolled in the monthly run.
type Companies interface {
	ListAutoRun(ctx context.Context) ([]settings.Settings, error)
}

// Generator produces invoices for one order.
type Generator interface {
	Generate(ctx context.Context, req invoicing.GenerateRequest) (invoicing.Result, error)
}

// Recorder receives per-outcome invoice counts.
type Recorder interface {
	AddInvoices(result string, companyID int64, count int)
}

var (
	ErrAlreadyRan = shared.E(shared.KindDuplicatePeriod, "billingrun", "billing run already recorded for month")
	ErrValidation = shared.E(shared.KindValidation, "billingrun", "invalid billing run request")
)
