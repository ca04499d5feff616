// Package versions keeps immutable rendered snapshots of invoices and
// publishes them to customers.
package versions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// Version is one stored rendering of an invoice.
type Version struct {
	ID        int64
	InvoiceID int64
	Snapshot  Snapshot
	PDF       []byte
	FileName  string
	CreatedAt time.Time
	SentAt    *time.Time
}

// Snapshot freezes what the customer saw.
type Snapshot struct {
	ID          uuid.UUID         `json:"id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Currency    string            `json:"currency"`
	TimeZone    string            `json:"time_zone"`
	Invoice     SnapshotInvoice   `json:"invoice"`
	Lines       []SnapshotLine    `json:"lines"`
	Payments    []SnapshotPayment `json:"payments"`
}

// SnapshotInvoice is the invoice header.
type SnapshotInvoice struct {
	ID                 int64       `json:"id"`
	CompanyID          int64       `json:"company_id"`
	CustomerID         int64       `json:"customer_id"`
	RentalOrderID      *int64      `json:"rental_order_id,omitempty"`
	Number             string      `json:"number"`
	DocumentType       string      `json:"document_type"`
	Status             string      `json:"status"`
	BillingReason      string      `json:"billing_reason"`
	ServicePeriodStart *time.Time  `json:"service_period_start,omitempty"`
	ServicePeriodEnd   *time.Time  `json:"service_period_end,omitempty"`
	InvoiceDate        time.Time   `json:"invoice_date"`
	DueDate            time.Time   `json:"due_date"`
	AppliesToInvoiceID *int64      `json:"applies_to_invoice_id,omitempty"`
	Subtotal           money.Money `json:"subtotal"`
	TaxTotal           money.Money `json:"tax_total"`
	Total              money.Money `json:"total"`
	Paid               money.Money `json:"paid"`
	Balance            money.Money `json:"balance"`
}

// SnapshotLine is one rendered line.
type SnapshotLine struct {
	Description string      `json:"description"`
	Quantity    string      `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	Amount      money.Money `json:"amount"`
	TaxAmount   money.Money `json:"tax_amount"`
	IsTaxable   bool        `json:"is_taxable"`
}

// SnapshotPayment is an active allocation credited to the invoice.
type SnapshotPayment struct {
	AllocationID int64       `json:"allocation_id"`
	PaymentID    int64       `json:"payment_id"`
	Kind         string      `json:"kind"`
	Amount       money.Money `json:"amount"`
	AppliedAt    time.Time   `json:"applied_at"`
}

// BuildSnapshot assembles the snapshot of an invoice detail and its allocations.
func BuildSnapshot(d invoicing.Detail, allocs []ledger.Allocation, st settings.Settings, at time.Time) Snapshot {
	snap := Snapshot{
		ID:          uuid.New(),
		GeneratedAt: at,
		Currency:    st.Currency,
		TimeZone:    st.Location().String(),
		Invoice: SnapshotInvoice{
			ID:                 d.ID,
			CompanyID:          d.CompanyID,
			CustomerID:         d.CustomerID,
			RentalOrderID:      d.RentalOrderID,
			Number:             d.Number,
			DocumentType:       string(d.DocumentType),
			Status:             string(d.Status),
			BillingReason:      string(d.BillingReason),
			ServicePeriodStart: d.ServicePeriodStart,
			ServicePeriodEnd:   d.ServicePeriodEnd,
			InvoiceDate:        d.InvoiceDate,
			DueDate:            d.DueDate,
			AppliesToInvoiceID: d.AppliesToInvoiceID,
			Subtotal:           d.Subtotal,
			TaxTotal:           d.TaxTotal,
			Total:              d.Total,
			Paid:               d.Paid,
			Balance:            d.Balance,
		},
		Lines:    make([]SnapshotLine, 0, len(d.Lines)),
		Payments: []SnapshotPayment{},
	}
	for _, l := range d.Lines {
		snap.Lines = append(snap.Lines, SnapshotLine{
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
			TaxAmount:   l.TaxAmount,
			IsTaxable:   l.IsTaxable,
		})
	}
	for _, a := range allocs {
		if !a.Active() {
			continue
		}
		snap.Payments = append(snap.Payments, SnapshotPayment{
			AllocationID: a.ID,
			PaymentID:    a.PaymentID,
			Kind:         string(a.Kind),
			Amount:       a.Amount,
			AppliedAt:    a.CreatedAt,
		})
	}
	return snap
}

// Store persists versions.
type Store interface {
	CreateVersion(ctx context.Context, invoiceID int64, snapshot Snapshot, pdf []byte, fileName string) (Version, error)
	// MarkVersionSent stamps sentAt, or now when nil.
	MarkVersionSent(ctx context.Context, versionID int64, sentAt *time.Time) error
	GetVersion(ctx context.Context, versionID int64) (Version, error)
	LatestVersion(ctx context.Context, invoiceID int64) (*Version, error)
	LatestSentVersion(ctx context.Context, invoiceID int64) (*Version, error)
	ListVersions(ctx context.Context, invoiceID int64) ([]Version, error)
}

// Renderer turns a snapshot into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, snap Snapshot) ([]byte, error)
}

var (
	ErrNotFound     = shared.E(shared.KindNotFound, "versions", "invoice version not found")
	ErrNoRecipient  = shared.E(shared.KindValidation, "versions", "no recipient address")
	ErrInvalidState = shared.E(shared.KindInvalidState, "versions", "invoice cannot be published")
)
