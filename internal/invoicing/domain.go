// Package invoicing generates rental invoices from order activity and owns the
// invoice lifecycle: locking, sending, voiding and corrections.
package invoicing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// DocumentType distinguishes invoices from correction memos.
type DocumentType string

const (
	DocInvoice    DocumentType = "invoice"
	DocCreditMemo DocumentType = "credit_memo"
	DocDebitMemo  DocumentType = "debit_memo"
)

// Valid reports whether d is known.
func (d DocumentType) Valid() bool {
	switch d {
	case DocInvoice, DocCreditMemo, DocDebitMemo:
		return true
	}
	return false
}

// Status enumerates invoice states. Only draft, sent and void are set by the
// lifecycle; partial and paid are derived from allocations.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusSent    Status = "sent"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
	StatusVoid    Status = "void"
)

// Issued reports whether the invoice left draft and is not void.
func (s Status) Issued() bool {
	return s == StatusSent || s == StatusPartial || s == StatusPaid
}

// BillingReason explains why an invoice exists.
type BillingReason string

const (
	ReasonMonthly         BillingReason = "monthly"
	ReasonMonthlyArrears  BillingReason = "monthly_arrears"
	ReasonContractFinal   BillingReason = "contract_final"
	ReasonPickupProration BillingReason = "pickup_proration"
	ReasonPauseCredit     BillingReason = "pause_credit"
	ReasonReturnCredit    BillingReason = "return_credit"
	ReasonResumeCharge    BillingReason = "resume_charge"
	ReasonCreditMemo      BillingReason = "credit_memo"
	ReasonDebitMemo       BillingReason = "debit_memo"
)

// Mode selects how Generate slices an order into invoices.
type Mode string

const (
	ModeSingle          Mode = "single"
	ModeMonthly         Mode = "monthly"
	ModePickupProration Mode = "pickup_proration"
	ModeAdjustments     Mode = "adjustments"
)

// Invoice is a billing document. Totals are never read from storage; they are
// filled by ComputeTotals from the lines and active allocations.
type Invoice struct {
	ID                 int64
	CompanyID          int64
	CustomerID         int64
	RentalOrderID      *int64
	Number             string
	DocumentType       DocumentType
	Status             Status
	BillingReason      BillingReason
	ServicePeriodStart *time.Time
	ServicePeriodEnd   *time.Time
	InvoiceDate        time.Time
	DueDate            time.Time
	AppliesToInvoiceID *int64
	SentAt             *time.Time
	VoidedAt           *time.Time
	VoidedBy           string
	VoidReason         string
	CreatedAt          time.Time

	Totals
}

// Key returns the idempotency key of a generated invoice.
func (inv Invoice) Key() InvoiceKey {
	key := InvoiceKey{
		CompanyID:    inv.CompanyID,
		Reason:       inv.BillingReason,
		DocumentType: inv.DocumentType,
	}
	if inv.RentalOrderID != nil {
		key.OrderID = *inv.RentalOrderID
	}
	if inv.ServicePeriodStart != nil {
		key.PeriodStart = *inv.ServicePeriodStart
	}
	if inv.ServicePeriodEnd != nil {
		key.PeriodEnd = *inv.ServicePeriodEnd
	}
	return key
}

// SignedTotal is the receivable effect: credit memos reduce what the customer owes.
func (inv Invoice) SignedTotal() money.Money {
	if inv.DocumentType == DocCreditMemo {
		return inv.Total.Neg()
	}
	return inv.Total
}

// InvoiceKey is the uniqueness key for non-void generated invoices.
type InvoiceKey struct {
	CompanyID    int64
	OrderID      int64
	Reason       BillingReason
	DocumentType DocumentType
	PeriodStart  time.Time
	PeriodEnd    time.Time
}

// Line is one invoice line.
type Line struct {
	ID          int64
	InvoiceID   int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   money.Money
	Amount      money.Money
	IsTaxable   bool
	TaxRate     *decimal.Decimal
	OriginKey   string
	SortOrder   int

	TaxAmount money.Money
}

// Totals are derived amounts.
type Totals struct {
	Subtotal money.Money
	TaxTotal money.Money
	Total    money.Money
	Paid     money.Money
	Balance  money.Money
}

// Detail is an invoice with its lines.
type Detail struct {
	Invoice
	Lines []Line
}

// Warning reports a line that could not be billed.
type Warning struct {
	Kind       shared.Kind
	LineItemID int64
	Message    string
}

// GenerateRequest asks for invoices for one order.
type GenerateRequest struct {
	CompanyID  int64
	OrderID    int64
	Mode       Mode
	LineItemID int64
	Now        time.Time
}

// Result summarises one Generate call.
type Result struct {
	Created       []Invoice
	Updated       []Invoice
	Existing      []Invoice
	Warnings      []Warning
	UnmatchedFees []int64
	// Provisional is set when a single invoice bills open items up to now.
	Provisional bool
}

// VoidResult reports the outcome of Void.
type VoidResult struct {
	Invoice     Invoice
	AlreadyVoid bool
}

var (
	ErrValidation      = shared.E(shared.KindValidation, "invoicing", "invalid request")
	ErrNotFound        = shared.E(shared.KindNotFound, "invoicing", "invoice not found")
	ErrLocked          = shared.E(shared.KindLocked, "invoicing", "invoice is locked; only drafts can be edited")
	ErrPaymentsExist   = shared.E(shared.KindPaymentsExist, "invoicing", "invoice has active payments")
	ErrInvalidState    = shared.E(shared.KindInvalidState, "invoicing", "invalid invoice state")
	ErrDuplicatePeriod = shared.E(shared.KindDuplicatePeriod, "invoicing", "invoice already exists for period")
	ErrReasonRequired  = shared.E(shared.KindValidation, "invoicing", "void reason required")
	ErrDuplicateOrigin = shared.E(shared.KindValidation, "invoicing", "duplicate origin key on invoice")
)
