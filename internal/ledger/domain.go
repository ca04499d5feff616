// Package ledger records customer money movements: invoice payments, credits,
// deposits, refunds and reversals, with an append-only activity log.
package ledger

import (
	"time"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// Payment is money received from (or returned to) a customer.
type Payment struct {
	ID             int64
	CompanyID      int64
	CustomerID     int64
	InvoiceID      *int64
	Amount         money.Money
	Method         string
	Reference      string
	ReceivedAt     time.Time
	IsDeposit      bool
	IsRefund       bool
	IsReversal     bool
	ReversalOf     *int64
	ReversalReason string
	ReversedAt     *time.Time
	CreatedAt      time.Time
}

// CanReverse reports whether the payment may still be reversed.
func (p Payment) CanReverse() bool {
	return !p.IsReversal && p.ReversedAt == nil && !p.IsRefund
}

// Source reports whether the payment funds the credit or deposit pool.
func (p Payment) Source() bool {
	return !p.IsReversal && !p.IsRefund && p.ReversedAt == nil && p.Amount.IsPositive()
}

// AllocationKind says which pool funded an allocation.
type AllocationKind string

const (
	KindPayment AllocationKind = "payment"
	KindCredit  AllocationKind = "credit"
	KindDeposit AllocationKind = "deposit"
	KindRefund  AllocationKind = "refund"
)

// Allocation moves funds from a source payment to an invoice, or out as a refund.
type Allocation struct {
	ID         int64
	PaymentID  int64
	InvoiceID  *int64
	Amount     money.Money
	Kind       AllocationKind
	CreatedAt  time.Time
	ReversedAt *time.Time
}

// Active reports whether the allocation still counts.
func (a Allocation) Active() bool { return a.ReversedAt == nil }

// SourceBalance is a funding payment with what is left of it.
type SourceBalance struct {
	Payment   Payment
	Remaining money.Money
}

// ActivityType enumerates log entries.
type ActivityType string

const (
	ActivityPayment                   ActivityType = "payment"
	ActivityDeposit                   ActivityType = "deposit"
	ActivityDepositRefund             ActivityType = "deposit_refund"
	ActivityDepositAllocation         ActivityType = "deposit_allocation"
	ActivityDepositAllocationReversal ActivityType = "deposit_allocation_reversal"
	ActivityAllocation                ActivityType = "allocation"
	ActivityAllocationReversal        ActivityType = "allocation_reversal"
	ActivityReversal                  ActivityType = "reversal"
)

// Activity is one append-only log row. Amount is always a positive magnitude;
// the type decides the direction.
type Activity struct {
	ID           int64
	CompanyID    int64
	CustomerID   int64
	Type         ActivityType
	Amount       money.Money
	Deposit      bool
	PaymentID    *int64
	InvoiceID    *int64
	AllocationID *int64
	Note         string
	CreatedAt    time.Time
}

// PaymentInput records a receipt.
type PaymentInput struct {
	CompanyID  int64
	CustomerID int64
	InvoiceID  int64
	Amount     money.Money
	Method     string
	Reference  string
	ReceivedAt time.Time
}

// PaymentResult reports what a receipt did.
type PaymentResult struct {
	Payment     Payment
	Applied     money.Money
	Excess      money.Money
	AutoApplied []Allocation
}

var (
	ErrValidation            = shared.E(shared.KindValidation, "ledger", "invalid request")
	ErrNotFound              = shared.E(shared.KindNotFound, "ledger", "not found")
	ErrInsufficientBalance   = shared.E(shared.KindInsufficientBalance, "ledger", "insufficient balance")
	ErrExceedsInvoiceBalance = shared.E(shared.KindValidation, "ledger", "amount exceeds invoice balance")
	ErrInvalidState          = shared.E(shared.KindInvalidState, "ledger", "invalid state")
)
