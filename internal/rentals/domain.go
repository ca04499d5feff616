// Package rentals is the read-only view of rental orders that billing consumes.
package rentals

import (
	"context"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/proration"
)

// OrderStatus mirrors the order workflow states.
type OrderStatus string

const (
	StatusQuote         OrderStatus = "quote"
	StatusQuoteRejected OrderStatus = "quote_rejected"
	StatusReservation   OrderStatus = "reservation"
	StatusRequested     OrderStatus = "requested"
	StatusOrdered       OrderStatus = "ordered"
	StatusReceived      OrderStatus = "received"
	StatusClosed        OrderStatus = "closed"
)

// DemandOnly reports statuses where no inventory is assigned yet and a line
// counts as one unit of demand.
func (s OrderStatus) DemandOnly() bool {
	switch s {
	case StatusQuote, StatusQuoteRejected, StatusReservation, StatusRequested:
		return true
	}
	return false
}

// Order is a rental order with its billable lines and fees.
type Order struct {
	ID         int64
	CompanyID  int64
	CustomerID int64
	Number     string
	Status     OrderStatus
	LineItems  []LineItem
	Fees       []Fee
}

// Closed reports whether the order is closed.
func (o Order) Closed() bool { return o.Status == StatusClosed }

// AllReturned reports whether every line with a start has an end.
func (o Order) AllReturned() bool {
	seen := false
	for _, li := range o.LineItems {
		if li.StartAt == nil {
			continue
		}
		seen = true
		if li.EndAt == nil {
			return false
		}
	}
	return seen
}

// PausePeriod is a recorded pause of one line.
type PausePeriod struct {
	StartAt *time.Time
	EndAt   *time.Time
}

// LineItem is one rented item or bundle on an order.
type LineItem struct {
	ID             int64
	OrderID        int64
	Label          string
	BundleID       *int64
	InventoryCount int
	RateBasis      proration.RateBasis
	RateAmount     *money.Money
	// StartAt is fulfilled_at, else the booked start.
	StartAt *time.Time
	// EndAt is returned_at, else the booked end for closed lines.
	EndAt  *time.Time
	Pauses []PausePeriod
}

// Quantity derives billable units: a bundle is one, otherwise the number of
// assigned inventory units, else one for demand-only orders.
func (li LineItem) Quantity(status OrderStatus) int {
	if li.BundleID != nil {
		return 1
	}
	if li.InventoryCount > 0 {
		return li.InventoryCount
	}
	if status.DemandOnly() {
		return 1
	}
	return 0
}

// ActiveUntil returns the line's interval, ending at EndAt or now for open items.
func (li LineItem) ActiveUntil(now time.Time) (period.Interval, bool) {
	if li.StartAt == nil {
		return period.Interval{}, false
	}
	end := now
	if li.EndAt != nil {
		end = *li.EndAt
	}
	iv := period.Interval{Start: *li.StartAt, End: end}
	return iv, !iv.Empty()
}

// PeriodPauses converts stored pauses for the segmenter.
func (li LineItem) PeriodPauses() []period.Pause {
	out := make([]period.Pause, 0, len(li.Pauses))
	for _, p := range li.Pauses {
		if p.StartAt == nil {
			continue
		}
		out = append(out, period.Pause{Start: *p.StartAt, End: p.EndAt})
	}
	return out
}

// Fee is a one-off charge on an order, billed with the invoice covering its date.
type Fee struct {
	ID        int64
	OrderID   int64
	Name      string
	Amount    money.Money
	FeeDate   time.Time
	IsTaxable bool
}

// OrderRef identifies an order eligible for billing.
type OrderRef struct {
	ID         int64
	CompanyID  int64
	CustomerID int64
	Status     OrderStatus
}

// Source is the order port used by the billing engine.
type Source interface {
	GetOrder(ctx context.Context, companyID, orderID int64) (Order, error)
	ListBillableOrders(ctx context.Context, companyID int64) ([]OrderRef, error)
}
