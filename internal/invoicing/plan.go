package invoicing

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// BilledLine is an origin-keyed line already present on a non-void invoice of the order.
type BilledLine struct {
	InvoiceID    int64
	InvoiceKey   InvoiceKey
	DocumentType DocumentType
	OriginKey    string
	Amount       money.Money
}

// PlanInput is everything the planner needs. It performs no I/O.
type PlanInput struct {
	Order      rentals.Order
	Settings   settings.Settings
	Mode       Mode
	LineItemID int64
	Now        time.Time
	Billed     []BilledLine
}

// PlannedInvoice is an invoice the generator should create or complete.
type PlannedInvoice struct {
	Key                InvoiceKey
	CustomerID         int64
	InvoiceDate        time.Time
	DueDate            time.Time
	AppliesToInvoiceID *int64
	Lines              []Line

	// feeWindow widens fee matching to the whole calendar month; zero means
	// the service period.
	feeWindow period.Interval
}

// Plan is the pure outcome of BuildPlan.
type Plan struct {
	Invoices      []PlannedInvoice
	Warnings      []Warning
	UnmatchedFees []int64
	Provisional   bool
}

// maxPlannedMonths bounds month walks on corrupt dates.
const maxPlannedMonths = 1200

// quantityScale matches invoice_line_items.quantity NUMERIC(14, 4).
const quantityScale = 4

// BuildPlan computes the invoices a Generate call should produce.
func BuildPlan(in PlanInput) (Plan, error) {
	p := newPlanner(in)
	switch in.Mode {
	case ModeSingle:
		p.planSingle()
	case ModeMonthly:
		p.planMonthly()
	case ModePickupProration:
		if err := p.planPickup(); err != nil {
			return Plan{}, err
		}
	case ModeAdjustments:
		p.planAdjustments()
	default:
		return Plan{}, ErrValidation.Withf("unknown mode %q", in.Mode)
	}
	if in.Mode != ModeAdjustments {
		p.attachFees()
	}
	p.finish()
	return p.plan, nil
}

type lineMonth struct {
	lineID int64
	month  period.Month
}

type planner struct {
	in     PlanInput
	loc    *time.Location
	policy proration.Policy
	plan   Plan

	valid     []rentals.LineItem
	qty       map[int64]int
	billedOn  map[string][]InvoiceKey
	netBilled map[lineMonth]money.Money
	origInv   map[lineMonth]int64
	pickup    map[int64]bool
}

func newPlanner(in PlanInput) *planner {
	p := &planner{
		in:        in,
		loc:       in.Settings.Location(),
		policy:    in.Settings.Policy(),
		qty:       make(map[int64]int),
		billedOn:  make(map[string][]InvoiceKey),
		netBilled: make(map[lineMonth]money.Money),
		origInv:   make(map[lineMonth]int64),
		pickup:    make(map[int64]bool),
	}
	p.validateLines()
	p.indexBilled()
	return p
}

func (p *planner) validateLines() {
	status := p.in.Order.Status
	for _, li := range p.in.Order.LineItems {
		if p.in.Mode == ModePickupProration && li.ID != p.in.LineItemID {
			continue
		}
		var problem string
		qty := li.Quantity(status)
		switch {
		case li.RateBasis == "":
			problem = "missing rate basis"
		case li.RateAmount == nil:
			problem = "missing rate amount"
		case li.StartAt == nil:
			problem = "missing start date"
		case qty <= 0:
			problem = "no billable units assigned"
		}
		if problem != "" {
			p.plan.Warnings = append(p.plan.Warnings, Warning{
				Kind:       shared.KindValidation,
				LineItemID: li.ID,
				Message:    fmt.Sprintf("line item %d (%s): %s", li.ID, li.Label, problem),
			})
			continue
		}
		p.qty[li.ID] = qty
		p.valid = append(p.valid, li)
	}
}

func (p *planner) startMonth(lineID int64) (period.Month, bool) {
	for _, li := range p.in.Order.LineItems {
		if li.ID == lineID && li.StartAt != nil {
			return period.MonthOf(*li.StartAt, p.loc), true
		}
	}
	return period.Month{}, false
}

func (p *planner) indexBilled() {
	for _, b := range p.in.Billed {
		p.billedOn[b.OriginKey] = append(p.billedOn[b.OriginKey], b.InvoiceKey)
		o, ok := ParseOrigin(b.OriginKey)
		if !ok {
			continue
		}
		var key lineMonth
		switch o.Kind {
		case originRental:
			key = lineMonth{lineID: o.ID, month: o.Month}
			p.origInv[key] = b.InvoiceID
		case originPickup:
			m, ok := p.startMonth(o.ID)
			if !ok {
				continue
			}
			key = lineMonth{lineID: o.ID, month: m}
			p.origInv[key] = b.InvoiceID
			p.pickup[o.ID] = true
		case originAdjust:
			key = lineMonth{lineID: o.ID, month: o.Month}
		default:
			continue
		}
		amount := b.Amount
		if b.DocumentType == DocCreditMemo {
			amount = amount.Neg()
		}
		p.netBilled[key] = p.netBilled[key].Add(amount)
	}
}

// billedElsewhere reports whether an origin key is already billed on an
// invoice other than target.
func (p *planner) billedElsewhere(originKey string, target InvoiceKey) bool {
	for _, k := range p.billedOn[originKey] {
		if !sameKey(k, target) {
			return true
		}
	}
	return false
}

func sameKey(a, b InvoiceKey) bool {
	return a.CompanyID == b.CompanyID && a.OrderID == b.OrderID && a.Reason == b.Reason &&
		a.DocumentType == b.DocumentType && a.PeriodStart.Equal(b.PeriodStart) && a.PeriodEnd.Equal(b.PeriodEnd)
}

type charge struct {
	month  period.Month
	units  float64
	active time.Duration
	amount money.Money
}

// lineCharges prorates a line inside window, grouped by local month in order.
// Open lines run until the given instant.
func (p *planner) lineCharges(li rentals.LineItem, window period.Interval, until time.Time) []charge {
	iv, ok := li.ActiveUntil(until)
	if !ok {
		return nil
	}
	iv = iv.Clip(window)
	if iv.Empty() {
		return nil
	}
	rate := *li.RateAmount
	qty := p.qty[li.ID]
	byMonth := make(map[period.Month]*charge)
	var order []period.Month
	for _, active := range period.ActiveIntervals(iv, li.PeriodPauses()) {
		for _, seg := range period.SplitIntoCalendarMonths(active, p.loc) {
			units := proration.Units(seg, li.RateBasis, p.policy)
			if math.IsNaN(units) || math.IsInf(units, 0) || units <= 0 {
				continue
			}
			c, ok := byMonth[seg.Month]
			if !ok {
				c = &charge{month: seg.Month, amount: money.Zero}
				byMonth[seg.Month] = c
				order = append(order, seg.Month)
			}
			c.units += units
			c.active += seg.Duration()
			c.amount = c.amount.Add(proration.Amount(units, rate, qty))
		}
	}
	out := make([]charge, 0, len(order))
	for _, m := range order {
		out = append(out, *byMonth[m])
	}
	return out
}

func (p *planner) rentalLine(li rentals.LineItem, c charge, originKey string) Line {
	unitPrice := proration.UnitPrice(*li.RateAmount, p.qty[li.ID])
	return Line{
		Description: fmt.Sprintf("%s (%s): %.4f %s x %d", li.Label, c.month, c.units,
			proration.UnitLabel(li.RateBasis, c.units), p.qty[li.ID]),
		Quantity:  decimal.NewFromFloat(c.units).Round(quantityScale),
		UnitPrice: unitPrice,
		Amount:    c.amount,
		IsTaxable: true,
		OriginKey: originKey,
	}
}

func (p *planner) newInvoice(reason BillingReason, doc DocumentType, start, end time.Time) PlannedInvoice {
	return PlannedInvoice{
		Key: InvoiceKey{
			CompanyID:    p.in.Order.CompanyID,
			OrderID:      p.in.Order.ID,
			Reason:       reason,
			DocumentType: doc,
			PeriodStart:  start,
			PeriodEnd:    end,
		},
		CustomerID: p.in.Order.CustomerID,
	}
}

// addRentalLines bills every valid line inside window onto inv.
func (p *planner) addRentalLines(inv *PlannedInvoice, window period.Interval) {
	for _, li := range p.valid {
		for _, c := range p.lineCharges(li, window, p.in.Now) {
			key := RentalKey(li.ID, c.month)
			if p.billedElsewhere(key, inv.Key) {
				continue
			}
			if p.pickup[li.ID] {
				if m, ok := p.startMonth(li.ID); ok && m == c.month {
					continue
				}
			}
			inv.Lines = append(inv.Lines, p.rentalLine(li, c, key))
		}
	}
}

func (p *planner) span() (time.Time, time.Time, bool) {
	var start, end time.Time
	for _, li := range p.valid {
		iv, ok := li.ActiveUntil(p.in.Now)
		if !ok {
			continue
		}
		if start.IsZero() || iv.Start.Before(start) {
			start = iv.Start
		}
		if iv.End.After(end) {
			end = iv.End
		}
	}
	return start, end, !start.IsZero() && end.After(start)
}

func (p *planner) planSingle() {
	start, end, ok := p.span()
	if !ok {
		return
	}
	reason := ReasonMonthlyArrears
	if p.in.Order.Closed() || p.in.Order.AllReturned() {
		reason = ReasonContractFinal
	} else {
		p.plan.Provisional = true
	}
	inv := p.newInvoice(reason, DocInvoice, start, end)
	p.addRentalLines(&inv, period.Interval{Start: start, End: end})
	p.plan.Invoices = append(p.plan.Invoices, inv)
}

// planMonthly emits one invoice per local calendar month, covering the exact
// active interval of the order's lines inside that month. Months are billed
// once they end; a closed or fully returned order also bills its last month.
func (p *planner) planMonthly() {
	start, end, ok := p.span()
	if !ok {
		return
	}
	final := p.in.Order.Closed() || p.in.Order.AllReturned()
	finalMonth := period.MonthOf(end.Add(-time.Nanosecond), p.loc)
	month := period.MonthOf(start, p.loc)
	for i := 0; i < maxPlannedMonths && !finalMonth.Before(month); i++ {
		bounds := month.Bounds(p.loc)
		last := final && month == finalMonth
		if !last && bounds.End.After(p.in.Now) {
			return
		}
		if covered, ok := p.coverage(bounds); ok {
			reason := ReasonMonthly
			if last {
				reason = ReasonContractFinal
			}
			inv := p.newInvoice(reason, DocInvoice, covered.Start, covered.End)
			inv.feeWindow = period.Interval{Start: bounds.Start, End: covered.End}
			p.addRentalLines(&inv, covered)
			p.plan.Invoices = append(p.plan.Invoices, inv)
		}
		month = month.Next()
	}
}

// coverage clips the valid lines' active intervals to window and returns the
// earliest start and latest end among them.
func (p *planner) coverage(window period.Interval) (period.Interval, bool) {
	var out period.Interval
	for _, li := range p.valid {
		iv, ok := li.ActiveUntil(p.in.Now)
		if !ok {
			continue
		}
		iv = iv.Clip(window)
		if iv.Empty() {
			continue
		}
		if out.Start.IsZero() || iv.Start.Before(out.Start) {
			out.Start = iv.Start
		}
		if iv.End.After(out.End) {
			out.End = iv.End
		}
	}
	return out, !out.Start.IsZero() && !out.Empty()
}

func (p *planner) planPickup() error {
	if p.in.LineItemID == 0 {
		return ErrValidation.Withf("pickup proration requires a line item")
	}
	found := false
	for _, li := range p.in.Order.LineItems {
		if li.ID == p.in.LineItemID {
			found = true
		}
	}
	if !found {
		return ErrValidation.Withf("line item %d is not on order %d", p.in.LineItemID, p.in.Order.ID)
	}
	for _, li := range p.valid {
		start := *li.StartAt
		end := period.NextMonthBoundary(start, p.loc)
		if li.EndAt != nil && li.EndAt.Before(end) {
			end = *li.EndAt
		}
		if !end.After(start) {
			return nil
		}
		inv := p.newInvoice(ReasonPickupProration, DocInvoice, start, end)
		key := PickupKey(li.ID)
		if p.billedElsewhere(key, inv.Key) {
			return nil
		}
		if _, done := p.origInv[lineMonth{lineID: li.ID, month: period.MonthOf(start, p.loc)}]; done && !p.pickup[li.ID] {
			return nil
		}
		// Pickup bills forward to the boundary even when the item is still out.
		for _, c := range p.lineCharges(li, period.Interval{Start: start, End: end}, end) {
			inv.Lines = append(inv.Lines, p.rentalLine(li, c, key))
		}
		p.plan.Invoices = append(p.plan.Invoices, inv)
	}
	return nil
}

type adjustGroup struct {
	reason    BillingReason
	doc       DocumentType
	month     period.Month
	appliesTo int64
}

func (p *planner) planAdjustments() {
	groups := make(map[adjustGroup]*PlannedInvoice)
	var order []adjustGroup
	keys := make([]lineMonth, 0, len(p.origInv))
	for k := range p.origInv {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].lineID != keys[j].lineID {
			return keys[i].lineID < keys[j].lineID
		}
		return keys[i].month.Before(keys[j].month)
	})
	lines := make(map[int64]rentals.LineItem, len(p.valid))
	for _, li := range p.valid {
		lines[li.ID] = li
	}
	for _, k := range keys {
		li, ok := lines[k.lineID]
		if !ok {
			continue
		}
		bounds := k.month.Bounds(p.loc)
		until := p.in.Now
		if p.pickup[li.ID] && k.month == period.MonthOf(*li.StartAt, p.loc) {
			// the pickup month is prepaid through the boundary
			until = bounds.End
		}
		current := money.Zero
		for _, c := range p.lineCharges(li, bounds, until) {
			current = current.Add(c.amount)
		}
		diff := current.Sub(p.netBilled[k]).Round2()
		if diff.IsZero() {
			continue
		}
		g := adjustGroup{month: k.month, appliesTo: p.origInv[k], doc: DocInvoice, reason: ReasonResumeCharge}
		if diff.IsNegative() {
			g.doc = DocCreditMemo
			g.reason = ReasonPauseCredit
			if li.EndAt != nil && li.EndAt.Before(bounds.End) {
				g.reason = ReasonReturnCredit
			}
		}
		inv, ok := groups[g]
		if !ok {
			planned := p.newInvoice(g.reason, g.doc, bounds.Start, bounds.End)
			applies := g.appliesTo
			planned.AppliesToInvoiceID = &applies
			inv = &planned
			groups[g] = inv
			order = append(order, g)
		}
		amount := diff
		if amount.IsNegative() {
			amount = amount.Neg()
		}
		inv.Lines = append(inv.Lines, Line{
			Description: fmt.Sprintf("Adjustment %s (%s)", li.Label, k.month),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   amount,
			Amount:      amount,
			IsTaxable:   true,
			OriginKey:   AdjustKey(li.ID, k.month, g.appliesTo),
		})
	}
	for _, g := range order {
		p.plan.Invoices = append(p.plan.Invoices, *groups[g])
	}
}

func (p *planner) attachFees() {
	for _, fee := range p.in.Order.Fees {
		key := FeeKey(fee.ID)
		target := -1
		for i := range p.plan.Invoices {
			w := p.plan.Invoices[i].feeWindow
			if w.Start.IsZero() {
				k := p.plan.Invoices[i].Key
				w = period.Interval{Start: k.PeriodStart, End: k.PeriodEnd}
			}
			in := !fee.FeeDate.Before(w.Start) && fee.FeeDate.Before(w.End)
			if in || (fee.FeeDate.Equal(w.End) && i == len(p.plan.Invoices)-1) {
				target = i
				break
			}
		}
		if target < 0 {
			if len(p.billedOn[key]) == 0 {
				p.plan.UnmatchedFees = append(p.plan.UnmatchedFees, fee.ID)
			}
			continue
		}
		inv := &p.plan.Invoices[target]
		if p.billedElsewhere(key, inv.Key) {
			continue
		}
		inv.Lines = append(inv.Lines, Line{
			Description: fee.Name,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   fee.Amount,
			Amount:      fee.Amount,
			IsTaxable:   fee.IsTaxable,
			OriginKey:   key,
		})
	}
}

func (p *planner) invoiceDate(periodStart time.Time) time.Time {
	if p.in.Settings.InvoiceDateMode == settings.InvoiceDatePeriodStart && !periodStart.IsZero() {
		return period.LocalDate(periodStart, p.loc)
	}
	return period.LocalDate(p.in.Now, p.loc)
}

// finish drops empty invoices, numbers line order and stamps dates.
func (p *planner) finish() {
	kept := p.plan.Invoices[:0]
	for _, inv := range p.plan.Invoices {
		if len(inv.Lines) == 0 {
			continue
		}
		for i := range inv.Lines {
			inv.Lines[i].SortOrder = i + 1
		}
		inv.InvoiceDate = p.invoiceDate(inv.Key.PeriodStart)
		inv.DueDate = inv.InvoiceDate.AddDate(0, 0, p.in.Settings.PaymentTerms())
		kept = append(kept, inv)
	}
	p.plan.Invoices = kept
}
