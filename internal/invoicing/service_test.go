package invoicing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
	"github.com/odyssey-erp/rental-billing/internal/testing/memstore"
)

var fixedNow = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

type auditSpy struct {
	entries []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

func rentalOrder() rentals.Order {
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	rate := money.MustParse("10")
	return rentals.Order{
		ID:         10,
		CompanyID:  1,
		CustomerID: 7,
		Number:     "RO-10",
		Status:     rentals.StatusReceived,
		LineItems: []rentals.LineItem{{
			ID:             1,
			OrderID:        10,
			Label:          "Scissor lift",
			InventoryCount: 1,
			RateBasis:      proration.BasisDaily,
			RateAmount:     &rate,
			StartAt:        &start,
		}},
	}
}

type harness struct {
	store     *memstore.Store
	generator *invoicing.Generator
	lifecycle *invoicing.Lifecycle
	ledger    *ledger.Service
	audit     *auditSpy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	store.PutOrder(rentalOrder())
	provider := settings.Static{}
	audit := &auditSpy{}
	h := &harness{
		store:     store,
		generator: invoicing.NewGenerator(store.InvoiceRepo(), store, provider, nil),
		lifecycle: invoicing.NewLifecycle(store.InvoiceRepo(), provider, audit, nil),
		ledger:    ledger.NewService(store.LedgerRepo(), provider, nil, nil),
		audit:     audit,
	}
	h.generator.WithNow(func() time.Time { return fixedNow })
	h.lifecycle.WithNow(func() time.Time { return fixedNow })
	h.ledger.WithNow(func() time.Time { return fixedNow })
	return h
}

func (h *harness) generate(t *testing.T, mode invoicing.Mode) invoicing.Result {
	t.Helper()
	res, err := h.generator.Generate(context.Background(), invoicing.GenerateRequest{CompanyID: 1, OrderID: 10, Mode: mode})
	require.NoError(t, err)
	return res
}

func TestGenerateMonthlyIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.generate(t, invoicing.ModeMonthly)
	require.Len(t, first.Created, 2)
	require.Equal(t, "INV-000001", first.Created[0].Number)
	require.Equal(t, "INV-000002", first.Created[1].Number)
	require.Equal(t, "220.00", first.Created[0].Total.String())
	require.Equal(t, invoicing.StatusDraft, first.Created[0].Status)

	second := h.generate(t, invoicing.ModeMonthly)
	require.Empty(t, second.Created)
	require.Empty(t, second.Updated)
	require.Len(t, second.Existing, 2)
	require.Len(t, h.store.Invoices(), 2)
}

func TestGenerateCompletesDraftWithNewFee(t *testing.T) {
	h := newHarness(t)
	h.generate(t, invoicing.ModeMonthly)

	o := rentalOrder()
	o.Fees = []rentals.Fee{{ID: 3, Name: "Delivery", Amount: money.MustParse("45"), FeeDate: time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)}}
	h.store.PutOrder(o)

	res := h.generate(t, invoicing.ModeMonthly)
	require.Empty(t, res.Created)
	require.Len(t, res.Updated, 1)
	require.Equal(t, "325.00", res.Updated[0].Total.String())
	lines := h.store.Lines(res.Updated[0].ID)
	require.Len(t, lines, 2)
	require.Equal(t, "fee:3", lines[1].OriginKey)
	require.Equal(t, 2, lines[1].SortOrder)
}

func TestGenerateMonthlyCoversLocalSegments(t *testing.T) {
	loc, err := time.LoadLocation("America/Edmonton")
	require.NoError(t, err)
	start := time.Date(2024, 1, 31, 23, 30, 0, 0, loc)
	end := time.Date(2024, 2, 1, 1, 30, 0, 0, loc)
	boundary := time.Date(2024, 2, 1, 0, 0, 0, 0, loc)
	rate := money.MustParse("100")

	store := memstore.New()
	store.PutOrder(rentals.Order{
		ID: 20, CompanyID: 1, CustomerID: 7, Number: "RO-20", Status: rentals.StatusReceived,
		LineItems: []rentals.LineItem{{
			ID: 5, OrderID: 20, Label: "Boom lift", InventoryCount: 1,
			RateBasis: proration.BasisMonthly, RateAmount: &rate, StartAt: &start, EndAt: &end,
		}},
	})
	st := settings.Defaults(1)
	st.TimeZone = "America/Edmonton"
	st.InvoiceDateMode = settings.InvoiceDatePeriodStart
	gen := invoicing.NewGenerator(store.InvoiceRepo(), store, settings.Static{1: st}, nil)

	res, err := gen.Generate(context.Background(), invoicing.GenerateRequest{
		CompanyID: 1, OrderID: 20, Mode: invoicing.ModeMonthly, Now: time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	first, second := res.Created[0], res.Created[1]
	require.True(t, first.ServicePeriodStart.Equal(start))
	require.True(t, first.ServicePeriodEnd.Equal(boundary))
	require.True(t, second.ServicePeriodStart.Equal(boundary))
	require.True(t, second.ServicePeriodEnd.Equal(end))
	require.Equal(t, "2024-01-31", first.InvoiceDate.Format(time.DateOnly))
	require.Equal(t, "2024-02-01", second.InvoiceDate.Format(time.DateOnly))

	again, err := gen.Generate(context.Background(), invoicing.GenerateRequest{
		CompanyID: 1, OrderID: 20, Mode: invoicing.ModeMonthly, Now: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Empty(t, again.Created)
	require.Len(t, again.Existing, 2)
}

func TestGenerateLeavesIssuedInvoicesAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.generate(t, invoicing.ModeMonthly)
	_, err := h.lifecycle.MarkSent(ctx, first.Created[1].ID, time.Time{})
	require.NoError(t, err)

	o := rentalOrder()
	o.Fees = []rentals.Fee{{ID: 3, Name: "Delivery", Amount: money.MustParse("45"), FeeDate: time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)}}
	h.store.PutOrder(o)

	res := h.generate(t, invoicing.ModeMonthly)
	require.Empty(t, res.Created)
	require.Empty(t, res.Updated)
	require.Len(t, h.store.Lines(first.Created[1].ID), 1)
}

func TestGenerateRetriesDuplicatePeriod(t *testing.T) {
	h := newHarness(t)
	h.store.FailInsertInvoice = invoicing.ErrDuplicatePeriod

	res := h.generate(t, invoicing.ModeMonthly)
	require.Len(t, res.Created, 2)
	// The failed attempt rolled back, so numbering stays gapless.
	require.Equal(t, "INV-000001", res.Created[0].Number)
}

func TestGenerateRejectsUnknownMode(t *testing.T) {
	h := newHarness(t)
	_, err := h.generator.Generate(context.Background(), invoicing.GenerateRequest{CompanyID: 1, OrderID: 10, Mode: "weekly"})
	require.ErrorIs(t, err, invoicing.ErrValidation)

	_, err = h.generator.Generate(context.Background(), invoicing.GenerateRequest{CompanyID: 1, OrderID: 99, Mode: invoicing.ModeSingle})
	require.ErrorIs(t, err, rentals.ErrOrderNotFound)
}

func TestPickupThenMonthlyDoesNotDoubleBill(t *testing.T) {
	h := newHarness(t)
	pickup, err := h.generator.Generate(context.Background(), invoicing.GenerateRequest{
		CompanyID: 1, OrderID: 10, Mode: invoicing.ModePickupProration, LineItemID: 1,
	})
	require.NoError(t, err)
	require.Len(t, pickup.Created, 1)
	require.Equal(t, invoicing.ReasonPickupProration, pickup.Created[0].BillingReason)

	monthly := h.generate(t, invoicing.ModeMonthly)
	require.Len(t, monthly.Created, 1)
	require.Equal(t, "280.00", monthly.Created[0].Total.String())
}

func TestAdjustmentsIssueCreditMemoOnce(t *testing.T) {
	h := newHarness(t)
	first := h.generate(t, invoicing.ModeMonthly)
	jan := first.Created[0]

	o := rentalOrder()
	pauseStart := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	pauseEnd := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	o.LineItems[0].Pauses = []rentals.PausePeriod{{StartAt: &pauseStart, EndAt: &pauseEnd}}
	h.store.PutOrder(o)

	adj := h.generate(t, invoicing.ModeAdjustments)
	require.Len(t, adj.Created, 1)
	memo := adj.Created[0]
	require.Equal(t, invoicing.DocCreditMemo, memo.DocumentType)
	require.Equal(t, "CRM-000001", memo.Number)
	require.Equal(t, jan.ID, *memo.AppliesToInvoiceID)
	require.Equal(t, "50.00", memo.Total.String())
	require.Equal(t, "-50.00", memo.SignedTotal().String())

	again := h.generate(t, invoicing.ModeAdjustments)
	require.Empty(t, again.Created)
	require.Empty(t, again.Updated)
}

func TestReplaceLinesOnlyOnDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.generate(t, invoicing.ModeMonthly).Created[0]

	lines := []invoicing.Line{
		{Description: "Manual", Amount: money.MustParse("12.50"), UnitPrice: money.MustParse("12.50"), OriginKey: " manual:1 "},
		{Description: "Other", Amount: money.MustParse("2.50"), UnitPrice: money.MustParse("2.50")},
	}
	d, err := h.lifecycle.ReplaceLines(ctx, inv.ID, lines)
	require.NoError(t, err)
	require.Equal(t, "15.00", d.Total.String())
	require.Equal(t, "manual:1", d.Lines[0].OriginKey)

	_, err = h.lifecycle.ReplaceLines(ctx, inv.ID, []invoicing.Line{{OriginKey: "a"}, {OriginKey: "a"}})
	require.ErrorIs(t, err, invoicing.ErrDuplicateOrigin)

	sent, err := h.lifecycle.MarkSent(ctx, inv.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, invoicing.StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)

	_, err = h.lifecycle.ReplaceLines(ctx, inv.ID, lines)
	require.ErrorIs(t, err, invoicing.ErrLocked)
	require.Equal(t, shared.KindLocked, shared.KindOf(err))
}

func TestVoidGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.generate(t, invoicing.ModeMonthly)
	paid, open := res.Created[0], res.Created[1]
	for _, inv := range res.Created {
		_, err := h.lifecycle.MarkSent(ctx, inv.ID, time.Time{})
		require.NoError(t, err)
	}

	_, err := h.lifecycle.Void(ctx, invoicing.VoidInput{InvoiceID: open.ID, Reason: "  "})
	require.ErrorIs(t, err, invoicing.ErrReasonRequired)

	_, err = h.ledger.RecordInvoicePayment(ctx, ledger.PaymentInput{InvoiceID: paid.ID, Amount: money.MustParse("100")})
	require.NoError(t, err)
	_, err = h.lifecycle.Void(ctx, invoicing.VoidInput{InvoiceID: paid.ID, Reason: "wrong customer"})
	require.True(t, errors.Is(err, invoicing.ErrPaymentsExist), "expected payments exist, got %v", err)

	out, err := h.lifecycle.Void(ctx, invoicing.VoidInput{InvoiceID: open.ID, Reason: "billed in error", By: "ops"})
	require.NoError(t, err)
	require.False(t, out.AlreadyVoid)
	require.Equal(t, invoicing.StatusVoid, out.Invoice.Status)

	again, err := h.lifecycle.Void(ctx, invoicing.VoidInput{InvoiceID: open.ID, Reason: "billed in error"})
	require.NoError(t, err)
	require.True(t, again.AlreadyVoid)

	_, err = h.lifecycle.MarkSent(ctx, open.ID, time.Time{})
	require.ErrorIs(t, err, invoicing.ErrInvalidState)

	require.Len(t, h.audit.entries, 1)
	require.Equal(t, "invoice.void", h.audit.entries[0].Action)

	// A voided period can be generated again.
	regen := h.generate(t, invoicing.ModeMonthly)
	require.Len(t, regen.Created, 1)
	require.Equal(t, "INV-000003", regen.Created[0].Number)
}

func TestCreateCorrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.generate(t, invoicing.ModeMonthly).Created[0]

	_, err := h.lifecycle.CreateCorrection(ctx, inv.ID, invoicing.DocCreditMemo)
	require.ErrorIs(t, err, invoicing.ErrInvalidState)

	_, err = h.lifecycle.MarkSent(ctx, inv.ID, time.Time{})
	require.NoError(t, err)

	_, err = h.lifecycle.CreateCorrection(ctx, inv.ID, invoicing.DocInvoice)
	require.ErrorIs(t, err, invoicing.ErrValidation)

	crm, err := h.lifecycle.CreateCorrection(ctx, inv.ID, invoicing.DocCreditMemo)
	require.NoError(t, err)
	require.Equal(t, "CRM-000001", crm.Number)
	require.Equal(t, invoicing.StatusDraft, crm.Status)
	require.Equal(t, invoicing.ReasonCreditMemo, crm.BillingReason)
	require.Equal(t, inv.ID, *crm.AppliesToInvoiceID)
	require.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), crm.InvoiceDate)

	dbm, err := h.lifecycle.CreateCorrection(ctx, inv.ID, invoicing.DocDebitMemo)
	require.NoError(t, err)
	require.Equal(t, "DBM-000001", dbm.Number)

	_, err = h.lifecycle.CreateCorrection(ctx, crm.ID, invoicing.DocCreditMemo)
	require.ErrorIs(t, err, invoicing.ErrInvalidState)
}

func TestDeleteDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.generate(t, invoicing.ModeMonthly)
	jan, feb := res.Created[0], res.Created[1]

	// Deleting INV-000001 would leave a hole before INV-000002.
	err := h.lifecycle.DeleteDraft(ctx, jan.ID)
	require.ErrorIs(t, err, invoicing.ErrInvalidState)
	_, ok := h.store.Invoice(jan.ID)
	require.True(t, ok)

	require.NoError(t, h.lifecycle.DeleteDraft(ctx, feb.ID))
	_, ok = h.store.Invoice(feb.ID)
	require.False(t, ok)
	_, err = h.lifecycle.Get(ctx, feb.ID)
	require.ErrorIs(t, err, invoicing.ErrNotFound)

	// The released number is issued again.
	again := h.generate(t, invoicing.ModeMonthly)
	require.Len(t, again.Created, 1)
	require.Equal(t, "INV-000002", again.Created[0].Number)

	_, err = h.lifecycle.MarkSent(ctx, again.Created[0].ID, time.Time{})
	require.NoError(t, err)
	err = h.lifecycle.DeleteDraft(ctx, again.Created[0].ID)
	require.ErrorIs(t, err, invoicing.ErrInvalidState)
}
