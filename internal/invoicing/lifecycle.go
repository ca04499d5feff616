package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// Lifecycle moves invoices through draft, sent and void and issues corrections.
type Lifecycle struct {
	repo     RepositoryPort
	settings settings.Provider
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycle constructs the lifecycle manager. audit may be nil.
func NewLifecycle(repo RepositoryPort, provider settings.Provider, audit AuditPort, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{repo: repo, settings: provider, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (l *Lifecycle) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// LoadDetail reads an invoice with lines and derived totals inside tx.
func LoadDetail(ctx context.Context, tx TxRepository, provider settings.Provider, invoiceID int64, forUpdate bool) (Detail, error) {
	inv, err := tx.GetInvoice(ctx, invoiceID, forUpdate)
	if err != nil {
		return Detail{}, err
	}
	lines, err := tx.ListLines(ctx, invoiceID)
	if err != nil {
		return Detail{}, err
	}
	paid, _, err := tx.ActiveAllocations(ctx, invoiceID)
	if err != nil {
		return Detail{}, err
	}
	st, err := provider.Get(ctx, inv.CompanyID)
	if err != nil {
		return Detail{}, fmt.Errorf("invoicing: load settings: %w", err)
	}
	inv.Totals = ComputeTotals(lines, TaxConfigFrom(st), paid)
	inv.Status = DeriveStatus(inv.Status, inv.Total, paid)
	return Detail{Invoice: inv, Lines: lines}, nil
}

// Get returns the invoice detail.
func (l *Lifecycle) Get(ctx context.Context, invoiceID int64) (Detail, error) {
	var d Detail
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = LoadDetail(ctx, tx, l.settings, invoiceID, false)
		return err
	})
	return d, err
}

// ReplaceLines swaps all lines of a draft. Origin keys must stay unique.
func (l *Lifecycle) ReplaceLines(ctx context.Context, invoiceID int64, lines []Line) (Detail, error) {
	seen := make(map[string]bool, len(lines))
	for i := range lines {
		key := strings.TrimSpace(lines[i].OriginKey)
		lines[i].OriginKey = key
		lines[i].SortOrder = i + 1
		if key == "" {
			continue
		}
		if seen[key] {
			return Detail{}, ErrDuplicateOrigin.Withf("origin key %q", key)
		}
		seen[key] = true
	}
	var d Detail
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID, true)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return ErrLocked.Withf("invoice %s is %s", inv.Number, inv.Status)
		}
		if err := tx.DeleteLines(ctx, invoiceID); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, invoiceID, lines); err != nil {
			return err
		}
		d, err = LoadDetail(ctx, tx, l.settings, invoiceID, false)
		return err
	})
	return d, err
}

// MarkSent moves a draft to sent (or straight to partial/paid when already
// funded). Issued invoices are left alone; void ones are rejected.
func (l *Lifecycle) MarkSent(ctx context.Context, invoiceID int64, at time.Time) (Invoice, error) {
	if at.IsZero() {
		at = l.now()
	}
	var out Invoice
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := LoadDetail(ctx, tx, l.settings, invoiceID, true)
		if err != nil {
			return err
		}
		switch d.Status {
		case StatusVoid:
			return ErrInvalidState.Withf("invoice %s is void", d.Number)
		case StatusDraft:
			status := DeriveStatus(StatusSent, d.Total, d.Paid)
			if err := tx.SetStatus(ctx, invoiceID, status, &at); err != nil {
				return err
			}
			d.Status = status
			d.SentAt = &at
		}
		out = d.Invoice
		return nil
	})
	return out, err
}

// VoidInput carries the void request.
type VoidInput struct {
	InvoiceID int64
	Reason    string
	By        string
	At        time.Time
}

// Void cancels an invoice that has no active payments. Voiding twice reports
// AlreadyVoid instead of failing.
func (l *Lifecycle) Void(ctx context.Context, input VoidInput) (VoidResult, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return VoidResult{}, ErrReasonRequired
	}
	at := input.At
	if at.IsZero() {
		at = l.now()
	}
	var res VoidResult
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, input.InvoiceID, true)
		if err != nil {
			return err
		}
		if inv.Status == StatusVoid {
			res = VoidResult{Invoice: inv, AlreadyVoid: true}
			return nil
		}
		_, active, err := tx.ActiveAllocations(ctx, inv.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrPaymentsExist.Withf("invoice %s has %d active allocations", inv.Number, active)
		}
		if err := tx.MarkVoid(ctx, inv.ID, reason, input.By, at); err != nil {
			return err
		}
		inv.Status = StatusVoid
		inv.VoidedAt = &at
		inv.VoidedBy = input.By
		inv.VoidReason = reason
		res = VoidResult{Invoice: inv}
		return nil
	})
	if err != nil {
		return VoidResult{}, err
	}
	if !res.AlreadyVoid {
		l.record(ctx, res.Invoice, input.By, "invoice.void", map[string]any{"reason": reason}, at)
	}
	return res, nil
}

// CreateCorrection opens a draft credit or debit memo against an issued invoice.
func (l *Lifecycle) CreateCorrection(ctx context.Context, invoiceID int64, doc DocumentType) (Invoice, error) {
	var reason BillingReason
	switch doc {
	case DocCreditMemo:
		reason = ReasonCreditMemo
	case DocDebitMemo:
		reason = ReasonDebitMemo
	default:
		return Invoice{}, ErrValidation.Withf("correction must be a credit or debit memo, got %q", doc)
	}
	now := l.now()
	var memo Invoice
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		src, err := LoadDetail(ctx, tx, l.settings, invoiceID, true)
		if err != nil {
			return err
		}
		if src.DocumentType != DocInvoice || !src.Status.Issued() {
			return ErrInvalidState.Withf("cannot correct %s %s in status %s", src.DocumentType, src.Number, src.Status)
		}
		st, err := l.settings.Get(ctx, src.CompanyID)
		if err != nil {
			return err
		}
		number, err := NextNumber(ctx, tx, src.CompanyID, doc)
		if err != nil {
			return err
		}
		date := period.LocalDate(now, st.Location())
		applies := src.ID
		memo, err = tx.InsertInvoice(ctx, Invoice{
			CompanyID:          src.CompanyID,
			CustomerID:         src.CustomerID,
			RentalOrderID:      src.RentalOrderID,
			Number:             number,
			DocumentType:       doc,
			Status:             StatusDraft,
			BillingReason:      reason,
			ServicePeriodStart: src.ServicePeriodStart,
			ServicePeriodEnd:   src.ServicePeriodEnd,
			InvoiceDate:        date,
			DueDate:            date.AddDate(0, 0, st.PaymentTerms()),
			AppliesToInvoiceID: &applies,
		})
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	l.record(ctx, memo, "", "invoice.correction", map[string]any{"applies_to": invoiceID, "document_type": string(doc)}, now)
	return memo, nil
}

// DeleteDraft removes a draft that has never been funded. Only the most
// recently numbered document of its type can be deleted, and its number is
// handed out again.
func (l *Lifecycle) DeleteDraft(ctx context.Context, invoiceID int64) error {
	return l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID, true)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return ErrInvalidState.Withf("only drafts can be deleted, %s is %s", inv.Number, inv.Status)
		}
		_, active, err := tx.ActiveAllocations(ctx, invoiceID)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrPaymentsExist
		}
		// Numbers stay gapless: only the latest document of its type can go.
		seq, ok := ParseNumber(inv.DocumentType, inv.Number)
		if !ok {
			return ErrInvalidState.Withf("draft %s has no sequence number", inv.Number)
		}
		released, err := tx.ReleaseSequence(ctx, inv.CompanyID, inv.DocumentType, seq)
		if err != nil {
			return err
		}
		if !released {
			return ErrInvalidState.Withf("%s is not the latest number, void it instead", inv.Number)
		}
		if err := tx.DeleteLines(ctx, invoiceID); err != nil {
			return err
		}
		return tx.DeleteInvoice(ctx, invoiceID)
	})
}

func (l *Lifecycle) record(ctx context.Context, inv Invoice, actor, action string, meta map[string]any, at time.Time) {
	if l.audit == nil {
		return
	}
	meta["number"] = inv.Number
	if err := l.audit.Record(ctx, shared.AuditLog{
		CompanyID: inv.CompanyID,
		Actor:     actor,
		Action:    action,
		Entity:    "invoice",
		EntityID:  inv.ID,
		Meta:      meta,
		At:        at,
	}); err != nil {
		l.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
	}
}
