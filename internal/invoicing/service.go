package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations available inside one transaction.
type TxRepository interface {
	Numberer
	LockOrder(ctx context.Context, orderID int64) error
	ListBilledLines(ctx context.Context, orderID int64) ([]BilledLine, error)
	// FindOpenInvoice returns the non-void invoice for key, or nil. With
	// appliesTo set only drafts adjusting that invoice match.
	FindOpenInvoice(ctx context.Context, key InvoiceKey, appliesTo *int64) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	InsertLines(ctx context.Context, invoiceID int64, lines []Line) error
	ListLines(ctx context.Context, invoiceID int64) ([]Line, error)
	DeleteLines(ctx context.Context, invoiceID int64) error
	GetInvoice(ctx context.Context, invoiceID int64, forUpdate bool) (Invoice, error)
	// ActiveAllocations returns the allocated sum and number of active allocations.
	ActiveAllocations(ctx context.Context, invoiceID int64) (money.Money, int, error)
	SetStatus(ctx context.Context, invoiceID int64, status Status, sentAt *time.Time) error
	MarkVoid(ctx context.Context, invoiceID int64, reason, by string, at time.Time) error
	DeleteInvoice(ctx context.Context, invoiceID int64) error
}

// AuditPort records lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Generator turns rental order activity into invoices.
type Generator struct {
	repo     RepositoryPort
	orders   rentals.Source
	settings settings.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerator constructs the generator.
func NewGenerator(repo RepositoryPort, orders rentals.Source, provider settings.Provider, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{repo: repo, orders: orders, settings: provider, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (g *Generator) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Generate creates the invoices the request's mode calls for. It is
// idempotent: rerunning creates nothing new and reports existing invoices.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	if req.CompanyID <= 0 || req.OrderID <= 0 {
		return Result{}, ErrValidation.Withf("company and order required")
	}
	switch req.Mode {
	case ModeSingle, ModeMonthly, ModePickupProration, ModeAdjustments:
	default:
		return Result{}, ErrValidation.Withf("unknown mode %q", req.Mode)
	}
	if req.Now.IsZero() {
		req.Now = g.now()
	}
	order, err := g.orders.GetOrder(ctx, req.CompanyID, req.OrderID)
	if err != nil {
		return Result{}, fmt.Errorf("invoicing: load order: %w", err)
	}
	st, err := g.settings.Get(ctx, req.CompanyID)
	if err != nil {
		return Result{}, fmt.Errorf("invoicing: load settings: %w", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := g.generateOnce(ctx, req, order, st)
		if err != nil && errors.Is(err, ErrDuplicatePeriod) && attempt == 0 {
			g.logger.Info("invoice generation raced, retrying",
				slog.Int64("company_id", req.CompanyID),
				slog.Int64("order_id", req.OrderID),
				slog.String("mode", string(req.Mode)))
			continue
		}
		if err != nil {
			return Result{}, err
		}
		g.logger.Info("invoices generated",
			slog.Int64("company_id", req.CompanyID),
			slog.Int64("order_id", req.OrderID),
			slog.String("mode", string(req.Mode)),
			slog.Int("created", len(res.Created)),
			slog.Int("updated", len(res.Updated)),
			slog.Int("existing", len(res.Existing)),
			slog.Int("warnings", len(res.Warnings)))
		return res, nil
	}
}

func (g *Generator) generateOnce(ctx context.Context, req GenerateRequest, order rentals.Order, st settings.Settings) (Result, error) {
	tax := TaxConfigFrom(st)
	var res Result
	err := g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockOrder(ctx, order.ID); err != nil {
			return err
		}
		billed, err := tx.ListBilledLines(ctx, order.ID)
		if err != nil {
			return err
		}
		plan, err := BuildPlan(PlanInput{
			Order:      order,
			Settings:   st,
			Mode:       req.Mode,
			LineItemID: req.LineItemID,
			Now:        req.Now,
			Billed:     billed,
		})
		if err != nil {
			return err
		}
		res = Result{Warnings: plan.Warnings, UnmatchedFees: plan.UnmatchedFees, Provisional: plan.Provisional}

		for _, planned := range plan.Invoices {
			existing, err := tx.FindOpenInvoice(ctx, planned.Key, planned.AppliesToInvoiceID)
			if err != nil {
				return err
			}
			if existing == nil {
				inv, err := g.create(ctx, tx, planned, tax)
				if err != nil {
					return err
				}
				res.Created = append(res.Created, inv)
				continue
			}
			if existing.Status != StatusDraft {
				res.Existing = append(res.Existing, *existing)
				continue
			}
			inv, added, err := g.complete(ctx, tx, *existing, planned, tax)
			if err != nil {
				return err
			}
			if added {
				res.Updated = append(res.Updated, inv)
			} else {
				res.Existing = append(res.Existing, inv)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (g *Generator) create(ctx context.Context, tx TxRepository, planned PlannedInvoice, tax TaxConfig) (Invoice, error) {
	number, err := NextNumber(ctx, tx, planned.Key.CompanyID, planned.Key.DocumentType)
	if err != nil {
		return Invoice{}, err
	}
	start, end := planned.Key.PeriodStart, planned.Key.PeriodEnd
	orderID := planned.Key.OrderID
	inv, err := tx.InsertInvoice(ctx, Invoice{
		CompanyID:          planned.Key.CompanyID,
		CustomerID:         planned.CustomerID,
		RentalOrderID:      &orderID,
		Number:             number,
		DocumentType:       planned.Key.DocumentType,
		Status:             StatusDraft,
		BillingReason:      planned.Key.Reason,
		ServicePeriodStart: &start,
		ServicePeriodEnd:   &end,
		InvoiceDate:        planned.InvoiceDate,
		DueDate:            planned.DueDate,
		AppliesToInvoiceID: planned.AppliesToInvoiceID,
	})
	if err != nil {
		return Invoice{}, err
	}
	if err := tx.InsertLines(ctx, inv.ID, planned.Lines); err != nil {
		return Invoice{}, err
	}
	lines := append([]Line(nil), planned.Lines...)
	inv.Totals = ComputeTotals(lines, tax, money.Zero)
	return inv, nil
}

// complete inserts planned lines whose origin keys the draft does not have yet.
func (g *Generator) complete(ctx context.Context, tx TxRepository, inv Invoice, planned PlannedInvoice, tax TaxConfig) (Invoice, bool, error) {
	current, err := tx.ListLines(ctx, inv.ID)
	if err != nil {
		return Invoice{}, false, err
	}
	have := make(map[string]bool, len(current))
	next := 0
	for _, l := range current {
		if l.OriginKey != "" {
			have[l.OriginKey] = true
		}
		if l.SortOrder > next {
			next = l.SortOrder
		}
	}
	var missing []Line
	for _, l := range planned.Lines {
		if have[l.OriginKey] {
			continue
		}
		next++
		l.SortOrder = next
		missing = append(missing, l)
	}
	if len(missing) > 0 {
		if err := tx.InsertLines(ctx, inv.ID, missing); err != nil {
			return Invoice{}, false, err
		}
		current = append(current, missing...)
	}
	paid, _, err := tx.ActiveAllocations(ctx, inv.ID)
	if err != nil {
		return Invoice{}, false, err
	}
	inv.Totals = ComputeTotals(current, tax, paid)
	return inv, len(missing) > 0, nil
}
