package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/platform/db"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// Constraint names from the migrations.
const (
	constraintGeneratedPeriod = "invoices_generated_period_uniq"
	constraintLineOrigin      = "invoice_line_items_origin_uniq"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps callback in a read-committed transaction; generation and
// lifecycle changes serialise on the order advisory lock and invoice row locks.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxLevel(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository exposes invoice persistence on an open transaction so other
// packages can read and update invoices inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

const invoiceColumns = `id, company_id, customer_id, rental_order_id, number, document_type, status, billing_reason,
service_period_start, service_period_end, invoice_date, due_date, applies_to_invoice_id, sent_at, voided_at,
COALESCE(voided_by, ''), COALESCE(void_reason, ''), created_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var doc, status, reason string
	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.RentalOrderID, &inv.Number, &doc, &status, &reason,
		&inv.ServicePeriodStart, &inv.ServicePeriodEnd, &inv.InvoiceDate, &inv.DueDate, &inv.AppliesToInvoiceID,
		&inv.SentAt, &inv.VoidedAt, &inv.VoidedBy, &inv.VoidReason, &inv.CreatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.DocumentType = DocumentType(doc)
	inv.Status = Status(status)
	inv.BillingReason = BillingReason(reason)
	return inv, nil
}

func (r *txRepo) NextSequence(ctx context.Context, companyID int64, doc DocumentType) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO document_sequences (company_id, document_type, last_value)
VALUES ($1, $2, 1)
ON CONFLICT (company_id, document_type) DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value`, companyID, string(doc)).Scan(&seq)
	return seq, err
}

func (r *txRepo) ReleaseSequence(ctx context.Context, companyID int64, doc DocumentType, seq int64) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE document_sequences SET last_value = last_value - 1
WHERE company_id = $1 AND document_type = $2 AND last_value = $3`, companyID, string(doc), seq)
	if err != nil {
		return false, fmt.Errorf("invoicing: release sequence: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) LockOrder(ctx context.Context, orderID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, orderID)
	return err
}

func (r *txRepo) ListBilledLines(ctx context.Context, orderID int64) ([]BilledLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT i.id, i.company_id, i.billing_reason, i.document_type,
i.service_period_start, i.service_period_end, l.origin_key, l.amount
FROM invoice_line_items l
JOIN invoices i ON i.id = l.invoice_id
WHERE i.rental_order_id = $1 AND i.status <> 'void' AND l.origin_key IS NOT NULL
ORDER BY i.id, l.sort_order`, orderID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list billed lines: %w", err)
	}
	defer rows.Close()
	var out []BilledLine
	for rows.Next() {
		var b BilledLine
		var reason, doc string
		var start, end *time.Time
		if err := rows.Scan(&b.InvoiceID, &b.InvoiceKey.CompanyID, &reason, &doc, &start, &end, &b.OriginKey, &b.Amount); err != nil {
			return nil, err
		}
		b.InvoiceKey.OrderID = orderID
		b.InvoiceKey.Reason = BillingReason(reason)
		b.InvoiceKey.DocumentType = DocumentType(doc)
		b.DocumentType = DocumentType(doc)
		if start != nil {
			b.InvoiceKey.PeriodStart = *start
		}
		if end != nil {
			b.InvoiceKey.PeriodEnd = *end
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *txRepo) FindOpenInvoice(ctx context.Context, key InvoiceKey, appliesTo *int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
WHERE company_id = $1 AND rental_order_id = $2 AND billing_reason = $3 AND document_type = $4
AND service_period_start IS NOT DISTINCT FROM $5 AND service_period_end IS NOT DISTINCT FROM $6
AND status <> 'void'`
	args := []any{key.CompanyID, key.OrderID, string(key.Reason), string(key.DocumentType),
		nullableTime(key.PeriodStart), nullableTime(key.PeriodEnd)}
	if appliesTo != nil {
		query += ` AND applies_to_invoice_id = $7 AND status = 'draft'`
		args = append(args, *appliesTo)
	} else {
		query += ` AND applies_to_invoice_id IS NULL`
	}
	query += ` ORDER BY id LIMIT 1 FOR UPDATE`
	inv, err := scanInvoice(r.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("invoicing: find invoice: %w", err)
	}
	return &inv, nil
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (company_id, customer_id, rental_order_id, number, document_type,
status, billing_reason, service_period_start, service_period_end, invoice_date, due_date, applies_to_invoice_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
RETURNING id, created_at`,
		inv.CompanyID, inv.CustomerID, inv.RentalOrderID, inv.Number, string(inv.DocumentType), string(inv.Status),
		string(inv.BillingReason), inv.ServicePeriodStart, inv.ServicePeriodEnd, inv.InvoiceDate, inv.DueDate,
		inv.AppliesToInvoiceID).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return Invoice{}, mapWriteError(err)
	}
	return inv, nil
}

func (r *txRepo) InsertLines(ctx context.Context, invoiceID int64, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		var origin *string
		if l.OriginKey != "" {
			key := l.OriginKey
			origin = &key
		}
		batch.Queue(`INSERT INTO invoice_line_items (invoice_id, description, quantity, unit_price, amount, is_taxable,
tax_rate, origin_key, sort_order) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			invoiceID, l.Description, l.Quantity, l.UnitPrice, l.Amount, l.IsTaxable, l.TaxRate, origin, l.SortOrder)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range lines {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return mapWriteError(err)
		}
	}
	return results.Close()
}

func (r *txRepo) ListLines(ctx context.Context, invoiceID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, invoice_id, description, quantity, unit_price, amount, is_taxable,
tax_rate, COALESCE(origin_key, ''), sort_order
FROM invoice_line_items WHERE invoice_id = $1 ORDER BY sort_order, id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list lines: %w", err)
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		var rate decimal.NullDecimal
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &l.Quantity, &l.UnitPrice, &l.Amount, &l.IsTaxable,
			&rate, &l.OriginKey, &l.SortOrder); err != nil {
			return nil, err
		}
		if rate.Valid {
			v := rate.Decimal
			l.TaxRate = &v
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepo) DeleteLines(ctx context.Context, invoiceID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, invoiceID)
	return err
}

func (r *txRepo) GetInvoice(ctx context.Context, invoiceID int64, forUpdate bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(r.tx.QueryRow(ctx, query, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound.Withf("invoice %d", invoiceID)
		}
		return Invoice{}, fmt.Errorf("invoicing: get invoice: %w", err)
	}
	return inv, nil
}

func (r *txRepo) ActiveAllocations(ctx context.Context, invoiceID int64) (money.Money, int, error) {
	var sum money.Money
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0), COUNT(*)
FROM invoice_payment_allocations WHERE invoice_id = $1 AND reversed_at IS NULL`, invoiceID).Scan(&sum, &count)
	if err != nil {
		return money.Zero, 0, fmt.Errorf("invoicing: allocations: %w", err)
	}
	return sum, count, nil
}

func (r *txRepo) SetStatus(ctx context.Context, invoiceID int64, status Status, sentAt *time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoices SET status = $2, sent_at = COALESCE($3, sent_at), updated_at = NOW()
WHERE id = $1`, invoiceID, string(status), sentAt)
	return err
}

func (r *txRepo) MarkVoid(ctx context.Context, invoiceID int64, reason, by string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoices SET status = 'void', voided_at = $2, voided_by = $3, void_reason = $4,
updated_at = NOW() WHERE id = $1`, invoiceID, at, by, reason)
	return err
}

func (r *txRepo) DeleteInvoice(ctx context.Context, invoiceID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1 AND status = 'draft'`, invoiceID)
	return err
}

func mapWriteError(err error) error {
	if !shared.IsUniqueViolation(err) {
		return err
	}
	switch shared.ConstraintName(err) {
	case constraintLineOrigin:
		return ErrDuplicateOrigin.Wrap(err)
	case constraintGeneratedPeriod:
		return ErrDuplicatePeriod.Wrap(err)
	}
	return err
}
