package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/platform/db"
)

// Repository provides PostgreSQL backed ledger persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps callback in a read-committed transaction serialised by the
// customer row lock.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxLevel(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, invoices: invoicing.NewTxRepository(tx)})
	})
}

type txRepo struct {
	tx       pgx.Tx
	invoices invoicing.TxRepository
}

func (r *txRepo) Invoices() invoicing.TxRepository { return r.invoices }

func (r *txRepo) LockCustomer(ctx context.Context, companyID, customerID int64) error {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM customers WHERE id = $1 AND company_id = $2 FOR UPDATE`,
		customerID, companyID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound.Withf("customer %d", customerID)
	}
	return err
}

const paymentColumns = `id, company_id, customer_id, invoice_id, amount, COALESCE(method, ''), COALESCE(reference, ''),
received_at, is_deposit, is_refund, is_reversal, reversal_of, COALESCE(reversal_reason, ''), reversed_at, created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.CompanyID, &p.CustomerID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference,
		&p.ReceivedAt, &p.IsDeposit, &p.IsRefund, &p.IsReversal, &p.ReversalOf, &p.ReversalReason, &p.ReversedAt, &p.CreatedAt)
	return p, err
}

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (company_id, customer_id, invoice_id, amount, method, reference,
received_at, is_deposit, is_refund, is_reversal, reversal_of, reversal_reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12, ''),NOW())
RETURNING id, created_at`,
		p.CompanyID, p.CustomerID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.ReceivedAt,
		p.IsDeposit, p.IsRefund, p.IsReversal, p.ReversalOf, p.ReversalReason).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return Payment{}, fmt.Errorf("ledger: insert payment: %w", err)
	}
	return p, nil
}

func (r *txRepo) GetPayment(ctx context.Context, id int64, forUpdate bool) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(r.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound.Withf("payment %d", id)
		}
		return Payment{}, fmt.Errorf("ledger: get payment: %w", err)
	}
	return p, nil
}

func (r *txRepo) MarkPaymentReversed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE payments SET reversed_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *txRepo) ListSources(ctx context.Context, customerID int64, deposit bool) ([]SourceBalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT p.id, p.company_id, p.customer_id, p.invoice_id, p.amount,
COALESCE(p.method, ''), COALESCE(p.reference, ''), p.received_at, p.is_deposit, p.is_refund, p.is_reversal,
p.reversal_of, COALESCE(p.reversal_reason, ''), p.reversed_at, p.created_at,
p.amount - COALESCE((SELECT SUM(a.amount) FROM invoice_payment_allocations a
  WHERE a.payment_id = p.id AND a.reversed_at IS NULL), 0) AS remaining
FROM payments p
WHERE p.customer_id = $1 AND p.is_deposit = $2 AND NOT p.is_refund AND NOT p.is_reversal
  AND p.reversed_at IS NULL AND p.amount > 0
ORDER BY p.received_at, p.id`, customerID, deposit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sources: %w", err)
	}
	defer rows.Close()
	var out []SourceBalance
	for rows.Next() {
		var s SourceBalance
		p := &s.Payment
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.CustomerID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference,
			&p.ReceivedAt, &p.IsDeposit, &p.IsRefund, &p.IsReversal, &p.ReversalOf, &p.ReversalReason, &p.ReversedAt,
			&p.CreatedAt, &s.Remaining); err != nil {
			return nil, err
		}
		if s.Remaining.IsPositive() {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

const allocationColumns = `id, payment_id, invoice_id, amount, kind, created_at, reversed_at`

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	var kind string
	if err := row.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.Amount, &kind, &a.CreatedAt, &a.ReversedAt); err != nil {
		return Allocation{}, err
	}
	a.Kind = AllocationKind(kind)
	return a, nil
}

func (r *txRepo) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO invoice_payment_allocations (payment_id, invoice_id, amount, kind, created_at)
VALUES ($1,$2,$3,$4,NOW()) RETURNING id, created_at`,
		a.PaymentID, a.InvoiceID, a.Amount, string(a.Kind)).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return Allocation{}, fmt.Errorf("ledger: insert allocation: %w", err)
	}
	return a, nil
}

func (r *txRepo) GetAllocation(ctx context.Context, id int64, forUpdate bool) (Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM invoice_payment_allocations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAllocation(r.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, ErrNotFound.Withf("allocation %d", id)
		}
		return Allocation{}, fmt.Errorf("ledger: get allocation: %w", err)
	}
	return a, nil
}

func (r *txRepo) listAllocations(ctx context.Context, where string, arg int64) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+allocationColumns+` FROM invoice_payment_allocations WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("ledger: list allocations: %w", err)
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepo) ListAllocationsBySource(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, `payment_id = $1`, paymentID)
}

func (r *txRepo) ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, `invoice_id = $1`, invoiceID)
}

func (r *txRepo) MarkAllocationReversed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoice_payment_allocations SET reversed_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *txRepo) AppendActivity(ctx context.Context, a Activity) (Activity, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO credit_activity (company_id, customer_id, activity_type, amount, is_deposit,
payment_id, invoice_id, allocation_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10) RETURNING id`,
		a.CompanyID, a.CustomerID, string(a.Type), a.Amount, a.Deposit, a.PaymentID, a.InvoiceID, a.AllocationID,
		a.Note, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return Activity{}, err
	}
	return a, nil
}

func (r *txRepo) ListActivity(ctx context.Context, customerID int64) ([]Activity, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, customer_id, activity_type, amount, is_deposit, payment_id,
invoice_id, allocation_id, COALESCE(note, ''), created_at
FROM credit_activity WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list activity: %w", err)
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		var kind string
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.CustomerID, &kind, &a.Amount, &a.Deposit, &a.PaymentID,
			&a.InvoiceID, &a.AllocationID, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = ActivityType(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepo) ListOpenInvoices(ctx context.Context, customerID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM invoices
WHERE customer_id = $1 AND status IN ('sent', 'partial') AND document_type <> 'credit_memo'
ORDER BY invoice_date, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: open invoices: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
