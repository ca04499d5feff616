package rentals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// ErrOrderNotFound indicates the order does not exist for the company.
var ErrOrderNotFound = shared.E(shared.KindNotFound, "rentals", "order not found")

// Repository loads rental order data for billing. It never writes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the adapter.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrder loads an order with lines, pauses and fees.
func (r *Repository) GetOrder(ctx context.Context, companyID, orderID int64) (Order, error) {
	const headerSQL = `
		SELECT o.id, o.company_id, o.customer_id, COALESCE(o.ro_number, ''), o.status
		FROM rental_orders o
		WHERE o.company_id = $1 AND o.id = $2
	`
	var order Order
	var status string
	if err := r.pool.QueryRow(ctx, headerSQL, companyID, orderID).Scan(
		&order.ID,
		&order.CompanyID,
		&order.CustomerID,
		&order.Number,
		&status,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound.Withf("order %d", orderID)
		}
		return Order{}, fmt.Errorf("rentals: get order: %w", err)
	}
	order.Status = OrderStatus(status)

	lines, err := r.loadLines(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := r.attachPauses(ctx, orderID, lines); err != nil {
		return Order{}, err
	}
	order.LineItems = lines

	fees, err := r.loadFees(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	order.Fees = fees
	return order, nil
}

func (r *Repository) loadLines(ctx context.Context, orderID int64) ([]LineItem, error) {
	const lineSQL = `
		SELECT li.id, li.rental_order_id,
		       COALESCE(b.name, et.name, 'Line item'), li.bundle_id,
		       (SELECT COUNT(*) FROM rental_order_line_inventory inv WHERE inv.line_item_id = li.id),
		       COALESCE(li.rate_basis, ''), li.rate_amount,
		       COALESCE(li.fulfilled_at, li.start_at), COALESCE(li.returned_at, li.end_at),
		       li.returned_at IS NOT NULL
		FROM rental_order_line_items li
		LEFT JOIN equipment_bundles b ON b.id = li.bundle_id
		LEFT JOIN equipment_types et ON et.id = li.type_id
		WHERE li.rental_order_id = $1
		ORDER BY li.id
	`
	rows, err := r.pool.Query(ctx, lineSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("rentals: load lines: %w", err)
	}
	defer rows.Close()

	var lines []LineItem
	for rows.Next() {
		var (
			li        LineItem
			basis     string
			rate      decimal.NullDecimal
			startAt   *time.Time
			endAt     *time.Time
			returned  bool
			inventory int64
		)
		if err := rows.Scan(&li.ID, &li.OrderID, &li.Label, &li.BundleID, &inventory, &basis, &rate,
			&startAt, &endAt, &returned); err != nil {
			return nil, err
		}
		li.InventoryCount = int(inventory)
		li.RateBasis = proration.ParseRateBasis(basis)
		if rate.Valid {
			m := money.New(rate.Decimal)
			li.RateAmount = &m
		}
		li.StartAt = startAt
		if returned {
			li.EndAt = endAt
		}
		lines = append(lines, li)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *Repository) attachPauses(ctx context.Context, orderID int64, lines []LineItem) error {
	if len(lines) == 0 {
		return nil
	}
	index := make(map[int64]int, len(lines))
	for i, li := range lines {
		index[li.ID] = i
	}
	rows, err := r.pool.Query(ctx, `
		SELECT p.line_item_id, p.paused_at, p.resumed_at
		FROM rental_order_line_pauses p
		JOIN rental_order_line_items li ON li.id = p.line_item_id
		WHERE li.rental_order_id = $1
		ORDER BY p.paused_at`, orderID)
	if err != nil {
		return fmt.Errorf("rentals: load pauses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lineID int64
		var p PausePeriod
		if err := rows.Scan(&lineID, &p.StartAt, &p.EndAt); err != nil {
			return err
		}
		if i, ok := index[lineID]; ok {
			lines[i].Pauses = append(lines[i].Pauses, p)
		}
	}
	return rows.Err()
}

func (r *Repository) loadFees(ctx context.Context, orderID int64) ([]Fee, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, rental_order_id, name, amount, fee_date, is_taxable
		FROM rental_order_fees
		WHERE rental_order_id = $1
		ORDER BY fee_date, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("rentals: load fees: %w", err)
	}
	defer rows.Close()
	var fees []Fee
	for rows.Next() {
		var f Fee
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Name, &f.Amount, &f.FeeDate, &f.IsTaxable); err != nil {
			return nil, err
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

// ListBillableOrders returns orders that have started and are not quotes.
func (r *Repository) ListBillableOrders(ctx context.Context, companyID int64) ([]OrderRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, company_id, customer_id, status
		FROM rental_orders
		WHERE company_id = $1 AND status IN ('ordered', 'received', 'closed')
		ORDER BY id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("rentals: list billable: %w", err)
	}
	defer rows.Close()
	var refs []OrderRef
	for rows.Next() {
		var ref OrderRef
		var status string
		if err := rows.Scan(&ref.ID, &ref.CompanyID, &ref.CustomerID, &status); err != nil {
			return nil, err
		}
		ref.Status = OrderStatus(status)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
