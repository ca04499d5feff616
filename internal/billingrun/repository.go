package billingrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores billing runs in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// StartRun claims the (company, month) row. A failed previous attempt is
// reclaimed; anything else reports ErrAlreadyRan.
func (r *Repository) StartRun(ctx context.Context, companyID int64, month string, at time.Time) (Run, error) {
	run := Run{CompanyID: companyID, Month: month, Status: StatusRunning, StartedAt: at}
	err := r.pool.QueryRow(ctx, `INSERT INTO billing_runs (company_id, run_month, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (company_id, run_month) DO UPDATE
SET status = EXCLUDED.status, started_at = EXCLUDED.started_at, finished_at = NULL, error = NULL,
    orders = 0, created = 0, updated = 0, existing = 0, failed = 0, warnings = 0
WHERE billing_runs.status = 'failed'
RETURNING id`, companyID, month, StatusRunning, at).Scan(&run.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrAlreadyRan.Withf("company %d month %s", companyID, month)
	}
	if err != nil {
		return Run{}, fmt.Errorf("billingrun: start: %w", err)
	}
	return run, nil
}

// FinishRun stores the counters and final status.
func (r *Repository) FinishRun(ctx context.Context, run Run) error {
	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}
	_, err := r.pool.Exec(ctx, `UPDATE billing_runs
SET status = $2, orders = $3, created = $4, updated = $5, existing = $6, failed = $7, warnings = $8,
    error = $9, finished_at = $10
WHERE id = $1`, run.ID, run.Status, run.Orders, run.Created, run.Updated, run.Existing, run.Failed,
		run.Warnings, errText, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("billingrun: finish %d: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the runs recorded for a month.
func (r *Repository) ListRuns(ctx context.Context, month string) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, run_month, status, orders, created, updated, existing,
failed, warnings, COALESCE(error, ''), started_at, finished_at
FROM billing_runs WHERE run_month = $1 ORDER BY company_id`, month)
	if err != nil {
		return nil, fmt.Errorf("billingrun: list: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.CompanyID, &run.Month, &run.Status, &run.Orders, &run.Created, &run.Updated,
			&run.Existing, &run.Failed, &run.Warnings, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
