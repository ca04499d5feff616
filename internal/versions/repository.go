package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores versions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const versionColumns = `id, invoice_id, snapshot, pdf, file_name, created_at, sent_at`

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	var raw []byte
	if err := row.Scan(&v.ID, &v.InvoiceID, &raw, &v.PDF, &v.FileName, &v.CreatedAt, &v.SentAt); err != nil {
		return Version{}, err
	}
	if err := json.Unmarshal(raw, &v.Snapshot); err != nil {
		return Version{}, fmt.Errorf("versions: decode snapshot %d: %w", v.ID, err)
	}
	return v, nil
}

// CreateVersion inserts an immutable version.
func (r *Repository) CreateVersion(ctx context.Context, invoiceID int64, snapshot Snapshot, pdf []byte, fileName string) (Version, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return Version{}, fmt.Errorf("versions: encode snapshot: %w", err)
	}
	v := Version{InvoiceID: invoiceID, Snapshot: snapshot, PDF: pdf, FileName: fileName}
	err = r.pool.QueryRow(ctx, `INSERT INTO invoice_versions (invoice_id, snapshot_id, snapshot, pdf, file_name, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		invoiceID, snapshot.ID, raw, pdf, fileName).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("versions: insert: %w", err)
	}
	return v, nil
}

// MarkVersionSent stamps the send time.
func (r *Repository) MarkVersionSent(ctx context.Context, versionID int64, sentAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoice_versions SET sent_at = COALESCE($2, NOW()) WHERE id = $1`, versionID, sentAt)
	if err != nil {
		return fmt.Errorf("versions: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound.Withf("version %d", versionID)
	}
	return nil
}

// GetVersion loads one version.
func (r *Repository) GetVersion(ctx context.Context, versionID int64) (Version, error) {
	v, err := scanVersion(r.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM invoice_versions WHERE id = $1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, ErrNotFound.Withf("version %d", versionID)
	}
	return v, err
}

func (r *Repository) latest(ctx context.Context, invoiceID int64, sentOnly bool) (*Version, error) {
	query := `SELECT ` + versionColumns + ` FROM invoice_versions WHERE invoice_id = $1`
	if sentOnly {
		query += ` AND sent_at IS NOT NULL ORDER BY sent_at DESC, id DESC LIMIT 1`
	} else {
		query += ` ORDER BY id DESC LIMIT 1`
	}
	v, err := scanVersion(r.pool.QueryRow(ctx, query, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LatestVersion returns the newest version or nil.
func (r *Repository) LatestVersion(ctx context.Context, invoiceID int64) (*Version, error) {
	return r.latest(ctx, invoiceID, false)
}

// LatestSentVersion returns the most recently sent version or nil.
func (r *Repository) LatestSentVersion(ctx context.Context, invoiceID int64) (*Version, error) {
	return r.latest(ctx, invoiceID, true)
}

// ListVersions returns all versions, newest first, without PDF bytes.
func (r *Repository) ListVersions(ctx context.Context, invoiceID int64) ([]Version, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, snapshot, ''::bytea, file_name, created_at, sent_at
FROM invoice_versions WHERE invoice_id = $1 ORDER BY id DESC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("versions: list: %w", err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CustomerEmail returns the billing address of a customer.
func (r *Repository) CustomerEmail(ctx context.Context, companyID, customerID int64) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(billing_email, email, '') FROM customers WHERE id = $1 AND company_id = $2`,
		customerID, companyID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return email, err
}
