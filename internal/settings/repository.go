package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/rounding"
)

// Repository loads company settings from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectSettings = `SELECT company_id, COALESCE(time_zone, ''), COALESCE(rounding_mode, ''),
COALESCE(rounding_granularity, ''), COALESCE(monthly_proration_method, ''), tax_enabled,
COALESCE(default_tax_rate, 0), tax_inclusive, COALESCE(invoice_date_mode, ''),
COALESCE(payment_terms_days, 30), monthly_auto_run, auto_apply_credit, COALESCE(currency, 'USD')
FROM company_settings`

func scanSettings(row pgx.Row) (Settings, error) {
	var s Settings
	var mode, gran, method, dateMode string
	var rate decimal.Decimal
	if err := row.Scan(&s.CompanyID, &s.TimeZone, &mode, &gran, &method, &s.TaxEnabled, &rate,
		&s.TaxInclusive, &dateMode, &s.PaymentTermsDays, &s.MonthlyAutoRun, &s.AutoApplyCredit, &s.Currency); err != nil {
		return Settings{}, err
	}
	s.RoundingMode = rounding.Mode(mode)
	s.RoundingGranularity = rounding.Granularity(gran)
	s.MonthlyProrationMethod = proration.MonthlyMethod(method)
	s.InvoiceDateMode = InvoiceDateMode(dateMode)
	s.DefaultTaxRate = rate
	return s.Normalize(), nil
}

// Load returns the stored settings, or Defaults when the company has none.
func (r *Repository) Load(ctx context.Context, companyID int64) (Settings, error) {
	s, err := scanSettings(r.pool.QueryRow(ctx, selectSettings+` WHERE company_id=$1`, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Defaults(companyID), nil
		}
		return Settings{}, fmt.Errorf("settings: load %d: %w", companyID, err)
	}
	return s, nil
}

// ListAutoRun returns companies that opted into the monthly billing run.
func (r *Repository) ListAutoRun(ctx context.Context) ([]Settings, error) {
	rows, err := r.pool.Query(ctx, selectSettings+` WHERE monthly_auto_run ORDER BY company_id`)
	if err != nil {
		return nil, fmt.Errorf("settings: list auto run: %w", err)
	}
	defer rows.Close()
	var out []Settings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts settings after validation.
func (r *Repository) Save(ctx context.Context, s Settings) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO company_settings (company_id, time_zone, rounding_mode, rounding_granularity,
monthly_proration_method, tax_enabled, default_tax_rate, tax_inclusive, invoice_date_mode, payment_terms_days,
monthly_auto_run, auto_apply_credit, currency, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
ON CONFLICT (company_id) DO UPDATE SET time_zone=EXCLUDED.time_zone, rounding_mode=EXCLUDED.rounding_mode,
rounding_granularity=EXCLUDED.rounding_granularity, monthly_proration_method=EXCLUDED.monthly_proration_method,
tax_enabled=EXCLUDED.tax_enabled, default_tax_rate=EXCLUDED.default_tax_rate, tax_inclusive=EXCLUDED.tax_inclusive,
invoice_date_mode=EXCLUDED.invoice_date_mode, payment_terms_days=EXCLUDED.payment_terms_days,
monthly_auto_run=EXCLUDED.monthly_auto_run, auto_apply_credit=EXCLUDED.auto_apply_credit,
currency=EXCLUDED.currency, updated_at=NOW()`,
		s.CompanyID, s.TimeZone, string(s.RoundingMode), string(s.RoundingGranularity), string(s.MonthlyProrationMethod),
		s.TaxEnabled, s.DefaultTaxRate, s.TaxInclusive, string(s.InvoiceDateMode), s.PaymentTermsDays,
		s.MonthlyAutoRun, s.AutoApplyCredit, s.Currency)
	if err != nil {
		return fmt.Errorf("settings: save %d: %w", s.CompanyID, err)
	}
	return nil
}
