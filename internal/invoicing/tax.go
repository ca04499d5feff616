package invoicing

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/settings"
)

// TaxConfig is the tenant tax policy.
type TaxConfig struct {
	Enabled     bool
	DefaultRate decimal.Decimal
	Inclusive   bool
}

// TaxConfigFrom extracts the tax policy from settings.
func TaxConfigFrom(s settings.Settings) TaxConfig {
	return TaxConfig{Enabled: s.TaxEnabled, DefaultRate: s.DefaultTaxRate, Inclusive: s.TaxInclusive}
}

// LineTax returns the tax portion of a line, rounded to cents.
func (c TaxConfig) LineTax(line Line) money.Money {
	if !c.Enabled || !line.IsTaxable {
		return money.Zero
	}
	rate := c.DefaultRate
	if line.TaxRate != nil {
		rate = *line.TaxRate
	}
	if !rate.IsPositive() {
		return money.Zero
	}
	if c.Inclusive {
		net := line.Amount.Div(decimal.NewFromInt(1).Add(rate))
		return line.Amount.Sub(net).Round2()
	}
	return line.Amount.Mul(rate).Round2()
}

// ComputeTotals fills per-line tax and returns totals given the allocated amount.
func ComputeTotals(lines []Line, cfg TaxConfig, paid money.Money) Totals {
	gross := money.Zero
	tax := money.Zero
	for i := range lines {
		lines[i].TaxAmount = cfg.LineTax(lines[i])
		gross = gross.Add(lines[i].Amount)
		tax = tax.Add(lines[i].TaxAmount)
	}
	var t Totals
	if cfg.Enabled && cfg.Inclusive {
		t.Subtotal = gross.Sub(tax)
		t.Total = gross
	} else {
		t.Subtotal = gross
		t.Total = gross.Add(tax)
	}
	t.TaxTotal = tax
	t.Paid = paid
	t.Balance = t.Total.Sub(paid)
	return t
}

// DeriveStatus maps a stored status and funding onto the reported status.
// Draft and void are never overridden.
func DeriveStatus(stored Status, total, paid money.Money) Status {
	switch stored {
	case StatusDraft, StatusVoid:
		return stored
	}
	if !paid.IsPositive() {
		return StatusSent
	}
	if paid.Cmp(total) >= 0 {
		return StatusPaid
	}
	return StatusPartial
}
