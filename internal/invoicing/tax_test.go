package invoicing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
)

func TestComputeTotalsExclusive(t *testing.T) {
	cfg := TaxConfig{Enabled: true, DefaultRate: decimal.RequireFromString("0.05")}
	lines := []Line{
		{Amount: money.MustParse("100.00"), IsTaxable: true},
		{Amount: money.MustParse("40.00"), IsTaxable: false},
		{Amount: money.MustParse("10.00"), IsTaxable: true, TaxRate: ptr(decimal.RequireFromString("0.10"))},
	}
	totals := ComputeTotals(lines, cfg, money.MustParse("50"))
	if totals.Subtotal.String() != "150.00" || totals.TaxTotal.String() != "6.00" || totals.Total.String() != "156.00" {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if totals.Balance.String() != "106.00" {
		t.Fatalf("expected balance 106.00, got %s", totals.Balance)
	}
	if lines[0].TaxAmount.String() != "5.00" || !lines[1].TaxAmount.IsZero() || lines[2].TaxAmount.String() != "1.00" {
		t.Fatalf("unexpected line tax %s %s %s", lines[0].TaxAmount, lines[1].TaxAmount, lines[2].TaxAmount)
	}
}

func TestComputeTotalsInclusive(t *testing.T) {
	cfg := TaxConfig{Enabled: true, DefaultRate: decimal.RequireFromString("0.05"), Inclusive: true}
	lines := []Line{{Amount: money.MustParse("105.00"), IsTaxable: true}}
	totals := ComputeTotals(lines, cfg, money.Zero)
	if totals.TaxTotal.String() != "5.00" || totals.Subtotal.String() != "100.00" || totals.Total.String() != "105.00" {
		t.Fatalf("unexpected inclusive totals %+v", totals)
	}
}

func TestComputeTotalsTaxDisabled(t *testing.T) {
	lines := []Line{{Amount: money.MustParse("80.00"), IsTaxable: true}}
	totals := ComputeTotals(lines, TaxConfig{DefaultRate: decimal.RequireFromString("0.05")}, money.Zero)
	if !totals.TaxTotal.IsZero() || totals.Total.String() != "80.00" {
		t.Fatalf("tax must be ignored when disabled: %+v", totals)
	}
}

func TestDeriveStatus(t *testing.T) {
	total := money.MustParse("100")
	cases := []struct {
		stored Status
		paid   string
		want   Status
	}{
		{StatusDraft, "100", StatusDraft},
		{StatusVoid, "0", StatusVoid},
		{StatusSent, "0", StatusSent},
		{StatusPaid, "0", StatusSent},
		{StatusSent, "40", StatusPartial},
		{StatusPartial, "100", StatusPaid},
		{StatusSent, "120", StatusPaid},
	}
	for _, tc := range cases {
		if got := DeriveStatus(tc.stored, total, money.MustParse(tc.paid)); got != tc.want {
			t.Fatalf("DeriveStatus(%s, paid %s) = %s, want %s", tc.stored, tc.paid, got, tc.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(DocInvoice, 123); got != "INV-000123" {
		t.Fatalf("got %s", got)
	}
	if got := FormatNumber(DocCreditMemo, 1); got != "CRM-000001" {
		t.Fatalf("got %s", got)
	}
	if got := FormatNumber(DocDebitMemo, 7); got != "DBM-000007" {
		t.Fatalf("got %s", got)
	}
}
