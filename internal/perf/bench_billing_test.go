package perf

import (
	"context"
	"testing"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/testing/memstore"
)

func longOrder(id int64) rentals.Order {
	start := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	daily := money.MustParse("185")
	weekly := money.MustParse("420")
	pauseStart := start.AddDate(0, 1, 0)
	pauseEnd := start.AddDate(0, 2, 0)
	return rentals.Order{
		ID:         id,
		CompanyID:  1,
		CustomerID: 7,
		Status:     rentals.StatusReceived,
		LineItems: []rentals.LineItem{
			{ID: id*10 + 1, OrderID: id, Label: "Skid steer", InventoryCount: 1, RateBasis: proration.BasisDaily, RateAmount: &daily, StartAt: &start},
			{ID: id*10 + 2, OrderID: id, Label: "Light tower", InventoryCount: 2, RateBasis: proration.BasisWeekly, RateAmount: &weekly, StartAt: &start,
				Pauses: []rentals.PausePeriod{{StartAt: &pauseStart, EndAt: &pauseEnd}}},
		},
	}
}

// BenchmarkGenerateMonthly measures a fresh order billed for every month since
// January of the previous year.
func BenchmarkGenerateMonthly(b *testing.B) {
	ctx := context.Background()
	now := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		store := memstore.New()
		store.PutOrder(longOrder(10))
		gen := invoicing.NewGenerator(store.InvoiceRepo(), store, settings.Static{}, nil)
		res, err := gen.Generate(ctx, invoicing.GenerateRequest{CompanyID: 1, OrderID: 10, Mode: invoicing.ModeMonthly, Now: now})
		if err != nil {
			b.Fatalf("generate: %v", err)
		}
		if len(res.Created) == 0 {
			b.Fatalf("expected invoices to be created")
		}
	}
}

// BenchmarkGenerateMonthlyRerun measures the idempotent path where every
// period already exists.
func BenchmarkGenerateMonthlyRerun(b *testing.B) {
	ctx := context.Background()
	now := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	store := memstore.New()
	store.PutOrder(longOrder(10))
	gen := invoicing.NewGenerator(store.InvoiceRepo(), store, settings.Static{}, nil)
	req := invoicing.GenerateRequest{CompanyID: 1, OrderID: 10, Mode: invoicing.ModeMonthly, Now: now}
	if _, err := gen.Generate(ctx, req); err != nil {
		b.Fatalf("seed: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := gen.Generate(ctx, req)
		if err != nil {
			b.Fatalf("generate: %v", err)
		}
		if len(res.Created) != 0 {
			b.Fatalf("rerun created %d invoices", len(res.Created))
		}
	}
}

// BenchmarkRecomputeBalances folds a long activity log.
func BenchmarkRecomputeBalances(b *testing.B) {
	log := make([]ledger.Activity, 0, 10000)
	for i := 0; i < 2500; i++ {
		invoiceID := int64(i%200 + 1)
		paymentID := int64(i + 1)
		log = append(log,
			ledger.Activity{Type: ledger.ActivityPayment, Amount: money.MustParse("100"), PaymentID: &paymentID},
			ledger.Activity{Type: ledger.ActivityAllocation, Amount: money.MustParse("60"), PaymentID: &paymentID, InvoiceID: &invoiceID},
			ledger.Activity{Type: ledger.ActivityDeposit, Amount: money.MustParse("50"), Deposit: true},
			ledger.Activity{Type: ledger.ActivityDepositAllocation, Amount: money.MustParse("20"), Deposit: true, InvoiceID: &invoiceID},
		)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bal := ledger.RecomputeBalances(log)
		if bal.Credit.String() != "100000.00" || bal.Deposit.String() != "75000.00" {
			b.Fatalf("unexpected balances credit=%s deposit=%s", bal.Credit, bal.Deposit)
		}
	}
}
