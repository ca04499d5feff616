package ledger

import "github.com/odyssey-erp/rental-billing/internal/money"

// Balances is the fold of a customer's activity log.
type Balances struct {
	Credit      money.Money
	Deposit     money.Money
	InvoicePaid map[int64]money.Money
}

// PaidFor returns the folded paid amount of an invoice.
func (b Balances) PaidFor(invoiceID int64) money.Money {
	if v, ok := b.InvoicePaid[invoiceID]; ok {
		return v
	}
	return money.Zero
}

// RecomputeBalances folds the activity log in order. It is pure; the service
// uses it for availability checks and tests use it to reconcile allocations.
func RecomputeBalances(log []Activity) Balances {
	b := Balances{Credit: money.Zero, Deposit: money.Zero, InvoicePaid: make(map[int64]money.Money)}
	paid := func(a Activity, delta money.Money) {
		if a.InvoiceID == nil {
			return
		}
		b.InvoicePaid[*a.InvoiceID] = b.PaidFor(*a.InvoiceID).Add(delta)
	}
	for _, a := range log {
		switch a.Type {
		case ActivityPayment:
			b.Credit = b.Credit.Add(a.Amount)
		case ActivityDeposit:
			b.Deposit = b.Deposit.Add(a.Amount)
		case ActivityDepositRefund:
			b.Deposit = b.Deposit.Sub(a.Amount)
		case ActivityAllocation:
			b.Credit = b.Credit.Sub(a.Amount)
			paid(a, a.Amount)
		case ActivityAllocationReversal:
			b.Credit = b.Credit.Add(a.Amount)
			paid(a, a.Amount.Neg())
		case ActivityDepositAllocation:
			b.Deposit = b.Deposit.Sub(a.Amount)
			paid(a, a.Amount)
		case ActivityDepositAllocationReversal:
			b.Deposit = b.Deposit.Add(a.Amount)
			paid(a, a.Amount.Neg())
		case ActivityReversal:
			if a.Deposit {
				b.Deposit = b.Deposit.Sub(a.Amount)
			} else {
				b.Credit = b.Credit.Sub(a.Amount)
			}
		}
	}
	return b
}
