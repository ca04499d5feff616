package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// RepositoryPort abstracts transactional persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes ledger persistence inside one transaction.
type TxRepository interface {
	// Invoices shares the transaction with invoice persistence.
	Invoices() invoicing.TxRepository
	// LockCustomer serialises all money movements of one customer.
	LockCustomer(ctx context.Context, companyID, customerID int64) error
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id int64, forUpdate bool) (Payment, error)
	MarkPaymentReversed(ctx context.Context, id int64, at time.Time) error
	// ListSources returns funding payments of the pool with money left,
	// oldest first.
	ListSources(ctx context.Context, customerID int64, deposit bool) ([]SourceBalance, error)
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	GetAllocation(ctx context.Context, id int64, forUpdate bool) (Allocation, error)
	ListAllocationsBySource(ctx context.Context, paymentID int64) ([]Allocation, error)
	ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]Allocation, error)
	MarkAllocationReversed(ctx context.Context, id int64, at time.Time) error
	AppendActivity(ctx context.Context, a Activity) (Activity, error)
	ListActivity(ctx context.Context, customerID int64) ([]Activity, error)
	// ListOpenInvoices returns issued, unpaid receivables oldest first.
	ListOpenInvoices(ctx context.Context, customerID int64) ([]int64, error)
}

// Service records payments and moves credit and deposits onto invoices.
type Service struct {
	repo     RepositoryPort
	settings settings.Provider
	audit    invoicing.AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the ledger service. audit may be nil.
func NewService(repo RepositoryPort, provider settings.Provider, audit invoicing.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, settings: provider, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordInvoicePayment records a receipt against an invoice. Anything above
// the open balance stays on the customer as credit and, when the tenant
// enables it, is applied to the oldest other open invoices.
func (s *Service) RecordInvoicePayment(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	if in.InvoiceID <= 0 || !in.Amount.IsPositive() {
		return PaymentResult{}, ErrValidation.Withf("invoice and positive amount required")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now()
	}
	var res PaymentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.Invoices().GetInvoice(ctx, in.InvoiceID, false)
		if err != nil {
			return err
		}
		if err := tx.LockCustomer(ctx, inv.CompanyID, inv.CustomerID); err != nil {
			return err
		}
		d, err := invoicing.LoadDetail(ctx, tx.Invoices(), s.settings, inv.ID, true)
		if err != nil {
			return err
		}
		if d.Status == invoicing.StatusVoid || d.DocumentType == invoicing.DocCreditMemo {
			return ErrInvalidState.Withf("cannot pay %s %s in status %s", d.DocumentType, d.Number, d.Status)
		}
		invoiceID := d.ID
		p, err := tx.InsertPayment(ctx, Payment{
			CompanyID:  d.CompanyID,
			CustomerID: d.CustomerID,
			InvoiceID:  &invoiceID,
			Amount:     in.Amount,
			Method:     strings.TrimSpace(in.Method),
			Reference:  strings.TrimSpace(in.Reference),
			ReceivedAt: in.ReceivedAt,
		})
		if err != nil {
			return err
		}
		if err := s.log(ctx, tx, Activity{CompanyID: p.CompanyID, CustomerID: p.CustomerID, Type: ActivityPayment,
			Amount: p.Amount, PaymentID: &p.ID, InvoiceID: &invoiceID}); err != nil {
			return err
		}
		res.Payment = p
		res.Applied = money.Min(p.Amount, money.Max(d.Balance, money.Zero))
		res.Excess = p.Amount.Sub(res.Applied)
		if res.Applied.IsPositive() {
			alloc, err := tx.InsertAllocation(ctx, Allocation{PaymentID: p.ID, InvoiceID: &invoiceID, Amount: res.Applied, Kind: KindPayment})
			if err != nil {
				return err
			}
			if err := s.log(ctx, tx, Activity{CompanyID: p.CompanyID, CustomerID: p.CustomerID, Type: ActivityAllocation,
				Amount: alloc.Amount, PaymentID: &p.ID, InvoiceID: &invoiceID, AllocationID: &alloc.ID}); err != nil {
				return err
			}
			if err := s.refreshStatus(ctx, tx, invoiceID); err != nil {
				return err
			}
		}
		if !res.Excess.IsPositive() {
			return nil
		}
		st, err := s.settings.Get(ctx, d.CompanyID)
		if err != nil {
			return fmt.Errorf("ledger: load settings: %w", err)
		}
		if st.AutoApplyCredit {
			res.AutoApplied, err = s.applyOldest(ctx, tx, d.CompanyID, d.CustomerID, invoiceID)
			return err
		}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	s.logger.Info("invoice payment recorded",
		slog.Int64("invoice_id", in.InvoiceID),
		slog.Int64("payment_id", res.Payment.ID),
		slog.String("applied", res.Applied.String()),
		slog.String("excess", res.Excess.String()),
		slog.Int("auto_applied", len(res.AutoApplied)))
	return res, nil
}

// RecordCustomerPayment records an unapplied receipt as customer credit.
func (s *Service) RecordCustomerPayment(ctx context.Context, in PaymentInput) (Payment, error) {
	return s.recordPoolPayment(ctx, in, false)
}

// RecordDeposit records a security deposit.
func (s *Service) RecordDeposit(ctx context.Context, in PaymentInput) (Payment, error) {
	return s.recordPoolPayment(ctx, in, true)
}

func (s *Service) recordPoolPayment(ctx context.Context, in PaymentInput, deposit bool) (Payment, error) {
	if in.CompanyID <= 0 || in.CustomerID <= 0 || !in.Amount.IsPositive() {
		return Payment{}, ErrValidation.Withf("company, customer and positive amount required")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now()
	}
	var p Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockCustomer(ctx, in.CompanyID, in.CustomerID); err != nil {
			return err
		}
		var err error
		p, err = tx.InsertPayment(ctx, Payment{
			CompanyID:  in.CompanyID,
			CustomerID: in.CustomerID,
			Amount:     in.Amount,
			Method:     strings.TrimSpace(in.Method),
			Reference:  strings.TrimSpace(in.Reference),
			ReceivedAt: in.ReceivedAt,
			IsDeposit:  deposit,
		})
		if err != nil {
			return err
		}
		kind := ActivityPayment
		if deposit {
			kind = ActivityDeposit
		}
		return s.log(ctx, tx, Activity{CompanyID: p.CompanyID, CustomerID: p.CustomerID, Type: kind,
			Amount: p.Amount, Deposit: deposit, PaymentID: &p.ID})
	})
	return p, err
}

// ApplyCredit moves customer credit onto an invoice. A nil amount applies as
// much as both balances allow.
func (s *Service) ApplyCredit(ctx context.Context, invoiceID int64, amount *money.Money) ([]Allocation, error) {
	return s.apply(ctx, invoiceID, amount, false)
}

// ApplyDeposit moves deposit funds onto an invoice. A nil amount applies as
// much as both balances allow.
func (s *Service) ApplyDeposit(ctx context.Context, invoiceID int64, amount *money.Money) ([]Allocation, error) {
	return s.apply(ctx, invoiceID, amount, true)
}

func (s *Service) apply(ctx context.Context, invoiceID int64, amount *money.Money, deposit bool) ([]Allocation, error) {
	if amount != nil && !amount.IsPositive() {
		return nil, ErrValidation.Withf("amount must be positive")
	}
	var out []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.Invoices().GetInvoice(ctx, invoiceID, false)
		if err != nil {
			return err
		}
		if err := tx.LockCustomer(ctx, inv.CompanyID, inv.CustomerID); err != nil {
			return err
		}
		d, err := invoicing.LoadDetail(ctx, tx.Invoices(), s.settings, invoiceID, true)
		if err != nil {
			return err
		}
		if d.Status == invoicing.StatusVoid || d.DocumentType == invoicing.DocCreditMemo {
			return ErrInvalidState.Withf("cannot apply funds to %s %s in status %s", d.DocumentType, d.Number, d.Status)
		}
		available, err := s.available(ctx, tx, d.CustomerID, deposit)
		if err != nil {
			return err
		}
		want := money.Min(available, d.Balance)
		if amount != nil {
			want = *amount
		}
		switch {
		case !available.IsPositive() || want.Cmp(available) > 0:
			return ErrInsufficientBalance.Withf("available %s", available)
		case !d.Balance.IsPositive() || want.Cmp(d.Balance) > 0:
			return ErrExceedsInvoiceBalance.Withf("invoice %s balance %s", d.Number, d.Balance)
		}
		out, err = s.consume(ctx, tx, d.Invoice, want, deposit)
		if err != nil {
			return err
		}
		return s.refreshStatus(ctx, tx, invoiceID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyCreditToOldest spends available credit on the customer's oldest open
// invoices.
func (s *Service) ApplyCreditToOldest(ctx context.Context, companyID, customerID int64) ([]Allocation, error) {
	var out []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockCustomer(ctx, companyID, customerID); err != nil {
			return err
		}
		var err error
		out, err = s.applyOldest(ctx, tx, companyID, customerID, 0)
		return err
	})
	return out, err
}

func (s *Service) applyOldest(ctx context.Context, tx TxRepository, companyID, customerID, skip int64) ([]Allocation, error) {
	available, err := s.available(ctx, tx, customerID, false)
	if err != nil {
		return nil, err
	}
	ids, err := tx.ListOpenInvoices(ctx, customerID)
	if err != nil {
		return nil, err
	}
	var out []Allocation
	for _, id := range ids {
		if !available.IsPositive() {
			break
		}
		if id == skip {
			continue
		}
		d, err := invoicing.LoadDetail(ctx, tx.Invoices(), s.settings, id, true)
		if err != nil {
			return nil, err
		}
		if d.CompanyID != companyID || !d.Balance.IsPositive() {
			continue
		}
		take := money.Min(available, d.Balance)
		allocs, err := s.consume(ctx, tx, d.Invoice, take, false)
		if err != nil {
			return nil, err
		}
		if err := s.refreshStatus(ctx, tx, id); err != nil {
			return nil, err
		}
		out = append(out, allocs...)
		available = available.Sub(take)
	}
	return out, nil
}

// RefundInput returns deposit money to a customer.
type RefundInput struct {
	CompanyID  int64
	CustomerID int64
	Amount     money.Money
	Method     string
	Reference  string
	At         time.Time
}

// RefundDeposit pays deposit money back, consuming deposits oldest first.
func (s *Service) RefundDeposit(ctx context.Context, in RefundInput) (Payment, error) {
	if in.CompanyID <= 0 || in.CustomerID <= 0 || !in.Amount.IsPositive() {
		return Payment{}, ErrValidation.Withf("company, customer and positive amount required")
	}
	if in.At.IsZero() {
		in.At = s.now()
	}
	var refund Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockCustomer(ctx, in.CompanyID, in.CustomerID); err != nil {
			return err
		}
		available, err := s.available(ctx, tx, in.CustomerID, true)
		if err != nil {
			return err
		}
		if in.Amount.Cmp(available) > 0 {
			return ErrInsufficientBalance.Withf("deposit balance %s", available)
		}
		refund, err = tx.InsertPayment(ctx, Payment{
			CompanyID:  in.CompanyID,
			CustomerID: in.CustomerID,
			Amount:     in.Amount.Neg(),
			Method:     strings.TrimSpace(in.Method),
			Reference:  strings.TrimSpace(in.Reference),
			ReceivedAt: in.At,
			IsDeposit:  true,
			IsRefund:   true,
		})
		if err != nil {
			return err
		}
		sources, err := tx.ListSources(ctx, in.CustomerID, true)
		if err != nil {
			return err
		}
		left := in.Amount
		for _, src := range sources {
			if !left.IsPositive() {
				break
			}
			take := money.Min(left, src.Remaining)
			if !take.IsPositive() {
				continue
			}
			if _, err := tx.InsertAllocation(ctx, Allocation{PaymentID: src.Payment.ID, Amount: take, Kind: KindRefund}); err != nil {
				return err
			}
			left = left.Sub(take)
		}
		if left.IsPositive() {
			return ErrInsufficientBalance.Withf("deposit sources short by %s", left)
		}
		return s.log(ctx, tx, Activity{CompanyID: in.CompanyID, CustomerID: in.CustomerID, Type: ActivityDepositRefund,
			Amount: in.Amount, Deposit: true, PaymentID: &refund.ID})
	})
	return refund, err
}

// ReverseInput describes a payment reversal.
type ReverseInput struct {
	PaymentID int64
	Reason    string
	By        string
	At        time.Time
}

// ReversePayment undoes a payment: its active allocations are unwound and a
// negative reversal payment removes the funds from the pool. Payments whose
// money was already refunded cannot be reversed.
func (s *Service) ReversePayment(ctx context.Context, in ReverseInput) (Payment, error) {
	reason := strings.TrimSpace(in.Reason)
	if in.PaymentID <= 0 || reason == "" {
		return Payment{}, ErrValidation.Withf("payment and reason required")
	}
	if in.At.IsZero() {
		in.At = s.now()
	}
	var reversal Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPayment(ctx, in.PaymentID, false)
		if err != nil {
			return err
		}
		if err := tx.LockCustomer(ctx, p.CompanyID, p.CustomerID); err != nil {
			return err
		}
		if p, err = tx.GetPayment(ctx, in.PaymentID, true); err != nil {
			return err
		}
		if !p.CanReverse() {
			return ErrInvalidState.Withf("payment %d cannot be reversed", p.ID)
		}
		allocs, err := tx.ListAllocationsBySource(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if a.Active() && a.Kind == KindRefund {
				return ErrInsufficientBalance.Withf("payment %d was refunded", p.ID)
			}
		}
		touched := make([]int64, 0, len(allocs))
		for _, a := range allocs {
			if !a.Active() {
				continue
			}
			if err := s.unwind(ctx, tx, p, a, in.At); err != nil {
				return err
			}
			if a.InvoiceID != nil {
				touched = append(touched, *a.InvoiceID)
			}
		}
		available, err := s.available(ctx, tx, p.CustomerID, p.IsDeposit)
		if err != nil {
			return err
		}
		if p.Amount.Cmp(available) > 0 {
			return ErrInsufficientBalance.Withf("pool holds %s, payment %s", available, p.Amount)
		}
		origID := p.ID
		reversal, err = tx.InsertPayment(ctx, Payment{
			CompanyID:      p.CompanyID,
			CustomerID:     p.CustomerID,
			InvoiceID:      p.InvoiceID,
			Amount:         p.Amount.Neg(),
			Method:         p.Method,
			Reference:      p.Reference,
			ReceivedAt:     in.At,
			IsDeposit:      p.IsDeposit,
			IsReversal:     true,
			ReversalOf:     &origID,
			ReversalReason: reason,
		})
		if err != nil {
			return err
		}
		if err := tx.MarkPaymentReversed(ctx, p.ID, in.At); err != nil {
			return err
		}
		if err := s.log(ctx, tx, Activity{CompanyID: p.CompanyID, CustomerID: p.CustomerID, Type: ActivityReversal,
			Amount: p.Amount, Deposit: p.IsDeposit, PaymentID: &origID, InvoiceID: p.InvoiceID, Note: reason}); err != nil {
			return err
		}
		for _, id := range touched {
			if err := s.refreshStatus(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.record(ctx, reversal, in.By, "payment.reverse", map[string]any{"payment_id": in.PaymentID, "reason": reason}, in.At)
	return reversal, nil
}

// ReverseAllocation returns one allocation's money to the pool it came from.
func (s *Service) ReverseAllocation(ctx context.Context, allocationID int64, at time.Time) (Allocation, error) {
	if at.IsZero() {
		at = s.now()
	}
	var out Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetAllocation(ctx, allocationID, false)
		if err != nil {
			return err
		}
		src, err := tx.GetPayment(ctx, a.PaymentID, false)
		if err != nil {
			return err
		}
		if err := tx.LockCustomer(ctx, src.CompanyID, src.CustomerID); err != nil {
			return err
		}
		if a, err = tx.GetAllocation(ctx, allocationID, true); err != nil {
			return err
		}
		if !a.Active() || a.Kind == KindRefund {
			return ErrInvalidState.Withf("allocation %d cannot be reversed", a.ID)
		}
		if err := s.unwind(ctx, tx, src, a, at); err != nil {
			return err
		}
		a.ReversedAt = &at
		out = a
		if a.InvoiceID == nil {
			return nil
		}
		return s.refreshStatus(ctx, tx, *a.InvoiceID)
	})
	return out, err
}

// Balances folds the customer's activity log.
func (s *Service) Balances(ctx context.Context, customerID int64) (Balances, error) {
	var b Balances
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		log, err := tx.ListActivity(ctx, customerID)
		if err != nil {
			return err
		}
		b = RecomputeBalances(log)
		return nil
	})
	return b, err
}

// InvoiceAllocations lists every allocation made to an invoice.
func (s *Service) InvoiceAllocations(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	var out []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListInvoiceAllocations(ctx, invoiceID)
		return err
	})
	return out, err
}

func (s *Service) available(ctx context.Context, tx TxRepository, customerID int64, deposit bool) (money.Money, error) {
	log, err := tx.ListActivity(ctx, customerID)
	if err != nil {
		return money.Zero, err
	}
	b := RecomputeBalances(log)
	if deposit {
		return b.Deposit, nil
	}
	return b.Credit, nil
}

// consume allocates amount from the pool's sources oldest first.
func (s *Service) consume(ctx context.Context, tx TxRepository, inv invoicing.Invoice, amount money.Money, deposit bool) ([]Allocation, error) {
	sources, err := tx.ListSources(ctx, inv.CustomerID, deposit)
	if err != nil {
		return nil, err
	}
	kind, activity := KindCredit, ActivityAllocation
	if deposit {
		kind, activity = KindDeposit, ActivityDepositAllocation
	}
	invoiceID := inv.ID
	left := amount
	var out []Allocation
	for _, src := range sources {
		if !left.IsPositive() {
			break
		}
		take := money.Min(left, src.Remaining)
		if !take.IsPositive() {
			continue
		}
		alloc, err := tx.InsertAllocation(ctx, Allocation{PaymentID: src.Payment.ID, InvoiceID: &invoiceID, Amount: take, Kind: kind})
		if err != nil {
			return nil, err
		}
		if err := s.log(ctx, tx, Activity{CompanyID: inv.CompanyID, CustomerID: inv.CustomerID, Type: activity,
			Amount: take, Deposit: deposit, PaymentID: &src.Payment.ID, InvoiceID: &invoiceID, AllocationID: &alloc.ID}); err != nil {
			return nil, err
		}
		out = append(out, alloc)
		left = left.Sub(take)
	}
	if left.IsPositive() {
		return nil, ErrInsufficientBalance.Withf("sources short by %s", left)
	}
	return out, nil
}

func (s *Service) unwind(ctx context.Context, tx TxRepository, src Payment, a Allocation, at time.Time) error {
	if err := tx.MarkAllocationReversed(ctx, a.ID, at); err != nil {
		return err
	}
	kind := ActivityAllocationReversal
	deposit := a.Kind == KindDeposit
	if deposit {
		kind = ActivityDepositAllocationReversal
	}
	return s.log(ctx, tx, Activity{CompanyID: src.CompanyID, CustomerID: src.CustomerID, Type: kind,
		Amount: a.Amount, Deposit: deposit, PaymentID: &src.ID, InvoiceID: a.InvoiceID, AllocationID: &a.ID})
}

// refreshStatus stores the funding-derived status of an issued invoice.
func (s *Service) refreshStatus(ctx context.Context, tx TxRepository, invoiceID int64) error {
	stored, err := tx.Invoices().GetInvoice(ctx, invoiceID, false)
	if err != nil {
		return err
	}
	if !stored.Status.Issued() {
		return nil
	}
	d, err := invoicing.LoadDetail(ctx, tx.Invoices(), s.settings, invoiceID, false)
	if err != nil {
		return err
	}
	if d.Status == stored.Status {
		return nil
	}
	return tx.Invoices().SetStatus(ctx, invoiceID, d.Status, nil)
}

func (s *Service) log(ctx context.Context, tx TxRepository, a Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if _, err := tx.AppendActivity(ctx, a); err != nil {
		return fmt.Errorf("ledger: append activity: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, p Payment, actor, action string, meta map[string]any, at time.Time) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: p.CompanyID,
		Actor:     actor,
		Action:    action,
		Entity:    "payment",
		EntityID:  p.ID,
		Meta:      meta,
		At:        at,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("payment_id", p.ID), slog.Any("error", err))
	}
}
