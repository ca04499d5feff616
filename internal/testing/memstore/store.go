// Package memstore is an in-memory stand-in for the PostgreSQL repositories,
// shared by service tests. Each transaction works on a copy of the state that
// is committed only when the callback succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
)

type seqKey struct {
	companyID int64
	doc       invoicing.DocumentType
}

type state struct {
	nextID      int64
	invoices    map[int64]invoicing.Invoice
	lines       map[int64][]invoicing.Line
	sequences   map[seqKey]int64
	payments    map[int64]ledger.Payment
	allocations map[int64]ledger.Allocation
	activity    []ledger.Activity
}

func newState() *state {
	return &state{
		invoices:    make(map[int64]invoicing.Invoice),
		lines:       make(map[int64][]invoicing.Line),
		sequences:   make(map[seqKey]int64),
		payments:    make(map[int64]ledger.Payment),
		allocations: make(map[int64]ledger.Allocation),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:      s.nextID,
		invoices:    make(map[int64]invoicing.Invoice, len(s.invoices)),
		lines:       make(map[int64][]invoicing.Line, len(s.lines)),
		sequences:   make(map[seqKey]int64, len(s.sequences)),
		payments:    make(map[int64]ledger.Payment, len(s.payments)),
		allocations: make(map[int64]ledger.Allocation, len(s.allocations)),
		activity:    append([]ledger.Activity(nil), s.activity...),
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = append([]invoicing.Line(nil), v...)
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store holds rental orders, invoices and ledger rows in memory.
type Store struct {
	mu     sync.Mutex
	state  *state
	orders map[int64]rentals.Order

	// FailInsertInvoice, when set, is returned once by the next invoice insert.
	FailInsertInvoice error
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState(), orders: make(map[int64]rentals.Order)}
}

// PutOrder registers or replaces a rental order.
func (s *Store) PutOrder(o rentals.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

// GetOrder implements rentals.Source.
func (s *Store) GetOrder(_ context.Context, companyID, orderID int64) (rentals.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.CompanyID != companyID {
		return rentals.Order{}, rentals.ErrOrderNotFound
	}
	return o, nil
}

// ListBillableOrders implements rentals.Source.
func (s *Store) ListBillableOrders(_ context.Context, companyID int64) ([]rentals.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rentals.OrderRef
	for _, o := range s.orders {
		if o.CompanyID != companyID || o.Status.DemandOnly() {
			continue
		}
		out = append(out, rentals.OrderRef{ID: o.ID, CompanyID: o.CompanyID, CustomerID: o.CustomerID, Status: o.Status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SeedInvoice stores an invoice with lines outside any transaction.
func (s *Store) SeedInvoice(inv invoicing.Invoice, lines []invoicing.Line) invoicing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.ID = s.state.id()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	s.state.invoices[inv.ID] = inv
	for i := range lines {
		lines[i].ID = s.state.id()
		lines[i].InvoiceID = inv.ID
	}
	s.state.lines[inv.ID] = append([]invoicing.Line(nil), lines...)
	return inv
}

// Invoice returns the stored invoice without derived totals.
func (s *Store) Invoice(id int64) (invoicing.Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.state.invoices[id]
	return inv, ok
}

// Invoices returns all stored invoices ordered by id.
func (s *Store) Invoices() []invoicing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]invoicing.Invoice, 0, len(s.state.invoices))
	for _, inv := range s.state.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lines returns the stored lines of an invoice.
func (s *Store) Lines(invoiceID int64) []invoicing.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]invoicing.Line(nil), s.state.lines[invoiceID]...)
}

// Allocations returns every allocation ordered by id.
func (s *Store) Allocations() []ledger.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Allocation, 0, len(s.state.allocations))
	for _, a := range s.state.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Payments returns every payment ordered by id.
func (s *Store) Payments() []ledger.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Payment, 0, len(s.state.payments))
	for _, p := range s.state.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activity returns the customer's log.
func (s *Store) Activity(customerID int64) []ledger.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activityFor(s.state, customerID)
}

func activityFor(st *state, customerID int64) []ledger.Activity {
	var out []ledger.Activity
	for _, a := range st.activity {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	return out
}

// run executes fn against a copy of the state and commits it on success.
func (s *Store) run(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

// InvoiceRepo adapts the store to invoicing.RepositoryPort.
func (s *Store) InvoiceRepo() invoicing.RepositoryPort { return invoiceRepo{s} }

// LedgerRepo adapts the store to ledger.RepositoryPort.
func (s *Store) LedgerRepo() ledger.RepositoryPort { return ledgerRepo{s} }

type invoiceRepo struct{ s *Store }

func (r invoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoicing.TxRepository) error) error {
	return r.s.run(func(st *state) error {
		return fn(ctx, &invoiceTx{store: r.s, st: st})
	})
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.run(func(st *state) error {
		return fn(ctx, &ledgerTx{invoiceTx: &invoiceTx{store: r.s, st: st}})
	})
}

type invoiceTx struct {
	store *Store
	st    *state
}

func (t *invoiceTx) NextSequence(_ context.Context, companyID int64, doc invoicing.DocumentType) (int64, error) {
	k := seqKey{companyID: companyID, doc: doc}
	t.st.sequences[k]++
	return t.st.sequences[k], nil
}

func (t *invoiceTx) ReleaseSequence(_ context.Context, companyID int64, doc invoicing.DocumentType, seq int64) (bool, error) {
	k := seqKey{companyID: companyID, doc: doc}
	if t.st.sequences[k] != seq {
		return false, nil
	}
	t.st.sequences[k]--
	return true, nil
}

func (t *invoiceTx) LockOrder(context.Context, int64) error { return nil }

func (t *invoiceTx) ListBilledLines(_ context.Context, orderID int64) ([]invoicing.BilledLine, error) {
	var out []invoicing.BilledLine
	for _, inv := range sortedInvoices(t.st) {
		if inv.RentalOrderID == nil || *inv.RentalOrderID != orderID || inv.Status == invoicing.StatusVoid {
			continue
		}
		for _, l := range t.st.lines[inv.ID] {
			if l.OriginKey == "" {
				continue
			}
			out = append(out, invoicing.BilledLine{
				InvoiceID:    inv.ID,
				InvoiceKey:   inv.Key(),
				DocumentType: inv.DocumentType,
				OriginKey:    l.OriginKey,
				Amount:       l.Amount,
			})
		}
	}
	return out, nil
}

func sameKey(a, b invoicing.InvoiceKey) bool {
	return a.CompanyID == b.CompanyID && a.OrderID == b.OrderID && a.Reason == b.Reason &&
		a.DocumentType == b.DocumentType && a.PeriodStart.Equal(b.PeriodStart) && a.PeriodEnd.Equal(b.PeriodEnd)
}

func sortedInvoices(st *state) []invoicing.Invoice {
	out := make([]invoicing.Invoice, 0, len(st.invoices))
	for _, inv := range st.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *invoiceTx) FindOpenInvoice(_ context.Context, key invoicing.InvoiceKey, appliesTo *int64) (*invoicing.Invoice, error) {
	for _, inv := range sortedInvoices(t.st) {
		if inv.Status == invoicing.StatusVoid || !sameKey(inv.Key(), key) {
			continue
		}
		if appliesTo == nil {
			if inv.AppliesToInvoiceID != nil {
				continue
			}
		} else if inv.AppliesToInvoiceID == nil || *inv.AppliesToInvoiceID != *appliesTo || inv.Status != invoicing.StatusDraft {
			continue
		}
		found := inv
		return &found, nil
	}
	return nil, nil
}

func (t *invoiceTx) InsertInvoice(_ context.Context, inv invoicing.Invoice) (invoicing.Invoice, error) {
	if err := t.store.FailInsertInvoice; err != nil {
		t.store.FailInsertInvoice = nil
		return invoicing.Invoice{}, err
	}
	if inv.RentalOrderID != nil && inv.AppliesToInvoiceID == nil {
		for _, other := range t.st.invoices {
			if other.Status != invoicing.StatusVoid && other.AppliesToInvoiceID == nil && sameKey(other.Key(), inv.Key()) {
				return invoicing.Invoice{}, invoicing.ErrDuplicatePeriod
			}
		}
	}
	inv.ID = t.st.id()
	inv.CreatedAt = time.Now()
	inv.Totals = invoicing.Totals{}
	t.st.invoices[inv.ID] = inv
	return inv, nil
}

func (t *invoiceTx) InsertLines(_ context.Context, invoiceID int64, lines []invoicing.Line) error {
	have := make(map[string]bool)
	for _, l := range t.st.lines[invoiceID] {
		if l.OriginKey != "" {
			have[l.OriginKey] = true
		}
	}
	for _, l := range lines {
		if l.OriginKey != "" {
			if have[l.OriginKey] {
				return invoicing.ErrDuplicateOrigin
			}
			have[l.OriginKey] = true
		}
		l.ID = t.st.id()
		l.InvoiceID = invoiceID
		l.TaxAmount = money.Zero
		t.st.lines[invoiceID] = append(t.st.lines[invoiceID], l)
	}
	return nil
}

func (t *invoiceTx) ListLines(_ context.Context, invoiceID int64) ([]invoicing.Line, error) {
	lines := append([]invoicing.Line(nil), t.st.lines[invoiceID]...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].SortOrder < lines[j].SortOrder })
	return lines, nil
}

func (t *invoiceTx) DeleteLines(_ context.Context, invoiceID int64) error {
	delete(t.st.lines, invoiceID)
	return nil
}

func (t *invoiceTx) GetInvoice(_ context.Context, invoiceID int64, _ bool) (invoicing.Invoice, error) {
	inv, ok := t.st.invoices[invoiceID]
	if !ok {
		return invoicing.Invoice{}, invoicing.ErrNotFound
	}
	return inv, nil
}

func (t *invoiceTx) ActiveAllocations(_ context.Context, invoiceID int64) (money.Money, int, error) {
	sum := money.Zero
	count := 0
	for _, a := range t.st.allocations {
		if a.Active() && a.InvoiceID != nil && *a.InvoiceID == invoiceID {
			sum = sum.Add(a.Amount)
			count++
		}
	}
	return sum, count, nil
}

func (t *invoiceTx) SetStatus(_ context.Context, invoiceID int64, status invoicing.Status, sentAt *time.Time) error {
	inv, ok := t.st.invoices[invoiceID]
	if !ok {
		return invoicing.ErrNotFound
	}
	inv.Status = status
	if sentAt != nil {
		inv.SentAt = sentAt
	}
	t.st.invoices[invoiceID] = inv
	return nil
}

func (t *invoiceTx) MarkVoid(_ context.Context, invoiceID int64, reason, by string, at time.Time) error {
	inv, ok := t.st.invoices[invoiceID]
	if !ok {
		return invoicing.ErrNotFound
	}
	inv.Status = invoicing.StatusVoid
	inv.VoidReason = reason
	inv.VoidedBy = by
	inv.VoidedAt = &at
	t.st.invoices[invoiceID] = inv
	return nil
}

func (t *invoiceTx) DeleteInvoice(_ context.Context, invoiceID int64) error {
	if inv, ok := t.st.invoices[invoiceID]; ok && inv.Status == invoicing.StatusDraft {
		delete(t.st.invoices, invoiceID)
		delete(t.st.lines, invoiceID)
	}
	return nil
}

type ledgerTx struct {
	*invoiceTx
}

func (t *ledgerTx) Invoices() invoicing.TxRepository { return t.invoiceTx }

func (t *ledgerTx) LockCustomer(context.Context, int64, int64) error { return nil }

func (t *ledgerTx) InsertPayment(_ context.Context, p ledger.Payment) (ledger.Payment, error) {
	p.ID = t.st.id()
	p.CreatedAt = time.Now()
	t.st.payments[p.ID] = p
	return p, nil
}

func (t *ledgerTx) GetPayment(_ context.Context, id int64, _ bool) (ledger.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return p, nil
}

func (t *ledgerTx) MarkPaymentReversed(_ context.Context, id int64, at time.Time) error {
	p, ok := t.st.payments[id]
	if !ok {
		return ledger.ErrNotFound
	}
	p.ReversedAt = &at
	t.st.payments[id] = p
	return nil
}

func (t *ledgerTx) ListSources(_ context.Context, customerID int64, deposit bool) ([]ledger.SourceBalance, error) {
	var out []ledger.SourceBalance
	for _, p := range t.st.payments {
		if p.CustomerID != customerID || p.IsDeposit != deposit || !p.Source() {
			continue
		}
		remaining := p.Amount
		for _, a := range t.st.allocations {
			if a.PaymentID == p.ID && a.Active() {
				remaining = remaining.Sub(a.Amount)
			}
		}
		if remaining.IsPositive() {
			out = append(out, ledger.SourceBalance{Payment: p, Remaining: remaining})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Payment, out[j].Payment
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (t *ledgerTx) InsertAllocation(_ context.Context, a ledger.Allocation) (ledger.Allocation, error) {
	a.ID = t.st.id()
	a.CreatedAt = time.Now()
	t.st.allocations[a.ID] = a
	return a, nil
}

func (t *ledgerTx) GetAllocation(_ context.Context, id int64, _ bool) (ledger.Allocation, error) {
	a, ok := t.st.allocations[id]
	if !ok {
		return ledger.Allocation{}, ledger.ErrNotFound
	}
	return a, nil
}

func (t *ledgerTx) filterAllocations(keep func(ledger.Allocation) bool) []ledger.Allocation {
	var out []ledger.Allocation
	for _, a := range t.st.allocations {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *ledgerTx) ListAllocationsBySource(_ context.Context, paymentID int64) ([]ledger.Allocation, error) {
	return t.filterAllocations(func(a ledger.Allocation) bool { return a.PaymentID == paymentID }), nil
}

func (t *ledgerTx) ListInvoiceAllocations(_ context.Context, invoiceID int64) ([]ledger.Allocation, error) {
	return t.filterAllocations(func(a ledger.Allocation) bool {
		return a.InvoiceID != nil && *a.InvoiceID == invoiceID
	}), nil
}

func (t *ledgerTx) MarkAllocationReversed(_ context.Context, id int64, at time.Time) error {
	a, ok := t.st.allocations[id]
	if !ok {
		return ledger.ErrNotFound
	}
	a.ReversedAt = &at
	t.st.allocations[id] = a
	return nil
}

func (t *ledgerTx) AppendActivity(_ context.Context, a ledger.Activity) (ledger.Activity, error) {
	a.ID = t.st.id()
	t.st.activity = append(t.st.activity, a)
	return a, nil
}

func (t *ledgerTx) ListActivity(_ context.Context, customerID int64) ([]ledger.Activity, error) {
	return activityFor(t.st, customerID), nil
}

func (t *ledgerTx) ListOpenInvoices(_ context.Context, customerID int64) ([]int64, error) {
	var open []invoicing.Invoice
	for _, inv := range t.st.invoices {
		if inv.CustomerID != customerID || inv.DocumentType == invoicing.DocCreditMemo {
			continue
		}
		if inv.Status == invoicing.StatusSent || inv.Status == invoicing.StatusPartial {
			open = append(open, inv)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].InvoiceDate.Equal(open[j].InvoiceDate) {
			return open[i].InvoiceDate.Before(open[j].InvoiceDate)
		}
		return open[i].ID < open[j].ID
	})
	ids := make([]int64, len(open))
	for i, inv := range open {
		ids[i] = inv.ID
	}
	return ids, nil
}
