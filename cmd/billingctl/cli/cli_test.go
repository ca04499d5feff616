package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/versions"
	"github.com/odyssey-erp/rental-billing/jobs"
)

type stubServices struct {
	generated []invoicing.GenerateRequest
	months    []period.Month
	companies []int64
	payments  []ledger.PaymentInput
	voids     []invoicing.VoidInput
	pool      []ledger.PaymentInput
	applied   []*money.Money
	refunds   []ledger.RefundInput
	reversals []ledger.ReverseInput
	memos     []invoicing.DocumentType
	closed    int
}

func (s *stubServices) Generate(_ context.Context, req invoicing.GenerateRequest) (invoicing.Result, error) {
	s.generated = append(s.generated, req)
	inv := invoicing.Invoice{Number: "INV-000001", BillingReason: invoicing.ReasonMonthly, Status: invoicing.StatusDraft}
	inv.Total = money.MustParse("120")
	return invoicing.Result{Created: []invoicing.Invoice{inv}}, nil
}

func (s *stubServices) RunMonth(_ context.Context, m period.Month) (billingrun.Summary, error) {
	s.months = append(s.months, m)
	return billingrun.Summary{Month: m.String(), Runs: []billingrun.Run{{CompanyID: 1, Month: m.String(), Status: billingrun.StatusCompleted, Created: 3}}}, nil
}

func (s *stubServices) RunCompany(_ context.Context, companyID int64, m period.Month) (billingrun.Run, error) {
	s.companies = append(s.companies, companyID)
	return billingrun.Run{CompanyID: companyID, Month: m.String(), Status: billingrun.StatusFailed, Failed: 1, Error: "order 9: boom"}, errors.New("company 4: 1 orders failed")
}

func (s *stubServices) RecordInvoicePayment(_ context.Context, in ledger.PaymentInput) (ledger.PaymentResult, error) {
	s.payments = append(s.payments, in)
	return ledger.PaymentResult{Payment: ledger.Payment{ID: 31}, Applied: in.Amount, Excess: money.Zero}, nil
}

func (s *stubServices) RecordCustomerPayment(_ context.Context, in ledger.PaymentInput) (ledger.Payment, error) {
	s.pool = append(s.pool, in)
	return ledger.Payment{ID: 40, Amount: in.Amount}, nil
}

func (s *stubServices) RecordDeposit(_ context.Context, in ledger.PaymentInput) (ledger.Payment, error) {
	s.pool = append(s.pool, in)
	return ledger.Payment{ID: 41, Amount: in.Amount, IsDeposit: true}, nil
}

func (s *stubServices) ApplyCredit(_ context.Context, invoiceID int64, amount *money.Money) ([]ledger.Allocation, error) {
	s.applied = append(s.applied, amount)
	return []ledger.Allocation{{ID: 5, PaymentID: 40, InvoiceID: &invoiceID, Amount: money.MustParse("60")}}, nil
}

func (s *stubServices) ApplyDeposit(_ context.Context, _ int64, amount *money.Money) ([]ledger.Allocation, error) {
	s.applied = append(s.applied, amount)
	return nil, ledger.ErrInsufficientBalance
}

func (s *stubServices) RefundDeposit(_ context.Context, in ledger.RefundInput) (ledger.Payment, error) {
	s.refunds = append(s.refunds, in)
	return ledger.Payment{ID: 42, IsRefund: true}, nil
}

func (s *stubServices) ReversePayment(_ context.Context, in ledger.ReverseInput) (ledger.Payment, error) {
	s.reversals = append(s.reversals, in)
	return ledger.Payment{ID: 43, Amount: money.MustParse("-75.50"), IsReversal: true}, nil
}

func (s *stubServices) CreateCorrection(_ context.Context, _ int64, doc invoicing.DocumentType) (invoicing.Invoice, error) {
	s.memos = append(s.memos, doc)
	return invoicing.Invoice{Number: "CRM-000001", DocumentType: doc}, nil
}

func (s *stubServices) Balances(context.Context, int64) (ledger.Balances, error) {
	return ledger.Balances{
		Credit:      money.MustParse("25"),
		Deposit:     money.MustParse("100"),
		InvoicePaid: map[int64]money.Money{12: money.MustParse("40"), 3: money.MustParse("10")},
	}, nil
}

func (s *stubServices) Void(_ context.Context, in invoicing.VoidInput) (invoicing.VoidResult, error) {
	s.voids = append(s.voids, in)
	return invoicing.VoidResult{Invoice: invoicing.Invoice{Number: "INV-000009"}}, nil
}

func (s *stubServices) Publish(_ context.Context, invoiceID int64) (versions.Version, error) {
	return versions.Version{ID: 2, InvoiceID: invoiceID, FileName: "INV-000009.pdf", PDF: []byte("%PDF")}, nil
}

func (s *stubServices) Deliver(_ context.Context, req versions.DeliverRequest) (versions.Version, error) {
	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	return versions.Version{ID: 2, InvoiceID: req.InvoiceID, FileName: "INV-000009.pdf", SentAt: &at}, nil
}

func run(t *testing.T, stub *stubServices, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(func(context.Context) (*Services, error) {
		return &Services{
			Generator: stub,
			Runner:    stub,
			Ledger:    stub,
			Lifecycle: stub,
			Publisher: stub,
			Close:     func() { stub.closed++ },
		}, nil
	})
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	stub := &stubServices{}
	out, err := run(t, stub, "generate", "--company", "1", "--order", "42", "--at", "2025-04-01T06:00:00Z")
	require.NoError(t, err)
	require.Len(t, stub.generated, 1)
	require.Equal(t, invoicing.ModeMonthly, stub.generated[0].Mode)
	require.Equal(t, time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC), stub.generated[0].Now)
	require.Contains(t, out, "INV-000001")
	require.Contains(t, out, "120.00")
	require.Equal(t, 1, stub.closed)

	_, err = run(t, stub, "generate", "--company", "1")
	require.ErrorContains(t, err, "--order")
}

func TestRunMonthCommand(t *testing.T) {
	stub := &stubServices{}
	out, err := run(t, stub, "run-month", "2025-03")
	require.NoError(t, err)
	require.Equal(t, "2025-03", stub.months[0].String())
	require.Contains(t, out, "completed")

	out, err = run(t, stub, "run-month", "2025-03", "--company", "4")
	require.Error(t, err)
	require.Equal(t, []int64{4}, stub.companies)
	require.Contains(t, out, "order 9: boom")

	_, err = run(t, stub, "run-month", "March")
	require.Error(t, err)
	require.Len(t, stub.months, 1)
}

func TestBalancesCommandSortsInvoices(t *testing.T) {
	out, err := run(t, &stubServices{}, "balances", "7")
	require.NoError(t, err)
	require.Equal(t, "credit   25.00\ndeposit  100.00\ninvoice 3 paid 10.00\ninvoice 12 paid 40.00\n", out)

	_, err = run(t, &stubServices{}, "balances", "x")
	require.ErrorContains(t, err, "invalid id")
}

func TestPayVoidPublishDeliver(t *testing.T) {
	stub := &stubServices{}
	out, err := run(t, stub, "pay", "9", "--amount", "75.50", "--method", "ach")
	require.NoError(t, err)
	require.Equal(t, "75.50", stub.payments[0].Amount.String())
	require.Contains(t, out, "payment 31 applied 75.50")

	out, err = run(t, stub, "void", "9", "--reason", "duplicate")
	require.NoError(t, err)
	require.Equal(t, "duplicate", stub.voids[0].Reason)
	require.Contains(t, out, "INV-000009 voided")

	out, err = run(t, stub, "publish", "9")
	require.NoError(t, err)
	require.Contains(t, out, "not sent")

	out, err = run(t, stub, "deliver", "9", "--to", "ap@acme.test")
	require.NoError(t, err)
	require.Contains(t, out, "sent 2025-04-02T09:00:00Z")
}

func TestReceiveAndApply(t *testing.T) {
	stub := &stubServices{}
	out, err := run(t, stub, "receive", "7", "--company", "1", "--amount", "500")
	require.NoError(t, err)
	require.Equal(t, "credit payment 40 recorded 500.00\n", out)

	out, err = run(t, stub, "receive", "7", "--company", "1", "--amount", "1500", "--deposit")
	require.NoError(t, err)
	require.Equal(t, "deposit payment 41 recorded 1500.00\n", out)
	require.Len(t, stub.pool, 2)
	require.Equal(t, int64(7), stub.pool[1].CustomerID)

	out, err = run(t, stub, "apply", "12")
	require.NoError(t, err)
	require.Nil(t, stub.applied[0])
	require.Equal(t, "allocation 5: payment 40 -> 60.00\n", out)

	_, err = run(t, stub, "apply", "12", "--from", "deposit", "--amount", "25")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Equal(t, "25.00", stub.applied[1].String())

	_, err = run(t, stub, "apply", "12", "--from", "wallet")
	require.ErrorContains(t, err, "--from")
}

func TestRefundReverseCorrect(t *testing.T) {
	stub := &stubServices{}
	out, err := run(t, stub, "refund-deposit", "7", "--company", "1", "--amount", "200")
	require.NoError(t, err)
	require.Equal(t, "refund 42 recorded 200.00\n", out)
	require.Equal(t, int64(1), stub.refunds[0].CompanyID)

	out, err = run(t, stub, "reverse-payment", "31", "--reason", "bounced")
	require.NoError(t, err)
	require.Equal(t, "bounced", stub.reversals[0].Reason)
	require.Equal(t, "payment 31 reversed by 43 (-75.50)\n", out)

	out, err = run(t, stub, "correct", "9")
	require.NoError(t, err)
	require.Equal(t, []invoicing.DocumentType{invoicing.DocCreditMemo}, stub.memos)
	require.Contains(t, out, "CRM-000001")

	_, err = run(t, stub, "correct", "9", "--type", "invoice")
	require.ErrorContains(t, err, "--type")
	require.Len(t, stub.memos, 1)
}

type enqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueBilling}, nil
}

func (e *enqueuer) Close() error { return nil }

type inspector map[string]*asynq.QueueInfo

func (i inspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if info, ok := i[queue]; ok {
		return info, nil
	}
	return nil, asynq.ErrQueueNotFound
}

func (inspector) Close() error { return nil }

func TestJobsCLI(t *testing.T) {
	e := &enqueuer{}
	c := &JobsCLI{client: jobs.NewClientWith(e), inspector: inspector{jobs.QueueDefault: {Pending: 2, Retry: 1}}}
	ctx := context.Background()

	info, err := c.Trigger(ctx, TriggerRequest{Name: jobs.TaskBillingRunMonth, Month: "2025-03"})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskBillingRunMonth, info.Type)

	_, err = c.Trigger(ctx, TriggerRequest{Name: jobs.TaskGenerateOrder, CompanyID: 1, OrderID: 5})
	require.NoError(t, err)
	require.Len(t, e.tasks, 2)

	_, err = c.Trigger(ctx, TriggerRequest{Name: "report:nightly"})
	require.ErrorContains(t, err, "unsupported")

	stats, err := c.InspectQueues()
	require.NoError(t, err)
	require.Equal(t, []QueueStats{{Queue: jobs.QueueBilling}, {Queue: jobs.QueueDefault, Pending: 2, Retry: 1}}, stats)
}
