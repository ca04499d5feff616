package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	jobmetrics "github.com/odyssey-erp/rental-billing/internal/jobs"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

type runnerStub struct {
	due     int
	months  []period.Month
	company []int64
	err     error
}

func (r *runnerStub) RunDue(context.Context) ([]billingrun.Run, error) {
	r.due++
	return nil, r.err
}

func (r *runnerStub) RunMonth(_ context.Context, m period.Month) (billingrun.Summary, error) {
	r.months = append(r.months, m)
	return billingrun.Summary{Month: m.String()}, r.err
}

func (r *runnerStub) RunCompany(_ context.Context, companyID int64, m period.Month) (billingrun.Run, error) {
	r.company = append(r.company, companyID)
	r.months = append(r.months, m)
	return billingrun.Run{CompanyID: companyID, Month: m.String(), Status: billingrun.StatusCompleted}, r.err
}

func mustTask(t *testing.T) func(*asynq.Task, error) *asynq.Task {
	return func(task *asynq.Task, err error) *asynq.Task {
		t.Helper()
		require.NoError(t, err)
		return task
	}
}

func TestBillingRunJobDispatch(t *testing.T) {
	runner := &runnerStub{}
	reg := prometheus.NewRegistry()
	job := NewBillingRunJob(runner, nil, jobmetrics.NewMetrics(reg))
	ctx := context.Background()

	require.NoError(t, job.Handle(ctx, mustTask(t)(NewBillingRunTask(BillingRunPayload{}))))
	require.Equal(t, 1, runner.due)

	require.NoError(t, job.Handle(ctx, mustTask(t)(NewBillingRunTask(BillingRunPayload{Month: "2025-03"}))))
	require.NoError(t, job.Handle(ctx, mustTask(t)(NewBillingRunTask(BillingRunPayload{Month: "2025-03", CompanyID: 4}))))
	require.Equal(t, []int64{4}, runner.company)
	require.Len(t, runner.months, 2)
	require.Equal(t, "2025-03", runner.months[1].String())

	require.Equal(t, float64(3), counterTotal(t, reg, "billing_jobs_total"))
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestBillingRunJobRejectsBadPayload(t *testing.T) {
	job := NewBillingRunJob(&runnerStub{}, nil, nil)
	ctx := context.Background()

	err := job.Handle(ctx, asynq.NewTask(TaskBillingRunMonth, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(ctx, mustTask(t)(NewBillingRunTask(BillingRunPayload{Month: "March"})))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(ctx, mustTask(t)(NewBillingRunTask(BillingRunPayload{CompanyID: 2})))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestBillingRunJobRetriesTransientFailure(t *testing.T) {
	job := NewBillingRunJob(&runnerStub{err: errors.New("connection reset")}, nil, nil)
	err := job.Handle(context.Background(), mustTask(t)(NewBillingRunTask(BillingRunPayload{Month: "2025-03"})))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	job = NewBillingRunJob(&runnerStub{err: billingrun.ErrValidation.Withf("month not over")}, nil, nil)
	err = job.Handle(context.Background(), mustTask(t)(NewBillingRunTask(BillingRunPayload{Month: "2025-03"})))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type generatorStub struct {
	reqs []invoicing.GenerateRequest
	res  invoicing.Result
	err  error
}

func (g *generatorStub) Generate(_ context.Context, req invoicing.GenerateRequest) (invoicing.Result, error) {
	g.reqs = append(g.reqs, req)
	return g.res, g.err
}

func TestGenerateOrderJob(t *testing.T) {
	gen := &generatorStub{res: invoicing.Result{Created: []invoicing.Invoice{{ID: 1}, {ID: 2}}}}
	reg := prometheus.NewRegistry()
	job := NewGenerateOrderJob(gen, nil, jobmetrics.NewMetrics(reg))
	task := mustTask(t)(NewGenerateOrderTask(GenerateOrderPayload{CompanyID: 1, OrderID: 9}))

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, gen.reqs, 1)
	require.Equal(t, invoicing.ModeMonthly, gen.reqs[0].Mode)
	require.Equal(t, int64(9), gen.reqs[0].OrderID)
	require.False(t, gen.reqs[0].Now.IsZero())
	require.Equal(t, 1, testutil.CollectAndCount(reg, "billing_invoices_generated_total"))
	require.Equal(t, float64(2), counterTotal(t, reg, "billing_invoices_generated_total"))

	gen.err = invoicing.ErrDuplicatePeriod.Withf("2025-03")
	require.NoError(t, job.Handle(context.Background(), task))

	gen.err = invoicing.ErrNotFound
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	_, err := NewGenerateOrderTask(GenerateOrderPayload{CompanyID: 1})
	require.Error(t, err)
}

type delivererStub struct {
	reqs []versions.DeliverRequest
	err  error
}

func (d *delivererStub) Deliver(_ context.Context, req versions.DeliverRequest) (versions.Version, error) {
	d.reqs = append(d.reqs, req)
	return versions.Version{ID: 11, InvoiceID: req.InvoiceID}, d.err
}

func TestInvoiceEmailJob(t *testing.T) {
	d := &delivererStub{}
	job := NewInvoiceEmailJob(d, nil, nil)
	task := mustTask(t)(NewInvoiceEmailTask(InvoiceEmailPayload{InvoiceID: 5, VersionID: 11, To: "ap@acme.test"}))

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, versions.DeliverRequest{InvoiceID: 5, VersionID: 11, To: "ap@acme.test"}, d.reqs[0])

	d.err = versions.ErrNoRecipient
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	d.err = errors.New("smtp: 421 try later")
	err := job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoiceEmailTaskIDIsStable(t *testing.T) {
	a := InvoiceEmailTaskID(InvoiceEmailPayload{InvoiceID: 5, VersionID: 11})
	b := InvoiceEmailTaskID(InvoiceEmailPayload{InvoiceID: 5, VersionID: 11, To: "other@acme.test"})
	c := InvoiceEmailTaskID(InvoiceEmailPayload{InvoiceID: 5, VersionID: 12})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

type enqueuerStub struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueuerStub) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *enqueuerStub) Close() error { return nil }

func TestClientTreatsQueuedDuplicatesAsDone(t *testing.T) {
	e := &enqueuerStub{}
	client := NewClientWith(e)
	ctx := context.Background()

	info, err := client.EnqueueInvoiceEmail(ctx, InvoiceEmailPayload{InvoiceID: 5, VersionID: 11})
	require.NoError(t, err)
	require.Equal(t, TaskInvoiceEmail, info.Type)

	var payload InvoiceEmailPayload
	require.NoError(t, json.Unmarshal(e.tasks[0].Payload(), &payload))
	require.Equal(t, int64(11), payload.VersionID)

	e.err = asynq.ErrTaskIDConflict
	info, err = client.EnqueueInvoiceEmail(ctx, InvoiceEmailPayload{InvoiceID: 5, VersionID: 11})
	require.NoError(t, err)
	require.Nil(t, info)

	e.err = asynq.ErrDuplicateTask
	_, err = client.EnqueueGenerateOrder(ctx, GenerateOrderPayload{CompanyID: 1, OrderID: 2})
	require.NoError(t, err)

	e.err = errors.New("redis down")
	_, err = client.EnqueueBillingRun(ctx, BillingRunPayload{Month: "2025-03"})
	require.Error(t, err)
}

type inspectorStub map[string]*asynq.QueueInfo

func (s inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(inspectorStub{QueueBilling: {Queue: QueueBilling, Pending: 3, Retry: 1}}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, queueHealth{Queue: QueueBilling, Pending: 3, Retry: 1}, out[0])
	require.Equal(t, queueHealth{Queue: QueueDefault}, out[1])
}

func TestBillingCron(t *testing.T) {
	regs, err := BillingCron("")
	require.NoError(t, err)
	require.Empty(t, regs)

	regs, err = BillingCron("15 * * * *")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, TaskBillingRunMonth, regs[0].Task.Type())
}
