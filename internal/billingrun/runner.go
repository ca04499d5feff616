package billingrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/rentals"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// DefaultWorkers bounds concurrent order generation per company.
const DefaultWorkers = 4

const defaultLockTTL = 30 * time.Minute

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Runner executes monthly billing runs.
type Runner struct {
	store     Store
	companies Companies
	settings  settings.Provider
	orders    rentals.Source
	generator Generator
	redis     *redis.Client
	recorder  Recorder
	logger    *slog.Logger
	workers   int
	lockTTL   time.Duration
	now       func() time.Time
}

// NewRunner wires the runner. A nil redis client disables the cross-worker lock.
func NewRunner(store Store, companies Companies, provider settings.Provider, orders rentals.Source, generator Generator, rdb *redis.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		companies: companies,
		settings:  provider,
		orders:    orders,
		generator: generator,
		redis:     rdb,
		logger:    logger,
		workers:   DefaultWorkers,
		lockTTL:   defaultLockTTL,
		now:       time.Now,
	}
}

// WithWorkers sets the per-company concurrency.
func (r *Runner) WithWorkers(n int) *Runner {
	if n > 0 {
		r.workers = n
	}
	return r
}

// WithRecorder attaches metrics.
func (r *Runner) WithRecorder(rec Recorder) *Runner {
	r.recorder = rec
	return r
}

// WithNow overrides the clock.
func (r *Runner) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// PreviousMonth returns the month before the one containing t in loc.
func PreviousMonth(t time.Time, loc *time.Location) period.Month {
	local := t.In(loc)
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
	return period.Month{Year: first.Year(), Month: first.Month()}
}

// RunMonth bills month for every company with the monthly auto-run enabled.
// Companies are processed one after another; a failing company does not stop
// the others.
func (r *Runner) RunMonth(ctx context.Context, month period.Month) (Summary, error) {
	companies, err := r.companies.ListAutoRun(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("billingrun: list companies: %w", err)
	}
	summary := Summary{Month: month.String()}
	var errs []error
	for _, st := range companies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := r.run(ctx, st, month)
		if err != nil {
			errs = append(errs, fmt.Errorf("company %d: %w", st.CompanyID, err))
		}
		summary.Runs = append(summary.Runs, run)
	}
	return summary, errors.Join(errs...)
}

// RunDue bills, for every enrolled company, the month that most recently
// ended in the company's own time zone.
func (r *Runner) RunDue(ctx context.Context) ([]Run, error) {
	companies, err := r.companies.ListAutoRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("billingrun: list companies: %w", err)
	}
	now := r.now()
	var (
		runs []Run
		errs []error
	)
	for _, st := range companies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := r.run(ctx, st, PreviousMonth(now, st.Location()))
		if err != nil {
			errs = append(errs, fmt.Errorf("company %d: %w", st.CompanyID, err))
		}
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

// RunCompany bills month for a single company regardless of its auto-run flag.
func (r *Runner) RunCompany(ctx context.Context, companyID int64, month period.Month) (Run, error) {
	if companyID <= 0 {
		return Run{}, ErrValidation.Withf("company id required")
	}
	st, err := r.settings.Get(ctx, companyID)
	if err != nil {
		return Run{}, fmt.Errorf("billingrun: load settings: %w", err)
	}
	return r.run(ctx, st, month)
}

func (r *Runner) run(ctx context.Context, st settings.Settings, month period.Month) (Run, error) {
	logger := r.logger.With(slog.Int64("company_id", st.CompanyID), slog.String("month", month.String()))
	skipped := Run{CompanyID: st.CompanyID, Month: month.String(), Status: StatusSkipped}
	at := month.Bounds(st.Location()).End
	if at.After(r.now()) {
		return skipped, ErrValidation.Withf("month %s has not ended for company %d", month, st.CompanyID)
	}

	release, ok, err := r.lock(ctx, st.CompanyID, month.String())
	if err != nil {
		return skipped, err
	}
	if !ok {
		logger.Info("billing run held by another worker")
		return skipped, nil
	}
	defer release()

	run, err := r.store.StartRun(ctx, st.CompanyID, month.String(), r.now().UTC())
	if errors.Is(err, ErrAlreadyRan) {
		logger.Info("billing run already recorded")
		return skipped, nil
	}
	if err != nil {
		return skipped, err
	}

	refs, err := r.orders.ListBillableOrders(ctx, st.CompanyID)
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		r.finish(ctx, logger, &run)
		return run, fmt.Errorf("billingrun: list orders: %w", err)
	}
	run.Orders = len(refs)

	var (
		mu       sync.Mutex
		firstErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, ref := range refs {
		g.Go(func() error {
			res, err := r.generator.Generate(ctx, invoicing.GenerateRequest{
				CompanyID: st.CompanyID,
				OrderID:   ref.ID,
				Mode:      invoicing.ModeMonthly,
				Now:       at,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, invoicing.ErrDuplicatePeriod):
				run.Existing++
			case err != nil:
				run.Failed++
				if firstErr == nil {
					firstErr = fmt.Errorf("order %d: %w", ref.ID, err)
				}
				logger.Error("monthly generation failed", slog.Int64("order_id", ref.ID), slog.Any("error", err))
			default:
				run.Created += len(res.Created)
				run.Updated += len(res.Updated)
				run.Existing += len(res.Existing)
				run.Warnings += len(res.Warnings)
			}
			return nil
		})
	}
	_ = g.Wait()

	run.Status = StatusCompleted
	if run.Failed > 0 {
		run.Status = StatusFailed
		run.Error = firstErr.Error()
	}
	r.finish(ctx, logger, &run)
	r.record(run)
	return run, nil
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, run *Run) {
	at := r.now().UTC()
	run.FinishedAt = &at
	if err := r.store.FinishRun(context.WithoutCancel(ctx), *run); err != nil {
		logger.Error("finalise billing run", slog.Int64("run_id", run.ID), slog.Any("error", err))
		return
	}
	logger.Info("billing run finished",
		slog.Int64("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Int("orders", run.Orders),
		slog.Int("created", run.Created),
		slog.Int("updated", run.Updated),
		slog.Int("existing", run.Existing),
		slog.Int("failed", run.Failed),
		slog.Int("warnings", run.Warnings))
}

func (r *Runner) record(run Run) {
	if r.recorder == nil {
		return
	}
	r.recorder.AddInvoices("created", run.CompanyID, run.Created)
	r.recorder.AddInvoices("updated", run.CompanyID, run.Updated)
	r.recorder.AddInvoices("existing", run.CompanyID, run.Existing)
	r.recorder.AddInvoices("failed", run.CompanyID, run.Failed)
}

func (r *Runner) lock(ctx context.Context, companyID int64, month string) (func(), bool, error) {
	if r.redis == nil {
		return func() {}, true, nil
	}
	key := shared.BillingRunLockKey(companyID, month)
	token := uuid.NewString()
	ok, err := r.redis.SetNX(ctx, key, token, r.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("billingrun: acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := releaseScript.Run(context.WithoutCancel(ctx), r.redis, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("release billing run lock", slog.String("key", key), slog.Any("error", err))
		}
	}, true, nil
}
