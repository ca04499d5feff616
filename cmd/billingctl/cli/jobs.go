package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/rental-billing/internal/app"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/jobs"
)

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the billing queues.
type JobsCLI struct {
	client    *jobs.Client
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers for the given Redis connection.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerRequest selects a task and its arguments.
type TriggerRequest struct {
	Name       string
	Month      string
	CompanyID  int64
	OrderID    int64
	InvoiceID  int64
	VersionID  int64
	Mode       string
	LineItemID int64
	To         string
}

// Trigger enqueues a supported job by task type. A nil info with a nil error
// means an identical task is already queued.
func (c *JobsCLI) Trigger(ctx context.Context, req TriggerRequest) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch req.Name {
	case jobs.TaskBillingRunMonth:
		return c.client.EnqueueBillingRun(ctx, jobs.BillingRunPayload{Month: req.Month, CompanyID: req.CompanyID})
	case jobs.TaskGenerateOrder:
		return c.client.EnqueueGenerateOrder(ctx, jobs.GenerateOrderPayload{
			CompanyID:  req.CompanyID,
			OrderID:    req.OrderID,
			Mode:       invoicing.Mode(req.Mode),
			LineItemID: req.LineItemID,
		})
	case jobs.TaskInvoiceEmail:
		return c.client.EnqueueInvoiceEmail(ctx, jobs.InvoiceEmailPayload{
			InvoiceID: req.InvoiceID,
			VersionID: req.VersionID,
			To:        req.To,
		})
	}
	return nil, fmt.Errorf("jobs cli: unsupported job %s", req.Name)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports metrics for the billing and default queues. Queues
// that were never used report zeros.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueBilling, jobs.QueueDefault} {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue billing tasks and inspect queues",
	}
	open := func() (*JobsCLI, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return nil, err
		}
		return NewJobsCLI(cfg.AsynqRedisOpts())
	}

	var req TriggerRequest
	trigger := &cobra.Command{
		Use:   "trigger TASK",
		Short: "Enqueue billing:run_month, billing:generate_order or invoice:email",
		Example: `  billingctl jobs trigger billing:run_month --month 2025-03
  billingctl jobs trigger invoice:email --invoice 10 --version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() {
				_ = c.Close()
			}()
			req.Name = args[0]
			info, err := c.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "already queued")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().StringVar(&req.Month, "month", "", "billing month YYYY-MM (default: last ended month per company)")
	trigger.Flags().Int64Var(&req.CompanyID, "company", 0, "company id")
	trigger.Flags().Int64Var(&req.OrderID, "order", 0, "rental order id")
	trigger.Flags().StringVar(&req.Mode, "mode", "", "generation mode")
	trigger.Flags().Int64Var(&req.LineItemID, "line-item", 0, "line item id")
	trigger.Flags().Int64Var(&req.InvoiceID, "invoice", 0, "invoice id")
	trigger.Flags().Int64Var(&req.VersionID, "version", 0, "invoice version id")
	trigger.Flags().StringVar(&req.To, "to", "", "recipient override")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() {
				_ = c.Close()
			}()
			list, err := c.InspectQueues()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(trigger, stats)
	return cmd
}
