// Package cli implements the billingctl commands.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/rental-billing/internal/app"
	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

var version = "dev"

// Generator produces invoices for one order.
type Generator interface {
	Generate(ctx context.Context, req invoicing.GenerateRequest) (invoicing.Result, error)
}

// Runner executes monthly billing runs.
type Runner interface {
	RunMonth(ctx context.Context, month period.Month) (billingrun.Summary, error)
	RunCompany(ctx context.Context, companyID int64, month period.Month) (billingrun.Run, error)
}

// Ledger is the money side used by the CLI.
type Ledger interface {
	RecordInvoicePayment(ctx context.Context, in ledger.PaymentInput) (ledger.PaymentResult, error)
	RecordCustomerPayment(ctx context.Context, in ledger.PaymentInput) (ledger.Payment, error)
	RecordDeposit(ctx context.Context, in ledger.PaymentInput) (ledger.Payment, error)
	ApplyCredit(ctx context.Context, invoiceID int64, amount *money.Money) ([]ledger.Allocation, error)
	ApplyDeposit(ctx context.Context, invoiceID int64, amount *money.Money) ([]ledger.Allocation, error)
	RefundDeposit(ctx context.Context, in ledger.RefundInput) (ledger.Payment, error)
	ReversePayment(ctx context.Context, in ledger.ReverseInput) (ledger.Payment, error)
	Balances(ctx context.Context, customerID int64) (ledger.Balances, error)
}

// Lifecycle voids and corrects invoices.
type Lifecycle interface {
	Void(ctx context.Context, input invoicing.VoidInput) (invoicing.VoidResult, error)
	CreateCorrection(ctx context.Context, invoiceID int64, doc invoicing.DocumentType) (invoicing.Invoice, error)
}

// Publisher snapshots and delivers invoices.
type Publisher interface {
	Publish(ctx context.Context, invoiceID int64) (versions.Version, error)
	Deliver(ctx context.Context, req versions.DeliverRequest) (versions.Version, error)
}

// Services is what commands operate on.
type Services struct {
	Config    *app.Config
	Logger    *slog.Logger
	Generator Generator
	Runner    Runner
	Ledger    Ledger
	Lifecycle Lifecycle
	Publisher Publisher
	Close     func()
}

// Opener builds Services on demand so commands that only need configuration
// never connect to Postgres.
type Opener func(ctx context.Context) (*Services, error)

// RuntimeOpener wires Services from the environment.
func RuntimeOpener() Opener {
	return func(ctx context.Context) (*Services, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return nil, err
		}
		logger := app.NewLogger(cfg)
		rt, err := app.NewRuntime(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Services{
			Config:    cfg,
			Logger:    logger,
			Generator: rt.Generator,
			Runner:    rt.Runner,
			Ledger:    rt.Ledger,
			Lifecycle: rt.Lifecycle,
			Publisher: rt.Publisher,
			Close:     rt.Close,
		}, nil
	}
}

// NewRootCommand assembles the command tree.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the rental billing engine",
		Long:          "billingctl runs migrations, generates invoices, executes monthly billing runs and inspects customer balances.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCommand(),
		newGenerateCommand(open),
		newRunMonthCommand(open),
		newBalancesCommand(open),
		newPayCommand(open),
		newReceiveCommand(open),
		newApplyCommand(open),
		newRefundDepositCommand(open),
		newReversePaymentCommand(open),
		newVoidCommand(open),
		newCorrectCommand(open),
		newPublishCommand(open),
		newDeliverCommand(open),
		newJobsCommand(),
	)
	return root
}

// withServices opens Services for one command invocation.
func withServices(cmd *cobra.Command, open Opener, fn func(*Services) error) error {
	svc, err := open(cmd.Context())
	if err != nil {
		return err
	}
	if svc.Close != nil {
		defer svc.Close()
	}
	return fn(svc)
}
