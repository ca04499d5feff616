package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/rental-billing/internal/billingrun"
	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

func newGenerateCommand(open Opener) *cobra.Command {
	var (
		companyID, orderID, lineItemID int64
		mode, at                       string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate invoices for one rental order",
		Example: `  billingctl generate --company 1 --order 42
  billingctl generate --company 1 --order 42 --mode pickup_proration --line-item 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if companyID <= 0 || orderID <= 0 {
				return fmt.Errorf("--company and --order are required")
			}
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = parsed
			}
			return withServices(cmd, open, func(svc *Services) error {
				res, err := svc.Generator.Generate(cmd.Context(), invoicing.GenerateRequest{
					CompanyID:  companyID,
					OrderID:    orderID,
					Mode:       invoicing.Mode(mode),
					LineItemID: lineItemID,
					Now:        now,
				})
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	cmd.Flags().Int64Var(&orderID, "order", 0, "rental order id")
	cmd.Flags().Int64Var(&lineItemID, "line-item", 0, "line item for pickup proration")
	cmd.Flags().StringVar(&mode, "mode", string(invoicing.ModeMonthly), "single, monthly, pickup_proration or adjustments")
	cmd.Flags().StringVar(&at, "at", "", "evaluation instant (RFC3339, default now)")
	return cmd
}

func newRunMonthCommand(open Opener) *cobra.Command {
	var companyID int64
	cmd := &cobra.Command{
		Use:     "run-month YYYY-MM",
		Short:   "Run monthly billing for every auto-run company, or one company",
		Example: "  billingctl run-month 2025-03\n  billingctl run-month 2025-03 --company 4",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := period.ParseMonth(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				if companyID > 0 {
					run, err := svc.Runner.RunCompany(cmd.Context(), companyID, month)
					printRuns(cmd.OutOrStdout(), []billingrun.Run{run})
					return err
				}
				summary, err := svc.Runner.RunMonth(cmd.Context(), month)
				printRuns(cmd.OutOrStdout(), summary.Runs)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "restrict the run to one company")
	return cmd
}

func newBalancesCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "balances CUSTOMER_ID",
		Short: "Show credit, deposit and per-invoice paid amounts folded from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				b, err := svc.Ledger.Balances(cmd.Context(), customerID)
				if err != nil {
					return err
				}
				printBalances(cmd.OutOrStdout(), b)
				return nil
			})
		},
	}
}

func newPayCommand(open Opener) *cobra.Command {
	var (
		amount, method, reference string
	)
	cmd := &cobra.Command{
		Use:   "pay INVOICE_ID",
		Short: "Record a payment against an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			amt, err := money.Parse(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			return withServices(cmd, open, func(svc *Services) error {
				res, err := svc.Ledger.RecordInvoicePayment(cmd.Context(), ledger.PaymentInput{
					InvoiceID: invoiceID,
					Amount:    amt,
					Method:    method,
					Reference: reference,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %d applied %s excess %s\n", res.Payment.ID, res.Applied, res.Excess)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "payment amount")
	cmd.Flags().StringVar(&method, "method", "manual", "payment method")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newVoidCommand(open Opener) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "void INVOICE_ID",
		Short: "Void an invoice without active payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				res, err := svc.Lifecycle.Void(cmd.Context(), invoicing.VoidInput{
					InvoiceID: invoiceID,
					Reason:    reason,
					By:        by,
					At:        time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				if res.AlreadyVoid {
					fmt.Fprintf(cmd.OutOrStdout(), "invoice %s already void\n", res.Invoice.Number)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invoice %s voided\n", res.Invoice.Number)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "void reason")
	cmd.Flags().StringVar(&by, "by", "billingctl", "actor recorded in the audit log")
	return cmd
}

func newPublishCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "publish INVOICE_ID",
		Short: "Snapshot and render a new invoice version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				v, err := svc.Publisher.Publish(cmd.Context(), invoiceID)
				if err != nil {
					return err
				}
				printVersion(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
}

func newDeliverCommand(open Opener) *cobra.Command {
	var (
		versionID int64
		to        string
	)
	cmd := &cobra.Command{
		Use:   "deliver INVOICE_ID",
		Short: "Email an invoice version synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				v, err := svc.Publisher.Deliver(cmd.Context(), versions.DeliverRequest{
					InvoiceID: invoiceID,
					VersionID: versionID,
					To:        to,
				})
				if err != nil {
					return err
				}
				printVersion(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&versionID, "version", 0, "version to send (default latest)")
	cmd.Flags().StringVar(&to, "to", "", "override the customer billing address")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func printResult(w io.Writer, res invoicing.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tNUMBER\tREASON\tTOTAL\tSTATUS")
	rows := func(label string, list []invoicing.Invoice) {
		for _, inv := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", label, inv.Number, inv.BillingReason, inv.Total, inv.Status)
		}
	}
	rows("created", res.Created)
	rows("updated", res.Updated)
	rows("existing", res.Existing)
	_ = tw.Flush()
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: line %d: %s\n", warn.LineItemID, warn.Message)
	}
	if len(res.UnmatchedFees) > 0 {
		fmt.Fprintf(w, "unmatched fees: %v\n", res.UnmatchedFees)
	}
	if res.Provisional {
		fmt.Fprintln(w, "provisional: open items billed up to now")
	}
}

func printRuns(w io.Writer, runs []billingrun.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPANY\tMONTH\tSTATUS\tORDERS\tCREATED\tUPDATED\tEXISTING\tFAILED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			run.CompanyID, run.Month, run.Status, run.Orders, run.Created, run.Updated, run.Existing, run.Failed, run.Error)
	}
	_ = tw.Flush()
}

func printBalances(w io.Writer, b ledger.Balances) {
	fmt.Fprintf(w, "credit   %s\n", b.Credit)
	fmt.Fprintf(w, "deposit  %s\n", b.Deposit)
	ids := make([]int64, 0, len(b.InvoicePaid))
	for id := range b.InvoicePaid {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(w, "invoice %d paid %s\n", id, b.InvoicePaid[id])
	}
}

func printVersion(w io.Writer, v versions.Version) {
	sent := "not sent"
	if v.SentAt != nil {
		sent = "sent " + v.SentAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "version %d of invoice %d: %s (%d bytes, %s)\n", v.ID, v.InvoiceID, v.FileName, len(v.PDF), sent)
}
