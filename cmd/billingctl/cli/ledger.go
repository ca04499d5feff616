package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/money"
)

func newReceiveCommand(open Opener) *cobra.Command {
	var (
		companyID                 int64
		amount, method, reference string
		deposit                   bool
	)
	cmd := &cobra.Command{
		Use:   "receive CUSTOMER_ID",
		Short: "Record an unapplied customer payment as credit, or a security deposit",
		Example: `  billingctl receive 7 --company 1 --amount 500
  billingctl receive 7 --company 1 --amount 1500 --deposit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			amt, err := money.Parse(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			in := ledger.PaymentInput{
				CompanyID:  companyID,
				CustomerID: customerID,
				Amount:     amt,
				Method:     method,
				Reference:  reference,
			}
			return withServices(cmd, open, func(svc *Services) error {
				record := svc.Ledger.RecordCustomerPayment
				label := "credit"
				if deposit {
					record = svc.Ledger.RecordDeposit
					label = "deposit"
				}
				p, err := record(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s payment %d recorded %s\n", label, p.ID, p.Amount)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	cmd.Flags().StringVar(&amount, "amount", "", "amount received")
	cmd.Flags().StringVar(&method, "method", "manual", "payment method")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference")
	cmd.Flags().BoolVar(&deposit, "deposit", false, "record a security deposit instead of credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newApplyCommand(open Opener) *cobra.Command {
	var source, amount string
	cmd := &cobra.Command{
		Use:   "apply INVOICE_ID",
		Short: "Apply customer credit or deposit to an invoice",
		Long:  "Without --amount the smaller of the invoice balance and the available pool is applied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var amt *money.Money
			if amount != "" {
				parsed, err := money.Parse(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount: %w", err)
				}
				amt = &parsed
			}
			return withServices(cmd, open, func(svc *Services) error {
				var allocs []ledger.Allocation
				switch source {
				case "credit":
					allocs, err = svc.Ledger.ApplyCredit(cmd.Context(), invoiceID, amt)
				case "deposit":
					allocs, err = svc.Ledger.ApplyDeposit(cmd.Context(), invoiceID, amt)
				default:
					return fmt.Errorf("--from must be credit or deposit")
				}
				if err != nil {
					return err
				}
				printAllocations(cmd.OutOrStdout(), allocs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "from", "credit", "credit or deposit")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to apply (default as much as possible)")
	return cmd
}

func newRefundDepositCommand(open Opener) *cobra.Command {
	var (
		companyID                 int64
		amount, method, reference string
	)
	cmd := &cobra.Command{
		Use:   "refund-deposit CUSTOMER_ID",
		Short: "Refund part of a customer's available deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			amt, err := money.Parse(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			return withServices(cmd, open, func(svc *Services) error {
				p, err := svc.Ledger.RefundDeposit(cmd.Context(), ledger.RefundInput{
					CompanyID:  companyID,
					CustomerID: customerID,
					Amount:     amt,
					Method:     method,
					Reference:  reference,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refund %d recorded %s\n", p.ID, amt)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to refund")
	cmd.Flags().StringVar(&method, "method", "manual", "refund method")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newReversePaymentCommand(open Opener) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "reverse-payment PAYMENT_ID",
		Short: "Reverse a payment and unwind the allocations it funded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paymentID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, open, func(svc *Services) error {
				p, err := svc.Ledger.ReversePayment(cmd.Context(), ledger.ReverseInput{
					PaymentID: paymentID,
					Reason:    reason,
					By:        by,
					At:        time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %d reversed by %d (%s)\n", paymentID, p.ID, p.Amount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reversal reason")
	cmd.Flags().StringVar(&by, "by", "billingctl", "actor recorded in the audit log")
	return cmd
}

func newCorrectCommand(open Opener) *cobra.Command {
	var doc string
	cmd := &cobra.Command{
		Use:   "correct INVOICE_ID",
		Short: "Create a draft credit or debit memo against a sent invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			docType := invoicing.DocumentType(doc)
			if docType != invoicing.DocCreditMemo && docType != invoicing.DocDebitMemo {
				return fmt.Errorf("--type must be credit_memo or debit_memo")
			}
			return withServices(cmd, open, func(svc *Services) error {
				memo, err := svc.Lifecycle.CreateCorrection(cmd.Context(), invoiceID, docType)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s created for invoice %d\n", memo.DocumentType, memo.Number, invoiceID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&doc, "type", string(invoicing.DocCreditMemo), "credit_memo or debit_memo")
	return cmd
}

func printAllocations(w io.Writer, allocs []ledger.Allocation) {
	if len(allocs) == 0 {
		fmt.Fprintln(w, "nothing applied")
		return
	}
	for _, a := range allocs {
		fmt.Fprintf(w, "allocation %d: payment %d -> %s\n", a.ID, a.PaymentID, a.Amount)
	}
}
