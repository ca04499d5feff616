package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/invoicing"
	"github.com/odyssey-erp/rental-billing/internal/ledger"
	"github.com/odyssey-erp/rental-billing/internal/mailer"
	"github.com/odyssey-erp/rental-billing/internal/settings"
	"github.com/odyssey-erp/rental-billing/internal/shared"
)

// InvoiceService is the part of the invoice lifecycle the publisher needs.
type InvoiceService interface {
	Get(ctx context.Context, invoiceID int64) (invoicing.Detail, error)
	MarkSent(ctx context.Context, invoiceID int64, at time.Time) (invoicing.Invoice, error)
}

// AllocationReader lists ledger allocations of an invoice.
type AllocationReader interface {
	InvoiceAllocations(ctx context.Context, invoiceID int64) ([]ledger.Allocation, error)
}

// Contacts resolves customer billing addresses.
type Contacts interface {
	CustomerEmail(ctx context.Context, companyID, customerID int64) (string, error)
}

// Deduper guards against sending the same version twice.
type Deduper interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const deliveryModule = "invoice_delivery"

// Publisher renders invoice versions and delivers them by email.
type Publisher struct {
	store       Store
	invoices    InvoiceService
	allocations AllocationReader
	renderer    Renderer
	settings    settings.Provider
	logger      *slog.Logger
	now         func() time.Time

	mail     mailer.Sender
	contacts Contacts
	dedupe   Deduper
}

// NewPublisher wires the publisher.
func NewPublisher(store Store, invoices InvoiceService, allocations AllocationReader, renderer Renderer, provider settings.Provider, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:       store,
		invoices:    invoices,
		allocations: allocations,
		renderer:    renderer,
		settings:    provider,
		logger:      logger,
		now:         time.Now,
	}
}

// WithMailer enables Deliver.
func (p *Publisher) WithMailer(sender mailer.Sender, contacts Contacts) *Publisher {
	p.mail = sender
	p.contacts = contacts
	return p
}

// WithDeduper records delivered versions so retried tasks do not resend.
func (p *Publisher) WithDeduper(d Deduper) *Publisher {
	p.dedupe = d
	return p
}

// WithNow overrides the clock.
func (p *Publisher) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Publish snapshots the invoice as it stands, renders it and stores a new version.
func (p *Publisher) Publish(ctx context.Context, invoiceID int64) (Version, error) {
	d, err := p.invoices.Get(ctx, invoiceID)
	if err != nil {
		return Version{}, err
	}
	if d.Status == invoicing.StatusVoid {
		return Version{}, ErrInvalidState.Withf("invoice %s is void", d.Number)
	}
	allocs, err := p.allocations.InvoiceAllocations(ctx, invoiceID)
	if err != nil {
		return Version{}, err
	}
	st, err := p.settings.Get(ctx, d.CompanyID)
	if err != nil {
		return Version{}, err
	}
	snap := BuildSnapshot(d, allocs, st, p.now().UTC())
	pdf, err := p.renderer.Render(ctx, snap)
	if err != nil {
		return Version{}, fmt.Errorf("versions: render invoice %d: %w", invoiceID, err)
	}
	v, err := p.store.CreateVersion(ctx, invoiceID, snap, pdf, FileName(d.Invoice))
	if err != nil {
		return Version{}, err
	}
	p.logger.Info("invoice version stored",
		slog.Int64("invoice_id", invoiceID),
		slog.Int64("version_id", v.ID),
		slog.String("snapshot_id", snap.ID.String()),
		slog.Int("pdf_bytes", len(pdf)))
	return v, nil
}

// FileName is the attachment name of an invoice PDF.
func FileName(inv invoicing.Invoice) string {
	name := strings.TrimSpace(inv.Number)
	if name == "" {
		name = fmt.Sprintf("invoice-%d", inv.ID)
	}
	return name + ".pdf"
}

// DeliverRequest selects what to send. A zero VersionID sends the latest
// version, publishing one when none exists. An empty To uses the customer's
// billing address.
type DeliverRequest struct {
	InvoiceID int64
	VersionID int64
	To        string
}

// Deliver emails a version. On success the version and the invoice are
// marked sent. A send failure leaves the version in place.
func (p *Publisher) Deliver(ctx context.Context, req DeliverRequest) (Version, error) {
	if p.mail == nil {
		return Version{}, errors.New("versions: mailer not configured")
	}
	v, err := p.resolve(ctx, req)
	if err != nil {
		return Version{}, err
	}
	logger := p.logger.With(slog.Int64("invoice_id", v.InvoiceID), slog.Int64("version_id", v.ID))

	to := strings.TrimSpace(req.To)
	if to == "" && p.contacts != nil {
		inv := v.Snapshot.Invoice
		if to, err = p.contacts.CustomerEmail(ctx, inv.CompanyID, inv.CustomerID); err != nil {
			return v, err
		}
	}
	if to == "" {
		return v, ErrNoRecipient.Withf("invoice %d", v.InvoiceID)
	}

	key := fmt.Sprintf("invoice-email:%d", v.ID)
	if p.dedupe != nil {
		if err := p.dedupe.CheckAndInsert(ctx, key, deliveryModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				logger.Info("invoice version already delivered")
				return v, nil
			}
			return v, err
		}
	}

	msg := mailer.Message{
		To:      []string{to},
		Subject: subject(v.Snapshot.Invoice),
		Text:    body(v.Snapshot),
		Attachments: []mailer.Attachment{
			{FileName: v.FileName, ContentType: "application/pdf", Data: v.PDF},
		},
	}
	if err := p.mail.Send(ctx, msg); err != nil {
		logger.Error("invoice email failed", slog.String("to", to), slog.Any("error", err))
		if p.dedupe != nil {
			if derr := p.dedupe.Delete(ctx, key); derr != nil {
				logger.Warn("release delivery key", slog.Any("error", derr))
			}
		}
		return v, fmt.Errorf("versions: deliver invoice %d: %w", v.InvoiceID, err)
	}

	at := p.now().UTC()
	if err := p.store.MarkVersionSent(ctx, v.ID, &at); err != nil {
		return v, err
	}
	v.SentAt = &at
	if _, err := p.invoices.MarkSent(ctx, v.InvoiceID, at); err != nil {
		return v, err
	}
	logger.Info("invoice emailed", slog.String("to", to))
	return v, nil
}

func (p *Publisher) resolve(ctx context.Context, req DeliverRequest) (Version, error) {
	if req.VersionID > 0 {
		v, err := p.store.GetVersion(ctx, req.VersionID)
		if err != nil {
			return Version{}, err
		}
		if v.InvoiceID != req.InvoiceID {
			return Version{}, ErrNotFound.Withf("version %d does not belong to invoice %d", req.VersionID, req.InvoiceID)
		}
		return v, nil
	}
	latest, err := p.store.LatestVersion(ctx, req.InvoiceID)
	if err != nil {
		return Version{}, err
	}
	if latest != nil {
		return *latest, nil
	}
	return p.Publish(ctx, req.InvoiceID)
}

func subject(inv SnapshotInvoice) string {
	switch invoicing.DocumentType(inv.DocumentType) {
	case invoicing.DocCreditMemo:
		return "Credit memo " + inv.Number
	case invoicing.DocDebitMemo:
		return "Debit memo " + inv.Number
	}
	return "Invoice " + inv.Number
}

func body(s Snapshot) string {
	inv := s.Invoice
	var b strings.Builder
	fmt.Fprintf(&b, "Please find %s attached.\n\n", strings.ToLower(subject(inv)))
	fmt.Fprintf(&b, "Total: %s %s\n", inv.Total, s.Currency)
	if !inv.Paid.IsZero() {
		fmt.Fprintf(&b, "Paid: %s %s\n", inv.Paid, s.Currency)
	}
	fmt.Fprintf(&b, "Balance due: %s %s\n", inv.Balance, s.Currency)
	fmt.Fprintf(&b, "Due date: %s\n", inv.DueDate.Format("2006-01-02"))
	return b.String()
}
