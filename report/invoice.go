package report

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

//go:embed templates/*.html
var templates embed.FS

// PDFClient converts HTML to PDF.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// InvoiceRenderer implements versions.Renderer.
type InvoiceRenderer struct {
	tpl    *template.Template
	client PDFClient
}

var _ versions.Renderer = (*InvoiceRenderer)(nil)

// NewInvoiceRenderer parses the invoice template.
func NewInvoiceRenderer(client PDFClient) (*InvoiceRenderer, error) {
	if client == nil {
		return nil, fmt.Errorf("invoice renderer: pdf client required")
	}
	printer := message.NewPrinter(language.English)
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006")
		},
		"formatPeriod": func(start, end *time.Time, zone string) string {
			if start == nil || end == nil {
				return ""
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				loc = time.UTC
			}
			// Periods are half-open; show the last day billed.
			last := end.In(loc).Add(-time.Nanosecond)
			return start.In(loc).Format("02 Jan 2006") + " – " + last.Format("02 Jan 2006")
		},
		"formatMoney": func(code string, m money.Money) string {
			return formatMoney(printer, code, m)
		},
		"title": documentTitle,
	}
	tpl, err := template.New("invoice.html").Funcs(funcMap).ParseFS(templates, "templates/invoice.html")
	if err != nil {
		return nil, err
	}
	return &InvoiceRenderer{tpl: tpl, client: client}, nil
}

// RenderHTML executes the template only.
func (r *InvoiceRenderer) RenderHTML(snap versions.Snapshot) (string, error) {
	if r == nil || r.tpl == nil {
		return "", fmt.Errorf("invoice renderer not initialised")
	}
	buf := &bytes.Buffer{}
	if err := r.tpl.Execute(buf, snap); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render executes the template and converts the HTML to PDF bytes.
func (r *InvoiceRenderer) Render(ctx context.Context, snap versions.Snapshot) ([]byte, error) {
	html, err := r.RenderHTML(snap)
	if err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, html)
}

func formatMoney(p *message.Printer, code string, m money.Money) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return code + " " + m.String()
	}
	return p.Sprint(currency.Symbol(unit.Amount(m.Decimal().Round(2).InexactFloat64())))
}

func documentTitle(docType string) string {
	switch docType {
	case "credit_memo":
		return "Credit Memo"
	case "debit_memo":
		return "Debit Memo"
	}
	return "Invoice"
}
