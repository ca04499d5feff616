package invoicing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Numberer hands out gapless per-company document numbers. Implementations
// must run inside the issuing transaction so a rollback releases the number.
type Numberer interface {
	NextSequence(ctx context.Context, companyID int64, doc DocumentType) (int64, error)
	// ReleaseSequence steps the sequence back when seq is the last value
	// handed out, reporting whether it did.
	ReleaseSequence(ctx context.Context, companyID int64, doc DocumentType, seq int64) (bool, error)
}

// NumberPrefix returns the document prefix.
func NumberPrefix(doc DocumentType) string {
	switch doc {
	case DocCreditMemo:
		return "CRM"
	case DocDebitMemo:
		return "DBM"
	default:
		return "INV"
	}
}

// FormatNumber renders a sequence value such as INV-000123.
func FormatNumber(doc DocumentType, seq int64) string {
	return fmt.Sprintf("%s-%06d", NumberPrefix(doc), seq)
}

// NextNumber draws and formats the next number.
func NextNumber(ctx context.Context, n Numberer, companyID int64, doc DocumentType) (string, error) {
	seq, err := n.NextSequence(ctx, companyID, doc)
	if err != nil {
		return "", fmt.Errorf("invoicing: next number: %w", err)
	}
	return FormatNumber(doc, seq), nil
}

// ParseNumber extracts the sequence value from a number such as INV-000123.
func ParseNumber(doc DocumentType, number string) (int64, bool) {
	raw, ok := strings.CutPrefix(number, NumberPrefix(doc)+"-")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}
