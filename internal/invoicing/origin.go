package invoicing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/rental-billing/internal/period"
)

// Origin key prefixes. A key identifies what a generated line bills so reruns
// never bill the same thing twice on one invoice.
const (
	originRental = "rental"
	originPickup = "pickup"
	originFee    = "fee"
	originAdjust = "adjust"
)

// RentalKey identifies a line item's charge for one local month.
func RentalKey(lineID int64, month period.Month) string {
	return fmt.Sprintf("%s:%d:%s", originRental, lineID, month)
}

// PickupKey identifies a pickup proration charge.
func PickupKey(lineID int64) string {
	return fmt.Sprintf("%s:%d", originPickup, lineID)
}

// FeeKey identifies a one-off fee.
func FeeKey(feeID int64) string {
	return fmt.Sprintf("%s:%d", originFee, feeID)
}

// AdjustKey identifies an adjustment of a billed line-month on a given invoice.
func AdjustKey(lineID int64, month period.Month, invoiceID int64) string {
	return fmt.Sprintf("%s:%d:%s:%d", originAdjust, lineID, month, invoiceID)
}

// Origin is a parsed origin key.
type Origin struct {
	Kind      string
	ID        int64
	Month     period.Month
	HasMonth  bool
	InvoiceID int64
}

// ParseOrigin splits an origin key. Unknown or malformed keys return false.
func ParseOrigin(key string) (Origin, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return Origin{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Origin{}, false
	}
	o := Origin{Kind: parts[0], ID: id}
	switch o.Kind {
	case originPickup, originFee:
		return o, len(parts) == 2
	case originRental:
		if len(parts) != 3 {
			return Origin{}, false
		}
	case originAdjust:
		if len(parts) != 4 {
			return Origin{}, false
		}
		inv, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Origin{}, false
		}
		o.InvoiceID = inv
	default:
		return Origin{}, false
	}
	m, err := period.ParseMonth(parts[2])
	if err != nil {
		return Origin{}, false
	}
	o.Month = m
	o.HasMonth = true
	return o, true
}
