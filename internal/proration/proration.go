// Package proration turns a month segment of active rental time into billable
// units and a money amount.
package proration

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/rounding"
)

// RateBasis is the period a line's rate is quoted for.
type RateBasis string

const (
	BasisDaily   RateBasis = "daily"
	BasisWeekly  RateBasis = "weekly"
	BasisMonthly RateBasis = "monthly"
)

// ParseRateBasis returns "" for missing or unknown values.
func ParseRateBasis(raw string) RateBasis {
	switch v := RateBasis(strings.ToLower(strings.TrimSpace(raw))); v {
	case BasisDaily, BasisWeekly, BasisMonthly:
		return v
	}
	return ""
}

// MonthlyMethod selects how monthly rates are prorated inside a month.
type MonthlyMethod string

const (
	MethodHours MonthlyMethod = "hours"
	MethodDays  MonthlyMethod = "days"
)

// ParseMonthlyMethod defaults to hours.
func ParseMonthlyMethod(raw string) MonthlyMethod {
	if strings.EqualFold(strings.TrimSpace(raw), string(MethodDays)) {
		return MethodDays
	}
	return MethodHours
}

// Policy is the tenant rounding configuration applied to every segment.
type Policy struct {
	Mode          rounding.Mode
	Granularity   rounding.Granularity
	MonthlyMethod MonthlyMethod
}

// DefaultPolicy is ceil / unit / hours.
func DefaultPolicy() Policy {
	return Policy{Mode: rounding.ModeCeil, Granularity: rounding.GranularityUnit, MonthlyMethod: MethodHours}
}

const day = 24 * time.Hour

// Units returns the billable units for one segment. Empty segments and
// unknown bases yield zero.
func Units(seg period.Segment, basis RateBasis, policy Policy) float64 {
	active := seg.Duration()
	if active <= 0 {
		return 0
	}
	mode := policy.Mode
	gran := policy.Granularity

	var units float64
	switch basis {
	case BasisMonthly:
		if seg.DaysInMonth <= 0 {
			return 0
		}
		if policy.MonthlyMethod == MethodDays {
			days := float64(active) / float64(day)
			switch {
			case mode != rounding.ModeNone && gran == rounding.GranularityDay:
				days = rounding.RoundValue(days, mode)
			case mode != rounding.ModeNone:
				days = rounding.RoundValue(days, rounding.ModeCeil)
			}
			units = days / float64(seg.DaysInMonth)
		} else {
			adjusted := rounding.RoundDuration(active, mode, gran)
			units = float64(adjusted) / (float64(seg.DaysInMonth) * float64(day))
		}
	case BasisDaily, BasisWeekly:
		days := float64(rounding.RoundDuration(active, mode, gran)) / float64(day)
		if basis == BasisWeekly {
			days /= 7
		}
		units = days
	default:
		return 0
	}

	if mode != rounding.ModeNone && gran == rounding.GranularityUnit {
		units = rounding.RoundValue(units, mode)
	}
	return units
}

// Amount prices units: round2(rate*quantity) is the per-unit line price and
// the result is round2(units*price).
func Amount(units float64, rate money.Money, quantity int) money.Money {
	price := UnitPrice(rate, quantity)
	return price.Mul(decimal.NewFromFloat(units)).Round2()
}

// UnitPrice is round2(rate*quantity).
func UnitPrice(rate money.Money, quantity int) money.Money {
	return rate.Mul(decimal.NewFromInt(int64(quantity))).Round2()
}

// ActiveDuration sums the segment lengths.
func ActiveDuration(segments []period.Segment) time.Duration {
	var total time.Duration
	for _, seg := range segments {
		total += seg.Duration()
	}
	return total
}

// UnitLabel names the unit of a basis, pluralised by count.
func UnitLabel(basis RateBasis, units float64) string {
	one := units == 1
	switch basis {
	case BasisMonthly:
		if one {
			return "month"
		}
		return "months"
	case BasisWeekly:
		if one {
			return "week"
		}
		return "weeks"
	default:
		if one {
			return "day"
		}
		return "days"
	}
}
