// Package rounding converts a tenant rounding policy into roundings of
// billable durations and unit counts.
package rounding

import (
	"math"
	"strings"
	"time"
)

// Mode selects the rounding direction.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeCeil    Mode = "ceil"
	ModeFloor   Mode = "floor"
	ModeNearest Mode = "nearest"
)

// Granularity selects what is rounded: the unit count, or the duration to
// whole hours or days before units are derived.
type Granularity string

const (
	GranularityUnit Granularity = "unit"
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Epsilon keeps exact boundaries (2.0 days) from drifting to the next unit.
const Epsilon = 1e-9

// ParseMode normalises stored values. "prorate" is a legacy alias for none and
// anything unknown falls back to ceil.
func ParseMode(raw string) Mode {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "prorate", "none":
		return ModeNone
	case "ceil", "floor", "nearest":
		return Mode(v)
	default:
		return ModeCeil
	}
}

// ParseGranularity normalises stored values, defaulting to unit.
func ParseGranularity(raw string) Granularity {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "hour", "day", "unit":
		return Granularity(v)
	default:
		return GranularityUnit
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeCeil, ModeFloor, ModeNearest:
		return true
	}
	return false
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityUnit, GranularityHour, GranularityDay:
		return true
	}
	return false
}

// RoundValue rounds x according to mode.
func RoundValue(x float64, mode Mode) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	switch mode {
	case ModeNone:
		return x
	case ModeFloor:
		return math.Floor(x + Epsilon)
	case ModeNearest:
		return math.Floor(x + 0.5)
	default:
		return math.Ceil(x - Epsilon)
	}
}

// RoundDuration rounds an active duration to whole hours or days. Unit
// granularity leaves the duration untouched; those policies round the unit
// count after proration instead.
func RoundDuration(active time.Duration, mode Mode, granularity Granularity) time.Duration {
	if mode == ModeNone {
		return active
	}
	var step time.Duration
	switch granularity {
	case GranularityHour:
		step = time.Hour
	case GranularityDay:
		step = 24 * time.Hour
	default:
		return active
	}
	units := RoundValue(float64(active)/float64(step), mode)
	if units < 0 {
		units = 0
	}
	return time.Duration(units * float64(step))
}

// RoundsDuration reports whether the policy rounds durations rather than units.
func RoundsDuration(mode Mode, granularity Granularity) bool {
	return mode != ModeNone && (granularity == GranularityHour || granularity == GranularityDay)
}
