package proration

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/money"
	"github.com/odyssey-erp/rental-billing/internal/period"
	"github.com/odyssey-erp/rental-billing/internal/rounding"
)

func segment(start time.Time, active time.Duration) period.Segment {
	segs := period.SplitIntoCalendarMonths(period.Interval{Start: start, End: start.Add(active)}, time.UTC)
	if len(segs) != 1 {
		panic("test segment must stay inside one month")
	}
	return segs[0]
}

func TestMonthlyHoursScenario(t *testing.T) {
	seg := segment(time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), 36*time.Hour)
	for _, policy := range []Policy{
		{Mode: rounding.ModeNone, Granularity: rounding.GranularityUnit, MonthlyMethod: MethodHours},
		{Mode: rounding.ModeCeil, Granularity: rounding.GranularityHour, MonthlyMethod: MethodHours},
	} {
		units := Units(seg, BasisMonthly, policy)
		require.InDelta(t, 1.5/31, units, 1e-12)
		amount := Amount(units, money.MustParse("310"), 1)
		require.Equal(t, "15.00", amount.String(), "policy %+v", policy)
	}
}

func TestDailyCeilDayScenario(t *testing.T) {
	seg := segment(time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC), 36*time.Hour)
	policy := Policy{Mode: rounding.ModeCeil, Granularity: rounding.GranularityDay, MonthlyMethod: MethodHours}

	units := Units(seg, BasisDaily, policy)
	require.Equal(t, 2.0, units)
	require.Equal(t, "200.00", Amount(units, money.MustParse("100"), 1).String())
}

func TestExactDayIsOneUnit(t *testing.T) {
	seg := segment(time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC), 24*time.Hour)
	policy := Policy{Mode: rounding.ModeCeil, Granularity: rounding.GranularityDay}
	require.Equal(t, 1.0, Units(seg, BasisDaily, policy))
}

func TestUnitGranularityRoundsUnitsOnce(t *testing.T) {
	seg := segment(time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC), 10*24*time.Hour)
	policy := DefaultPolicy()

	require.Equal(t, 2.0, Units(seg, BasisWeekly, policy))
	require.Equal(t, 1.0, Units(seg, BasisMonthly, policy))

	policy.Mode = rounding.ModeFloor
	require.Equal(t, 1.0, Units(seg, BasisWeekly, policy))
}

func TestMonthlyDaysMethod(t *testing.T) {
	seg := segment(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC), 36*time.Hour)

	policy := Policy{Mode: rounding.ModeFloor, Granularity: rounding.GranularityDay, MonthlyMethod: MethodDays}
	require.InDelta(t, 1.0/30, Units(seg, BasisMonthly, policy), 1e-12)

	// non-day granularity ceils whole days regardless of mode.
	policy = Policy{Mode: rounding.ModeNearest, Granularity: rounding.GranularityHour, MonthlyMethod: MethodDays}
	require.InDelta(t, 2.0/30, Units(seg, BasisMonthly, policy), 1e-12)

	policy = Policy{Mode: rounding.ModeNone, MonthlyMethod: MethodDays}
	require.InDelta(t, 1.5/30, Units(seg, BasisMonthly, policy), 1e-12)
}

func TestUnknownBasisAndEmptySegment(t *testing.T) {
	seg := segment(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	require.Zero(t, Units(seg, "", DefaultPolicy()))
	require.Zero(t, Units(period.Segment{DaysInMonth: 30}, BasisDaily, DefaultPolicy()))
}

func TestAmountRoundsPriceBeforeUnits(t *testing.T) {
	rate := money.MustParse("10.005")
	require.Equal(t, "10.01", UnitPrice(rate, 1).String())
	require.Equal(t, "15.02", Amount(1.5, rate, 1).String())
	require.Equal(t, "20.01", UnitPrice(rate, 2).String())
	require.False(t, math.IsNaN(Units(segment(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC), time.Minute), BasisMonthly, DefaultPolicy())))
}

func TestParsing(t *testing.T) {
	require.Equal(t, BasisWeekly, ParseRateBasis(" Weekly"))
	require.Equal(t, RateBasis(""), ParseRateBasis("hourly"))
	require.Equal(t, MethodDays, ParseMonthlyMethod("DAYS"))
	require.Equal(t, MethodHours, ParseMonthlyMethod(""))
	require.Equal(t, "month", UnitLabel(BasisMonthly, 1))
	require.Equal(t, "days", UnitLabel(BasisDaily, 2.5))
}
