package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestMergePausesMergesTouchingAndDropsInvalid(t *testing.T) {
	rangeEnd := utc(2024, 3, 31, 0)
	merged := MergePauses([]Pause{
		{Start: utc(2024, 3, 10, 0), End: ptr(utc(2024, 3, 12, 0))},
		{Start: utc(2024, 3, 5, 0), End: ptr(utc(2024, 3, 5, 0))},
		{Start: utc(2024, 3, 1, 0), End: ptr(utc(2024, 3, 3, 0))},
		{Start: utc(2024, 3, 12, 0), End: ptr(utc(2024, 3, 14, 0))},
		{Start: utc(2024, 3, 20, 0)},
	}, rangeEnd)

	require.Equal(t, []Interval{
		{Start: utc(2024, 3, 1, 0), End: utc(2024, 3, 3, 0)},
		{Start: utc(2024, 3, 10, 0), End: utc(2024, 3, 14, 0)},
		{Start: utc(2024, 3, 20, 0), End: rangeEnd},
	}, merged)
}

func TestSubtractPauses(t *testing.T) {
	active := Interval{Start: utc(2024, 3, 1, 0), End: utc(2024, 3, 11, 0)}
	got := ActiveIntervals(active, []Pause{
		{Start: utc(2024, 3, 3, 0), End: ptr(utc(2024, 3, 5, 0))},
		{Start: utc(2024, 2, 20, 0), End: ptr(utc(2024, 3, 2, 0))},
	})

	require.Len(t, got, 2)
	require.Equal(t, Interval{Start: utc(2024, 3, 2, 0), End: utc(2024, 3, 3, 0)}, got[0])
	require.Equal(t, Interval{Start: utc(2024, 3, 5, 0), End: utc(2024, 3, 11, 0)}, got[1])

	var total time.Duration
	for _, iv := range got {
		total += iv.Duration()
	}
	require.Equal(t, 7*24*time.Hour, total)
}

func TestSubtractPausesCoveringEverything(t *testing.T) {
	active := Interval{Start: utc(2024, 3, 1, 0), End: utc(2024, 3, 2, 0)}
	got := ActiveIntervals(active, []Pause{{Start: utc(2024, 2, 1, 0)}})
	require.Empty(t, got)
}

func TestSplitIntoCalendarMonthsUTC(t *testing.T) {
	iv := Interval{Start: utc(2024, 1, 20, 0), End: utc(2024, 3, 10, 0)}
	segs := SplitIntoCalendarMonths(iv, time.UTC)

	require.Len(t, segs, 3)
	require.Equal(t, "2024-01", segs[0].Month.String())
	require.Equal(t, 31, segs[0].DaysInMonth)
	require.Equal(t, utc(2024, 2, 1, 0), segs[0].End)
	require.Equal(t, 29, segs[1].DaysInMonth)
	require.Equal(t, utc(2024, 3, 10, 0), segs[2].End)
}

func TestSplitIntoCalendarMonthsUsesLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/Edmonton")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2024, time.January, 31, 23, 30, 0, 0, loc)
	end := time.Date(2024, time.February, 1, 1, 30, 0, 0, loc)

	segs := SplitIntoCalendarMonths(Interval{Start: start, End: end}, loc)
	require.Len(t, segs, 2)

	boundary := time.Date(2024, time.February, 1, 0, 0, 0, 0, loc)
	require.True(t, segs[0].End.Equal(boundary))
	require.Equal(t, time.Month(1), segs[0].Month.Month)
	require.Equal(t, 31, segs[0].DaysInMonth)
	require.Equal(t, time.Month(2), segs[1].Month.Month)
	require.Equal(t, 29, segs[1].DaysInMonth)
	require.Equal(t, 30*time.Minute, segs[0].Duration())
	require.Equal(t, 90*time.Minute, segs[1].Duration())
}

func TestLocalDate(t *testing.T) {
	loc, err := time.LoadLocation("America/Edmonton")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	instant := time.Date(2024, time.February, 1, 3, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), LocalDate(instant, loc))
	require.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), LocalDate(instant, nil))
}

func TestMonthHelpers(t *testing.T) {
	m, err := ParseMonth("2024-12")
	require.NoError(t, err)
	require.Equal(t, Month{Year: 2025, Month: time.January}, m.Next())
	require.True(t, m.Before(m.Next()))
	_, err = ParseMonth("12/2024")
	require.Error(t, err)
}
