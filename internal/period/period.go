// Package period derives billable time: it removes paused spans from an
// active interval and cuts the remainder at local calendar-month boundaries.
package period

import (
	"fmt"
	"sort"
	"time"
)

// Interval is the half-open span [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End-Start, or zero for empty intervals.
func (i Interval) Duration() time.Duration {
	if !i.End.After(i.Start) {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Empty reports whether the interval covers no time.
func (i Interval) Empty() bool { return !i.End.After(i.Start) }

// Contains reports whether t falls inside [Start, End).
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Clip intersects i with o.
func (i Interval) Clip(o Interval) Interval {
	out := i
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}
	return out
}

// Pause is a recorded pause; a nil End means the pause is still running.
type Pause struct {
	Start time.Time
	End   *time.Time
}

// MergePauses resolves open pauses against rangeEnd, drops empty ones, and
// merges overlapping or touching pauses into ordered disjoint intervals.
func MergePauses(pauses []Pause, rangeEnd time.Time) []Interval {
	items := make([]Interval, 0, len(pauses))
	for _, p := range pauses {
		if p.Start.IsZero() {
			continue
		}
		end := rangeEnd
		if p.End != nil {
			end = *p.End
		}
		if end.IsZero() || !end.After(p.Start) {
			continue
		}
		items = append(items, Interval{Start: p.Start, End: end})
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].Start.Before(items[b].Start) })

	merged := make([]Interval, 0, len(items))
	for _, item := range items {
		if n := len(merged); n > 0 && !item.Start.After(merged[n-1].End) {
			if item.End.After(merged[n-1].End) {
				merged[n-1].End = item.End
			}
			continue
		}
		merged = append(merged, item)
	}
	return merged
}

// SubtractPauses removes merged pauses from the interval by sequential clipping.
func SubtractPauses(active Interval, pauses []Interval) []Interval {
	if active.Empty() {
		return nil
	}
	segments := []Interval{active}
	for _, pause := range pauses {
		next := make([]Interval, 0, len(segments)+1)
		for _, seg := range segments {
			overlap := seg.Clip(pause)
			if overlap.Empty() {
				next = append(next, seg)
				continue
			}
			if overlap.Start.After(seg.Start) {
				next = append(next, Interval{Start: seg.Start, End: overlap.Start})
			}
			if overlap.End.Before(seg.End) {
				next = append(next, Interval{Start: overlap.End, End: seg.End})
			}
		}
		segments = next
	}
	out := segments[:0]
	for _, seg := range segments {
		if !seg.Empty() {
			out = append(out, seg)
		}
	}
	return out
}

// ActiveIntervals is MergePauses followed by SubtractPauses.
func ActiveIntervals(active Interval, pauses []Pause) []Interval {
	return SubtractPauses(active, MergePauses(pauses, active.End))
}

// Month identifies a local calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// String formats as YYYY-MM.
func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// Next returns the following month.
func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Before orders months.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// ParseMonth reads YYYY-MM.
func ParseMonth(raw string) (Month, error) {
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return Month{}, fmt.Errorf("period: parse month %q: %w", raw, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

// MonthOf returns the local month containing t.
func MonthOf(t time.Time, loc *time.Location) Month {
	local := t.In(loc)
	return Month{Year: local.Year(), Month: local.Month()}
}

// Start returns the instant the month begins in loc.
func (m Month) Start(loc *time.Location) time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

// Bounds returns [first-of-month, first-of-next-month) in loc.
func (m Month) Bounds(loc *time.Location) Interval {
	return Interval{Start: m.Start(loc), End: m.Next().Start(loc)}
}

// DaysIn returns the calendar length of the month.
func (m Month) DaysIn() int {
	return time.Date(m.Year, m.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Segment is a part of an active interval that lies inside one local month.
type Segment struct {
	Interval
	Month       Month
	DaysInMonth int
}

const maxSegments = 1200

// NextMonthBoundary returns the first local first-of-month strictly after t.
func NextMonthBoundary(t time.Time, loc *time.Location) time.Time {
	return MonthOf(t, loc).Next().Start(loc)
}

// SplitIntoCalendarMonths cuts the interval at each local first-of-month
// boundary. Boundaries are computed in loc, so DST months keep their real length.
func SplitIntoCalendarMonths(iv Interval, loc *time.Location) []Segment {
	if iv.Empty() {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	var segments []Segment
	cursor := iv.Start
	for guard := 0; cursor.Before(iv.End) && guard < maxSegments; guard++ {
		month := MonthOf(cursor, loc)
		boundary := month.Next().Start(loc)
		end := iv.End
		if boundary.Before(end) {
			end = boundary
		}
		if !end.After(cursor) {
			break
		}
		segments = append(segments, Segment{
			Interval:    Interval{Start: cursor, End: end},
			Month:       month,
			DaysInMonth: month.DaysIn(),
		})
		cursor = end
	}
	return segments
}

// LocalDate returns the civil date of t in loc, expressed as UTC midnight.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
