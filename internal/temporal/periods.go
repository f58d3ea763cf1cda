// Package temporal splits a date range into contiguous fixed-length periods.
package temporal

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

// DateLayout is the calendar date format accepted on the command line and
// used when periods are rendered.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", types.ErrInvalidParameter, s)
	}
	return t, nil
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ceilDay rounds t up to the next midnight UTC unless it already is one.
func ceilDay(t time.Time) time.Time {
	d := Day(t)
	if d.Before(t) {
		return d.AddDate(0, 0, 1)
	}
	return d
}

// Partition splits [start, end) into periods of stepDays calendar days. The
// last period is truncated at end. Period ids count from 1.
//
// Bounds are widened to whole UTC days: start moves back to its midnight and
// a mid-day end moves forward to the next one.
func Partition(start, end time.Time, stepDays int) ([]types.Period, error) {
	if stepDays <= 0 {
		return nil, fmt.Errorf("%w: step must be a positive number of days, got %d", types.ErrInvalidParameter, stepDays)
	}
	start, end = Day(start), ceilDay(end)
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s",
			types.ErrInvalidDateRange, start.Format(DateLayout), end.Format(DateLayout))
	}

	var periods []types.Period
	for cur := start; cur.Before(end); {
		next := cur.AddDate(0, 0, stepDays)
		if next.After(end) {
			next = end
		}
		periods = append(periods, types.Period{
			ID:    len(periods) + 1,
			Start: cur,
			End:   next,
		})
		cur = next
	}
	return periods, nil
}

// Label renders a period as "start..end".
func Label(p types.Period) string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}
