// Package index builds and reads the two plain-text path indexes that back
// photo selection: cache_all.txt (every photo, walk order) and
// cache_same_day.txt (photos taken on today's month and day, any year).
//
// Both files are newline-delimited absolute paths. They are always replaced
// wholesale by rename, so readers see either the previous complete file or
// the new complete file.
package index

import (
	"fmt"
	"time"
)

// Day is a calendar day with no time or zone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// Today returns the local calendar day.
func Today() Day {
	return DayOf(time.Now())
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d == Day{}
}

func (d Day) String() string {
	if d.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}
