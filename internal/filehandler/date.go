package filehandler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// DateSource records where a ResolvedDate came from.
type DateSource string

const (
	SourceFilename DateSource = "filename"
	SourceMetadata DateSource = "metadata"
	SourceMtime    DateSource = "mtime"
)

// ResolvedDate is the best-guess calendar date of a photo.
// Only Month and Day take part in same-day grouping; Year is informational
// and 0 when unknown.
type ResolvedDate struct {
	Year   int
	Month  time.Month
	Day    int
	Source DateSource
}

// SameMonthDay reports whether d falls on the given month and day of any year.
func (d ResolvedDate) SameMonthDay(month time.Month, day int) bool {
	return d.Month == month && d.Day == day
}

// Time returns the date as midnight local time. A missing year maps to year 1.
func (d ResolvedDate) Time() time.Time {
	year := d.Year
	if year == 0 {
		year = 1
	}
	return time.Date(year, d.Month, d.Day, 0, 0, 0, 0, time.Local)
}

var (
	compactDatePattern = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})`)
	dashedDatePattern  = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// ResolveDate returns the best-effort date of the photo at path.
//
// Resolution order, first success wins:
//  1. a YYYYMMDD or YYYY-MM-DD pattern in the filename
//  2. EXIF DateTimeOriginal, DateTimeDigitized, DateTime
//  3. the file modification time
//
// The filename outranks embedded metadata. The only error is a file that
// cannot be opened at all.
func ResolveDate(path string) (ResolvedDate, error) {
	f, err := os.Open(path)
	if err != nil {
		return ResolvedDate{}, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return ResolvedDate{}, fmt.Errorf("failed to stat file: %w", err)
	}

	if d, ok := ParseFilenameDate(filepath.Base(path)); ok {
		return d, nil
	}

	meta, err := ExtractImageMetadata(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("No usable metadata, falling back to mtime")
	} else if meta.HasDate {
		t := meta.DateTaken
		return ResolvedDate{Year: t.Year(), Month: t.Month(), Day: t.Day(), Source: SourceMetadata}, nil
	}

	mt := info.ModTime().Local()
	return ResolvedDate{Year: mt.Year(), Month: mt.Month(), Day: mt.Day(), Source: SourceMtime}, nil
}

// ParseFilenameDate extracts a date from a filename. The compact YYYYMMDD
// form is tried first; if its first match is not a real calendar date the
// dashed YYYY-MM-DD form is tried next.
func ParseFilenameDate(name string) (ResolvedDate, bool) {
	for _, re := range []*regexp.Regexp{compactDatePattern, dashedDatePattern} {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if d, ok := validDate(m[1], m[2], m[3]); ok {
			return d, true
		}
		log.Debug().Str("file", name).Str("match", m[0]).Msg("Filename date is not a valid calendar date")
	}
	return ResolvedDate{}, false
}

func validDate(ys, ms, ds string) (ResolvedDate, bool) {
	y, _ := strconv.Atoi(ys)
	m, _ := strconv.Atoi(ms)
	d, _ := strconv.Atoi(ds)
	if y < 1 || m < 1 || m > 12 || d < 1 {
		return ResolvedDate{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return ResolvedDate{}, false
	}
	return ResolvedDate{Year: y, Month: time.Month(m), Day: d, Source: SourceFilename}, true
}

// FormatDateWithSuffix formats a date with an ordinal day, e.g. "1st Jan 2020".
func FormatDateWithSuffix(t time.Time) string {
	day := t.Day()
	suffix := "th"
	if day < 11 || day > 13 {
		switch day % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s %s", day, suffix, t.Format("Jan 2006"))
}
