package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
	"github.com/fpang/photomatic/internal/filehandler"
	"github.com/rs/zerolog/log"
)

// Index filenames inside the cache directory. Other tooling reads these.
const (
	FullFilename    = "cache_all.txt"
	SameDayFilename = "cache_same_day.txt"
)

// FullPath returns the location of the full index in cacheDir.
func FullPath(cacheDir string) string {
	return filepath.Join(cacheDir, FullFilename)
}

// SameDayPath returns the location of the same-day index in cacheDir.
func SameDayPath(cacheDir string) string {
	return filepath.Join(cacheDir, SameDayFilename)
}

// DateResolver resolves the calendar date of a photo.
type DateResolver func(path string) (filehandler.ResolvedDate, error)

// Options configures Build.
type Options struct {
	RootDir  string
	CacheDir string

	// Today is the build day; photos on its month and day go into the
	// same-day index.
	Today Day

	// Resolve defaults to filehandler.ResolveDate.
	Resolve DateResolver

	// Stride defaults to DefaultStride.
	Stride int
}

// Result describes a completed build.
type Result struct {
	FullPath    string
	SameDayPath string

	Full    Lines
	SameDay Lines

	// Skipped counts files whose date could not be resolved at all.
	Skipped int

	BuiltFor  Day
	Protected cachekey.KeySet
	Duration  time.Duration
}

// Build walks opts.RootDir once and atomically replaces both index files.
//
// Paths are streamed straight to temporary files next to the final ones, so
// memory does not grow with the size of the tree (apart from the protected
// key set, which only holds same-day photos). The temporaries are renamed
// into place only after the walk has finished; on any error they are
// removed and the previous indexes stay untouched.
func Build(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	resolve := opts.Resolve
	if resolve == nil {
		resolve = filehandler.ResolveDate
	}
	stride := opts.Stride
	if stride <= 0 {
		stride = DefaultStride
	}

	log.Info().
		Str("root", opts.RootDir).
		Str("cache_dir", opts.CacheDir).
		Str("today", opts.Today.String()).
		Msg("Building photo indexes")

	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	fullTmp, err := os.CreateTemp(opts.CacheDir, "."+FullFilename+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create index temp file: %w", err)
	}
	sameTmp, err := os.CreateTemp(opts.CacheDir, "."+SameDayFilename+"-*.tmp")
	if err != nil {
		fullTmp.Close()
		os.Remove(fullTmp.Name())
		return nil, fmt.Errorf("failed to create index temp file: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		fullTmp.Close()
		sameTmp.Close()
		os.Remove(fullTmp.Name())
		os.Remove(sameTmp.Name())
	}()

	full := newLineWriter(fullTmp, stride)
	same := newLineWriter(sameTmp, stride)
	var protected cachekey.KeySetBuilder
	skipped := 0

	walkOpts := filehandler.WalkOptions{SkipPaths: []string{opts.CacheDir}}
	err = filehandler.WalkImages(opts.RootDir, walkOpts, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.ContainsAny(path, "\r\n") {
			log.Warn().Str("path", path).Msg("Path contains a newline, skipping")
			skipped++
			return nil
		}

		date, err := resolve(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Unreadable photo, skipping")
			skipped++
			return nil
		}

		if err := full.WriteLine(path); err != nil {
			return fmt.Errorf("failed to write full index: %w", err)
		}
		if date.SameMonthDay(opts.Today.Month, opts.Today.Day) {
			if err := same.WriteLine(path); err != nil {
				return fmt.Errorf("failed to write same-day index: %w", err)
			}
			protected.Add(path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := finish(full, fullTmp); err != nil {
		return nil, err
	}
	if err := finish(same, sameTmp); err != nil {
		return nil, err
	}

	result := &Result{
		FullPath:    FullPath(opts.CacheDir),
		SameDayPath: SameDayPath(opts.CacheDir),
		Full:        full.lines,
		SameDay:     same.lines,
		Skipped:     skipped,
		BuiltFor:    opts.Today,
		Protected:   protected.Build(),
	}

	if err := os.Rename(sameTmp.Name(), result.SameDayPath); err != nil {
		return nil, fmt.Errorf("failed to publish same-day index: %w", err)
	}
	if err := os.Rename(fullTmp.Name(), result.FullPath); err != nil {
		return nil, fmt.Errorf("failed to publish full index: %w", err)
	}
	committed = true
	result.Duration = time.Since(start)

	log.Info().
		Int("total_photos", result.Full.Count).
		Int("same_day_photos", result.SameDay.Count).
		Int("skipped", result.Skipped).
		Str("today", opts.Today.String()).
		Dur("duration", result.Duration).
		Msg("Photo indexes built")

	return result, nil
}

func finish(lw *lineWriter, f *os.File) error {
	if err := lw.Flush(); err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	return nil
}

// Remove deletes both index files from cacheDir. Missing files are not an error.
func Remove(cacheDir string) error {
	var errs []error
	for _, p := range []string{FullPath(cacheDir), SameDayPath(cacheDir)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("path", p).Msg("Removed cache index file")
	}
	return errors.Join(errs...)
}

// ProtectedFromFile streams an existing same-day index and returns the keys
// of its entries. Used to restore protection from a previous run's files.
func ProtectedFromFile(path string) (cachekey.KeySet, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return cachekey.KeySet{}, 0, err
	}
	defer f.Close()

	var b cachekey.KeySetBuilder
	n := 0
	err = eachLine(f, func(line string) {
		b.Add(line)
		n++
	})
	if err != nil {
		return cachekey.KeySet{}, 0, fmt.Errorf("failed to read same-day index: %w", err)
	}
	return b.Build(), n, nil
}
