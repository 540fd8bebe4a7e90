// Package slideshow wires the photo indexes, selection, derived image cache
// and eviction into the single operation the server exposes: give this
// client its next photo.
package slideshow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fpang/photomatic/internal/config"
	"github.com/fpang/photomatic/internal/derived"
	"github.com/fpang/photomatic/internal/eviction"
	"github.com/fpang/photomatic/internal/filehandler"
	"github.com/fpang/photomatic/internal/index"
	"github.com/fpang/photomatic/internal/lifecycle"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/fpang/photomatic/internal/selection"
	"github.com/rs/zerolog/log"
)

// Directory layout under the instance directory.
const (
	CacheDirName  = "cache"
	PhotosDirName = "photos"
	LogDirName    = "log"
)

// CacheDir returns the index directory for an instance directory.
func CacheDir(instanceDir string) string {
	return filepath.Join(instanceDir, CacheDirName)
}

// ArtifactDir returns the derived image directory for an instance directory.
func ArtifactDir(instanceDir string) string {
	return filepath.Join(instanceDir, CacheDirName, PhotosDirName)
}

// Settings are the tunables that may change while running.
type Settings struct {
	MaxWidth  int
	MaxHeight int
	Quality   int

	CacheLimit   int
	SameDayMode  bool
	SameDayCycle int

	OverlayDate     bool
	OverlayFilename bool
	OverlayText     string
}

// SettingsFrom extracts the runtime settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		MaxWidth:        cfg.Image.MaxWidth,
		MaxHeight:       cfg.Image.MaxHeight,
		Quality:         cfg.Image.Quality,
		CacheLimit:      cfg.Cache.Limit,
		SameDayMode:     cfg.Cache.SameDayMode,
		SameDayCycle:    cfg.Cache.SameDayCycle,
		OverlayDate:     cfg.Overlay.Date,
		OverlayFilename: cfg.Overlay.Filename,
		OverlayText:     cfg.Overlay.Text,
	}
}

// Photo is one served photo.
type Photo struct {
	Path        string
	Data        []byte
	ContentType string
	Hit         bool
	Session     selection.Session
}

// Status summarizes the cache state for diagnostics.
type Status struct {
	Phase          string    `json:"phase"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	Generation     uint64    `json:"generation"`
	BuiltFor       string    `json:"builtFor"`
	TotalPhotos    int       `json:"totalPhotos"`
	SameDayPhotos  int       `json:"sameDayPhotos"`
	ProtectedKeys  int       `json:"protectedKeys"`
	ManagedEntries int       `json:"managedEntries"`
	CacheLimit     int       `json:"cacheLimit"`
}

// Options configures a Slideshow.
type Options struct {
	PhotosDir   string
	InstanceDir string
	Settings    Settings

	// Build replaces the index builder, for tests.
	Build lifecycle.BuildFunc

	// Now defaults to time.Now. The local date of Now is "today".
	Now func() time.Time
}

// Slideshow serves photos. It is safe for concurrent use.
type Slideshow struct {
	photosDir string
	coord     *lifecycle.Coordinator
	selector  *selection.Service
	cache     *derived.Cache
	evictor   *eviction.Manager
	settings  atomic.Pointer[Settings]
	now       func() time.Time
}

// New assembles a Slideshow, loads the derived images left by a previous
// run and adopts any previous indexes. It does not start a build.
func New(opts Options) (*Slideshow, error) {
	info, err := os.Stat(opts.PhotosDir)
	if err != nil {
		return nil, fmt.Errorf("photo directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("photo directory %s is not a directory", opts.PhotosDir)
	}
	photosDir, err := filepath.Abs(opts.PhotosDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	instanceDir, err := filepath.Abs(opts.InstanceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	lines := index.NewLineReader(0)
	coord := lifecycle.New(lifecycle.Options{
		RootDir:  photosDir,
		CacheDir: CacheDir(instanceDir),
		Lines:    lines,
		Build:    opts.Build,
	})

	evictor := eviction.NewManager(ArtifactDir(instanceDir))
	if err := evictor.Load(); err != nil {
		return nil, err
	}

	s := &Slideshow{
		photosDir: photosDir,
		coord:     coord,
		evictor:   evictor,
		now:       now,
		cache: derived.New(derived.Options{
			Dir:       ArtifactDir(instanceDir),
			Evictor:   evictor,
			Protected: coord.ProtectedKeys,
			Limit:     opts.Settings.CacheLimit,
		}),
		selector: selection.New(coord, lines, selection.Options{
			SameDayMode:  opts.Settings.SameDayMode,
			SameDayCycle: opts.Settings.SameDayCycle,
		}),
	}
	settings := opts.Settings
	s.settings.Store(&settings)

	// A new protected set can free entries that were held over the limit.
	coord.OnPublish(func(snap *lifecycle.Snapshot) {
		s.evictor.PruneIfOverLimit(s.settings.Load().CacheLimit, snap.Protected)
	})

	if ok, err := coord.Adopt(); err != nil {
		log.Warn().Err(err).Msg("Failed to adopt previous indexes, waiting for a rebuild")
	} else if ok {
		log.Info().Msg("Adopted indexes from a previous run")
	}
	return s, nil
}

// Today returns the current local calendar day.
func (s *Slideshow) Today() index.Day {
	return index.DayOf(s.now())
}

// Start requests an index build for today if the indexes are not current.
func (s *Slideshow) Start() lifecycle.Freshness {
	return s.coord.EnsureFresh(s.Today())
}

// Next selects the next photo for sess and returns it ready to display.
func (s *Slideshow) Next(sess selection.Session) (*Photo, error) {
	path, next, err := s.selector.PickNext(sess, s.Today())
	if err != nil {
		return nil, err
	}

	st := s.settings.Load()
	art, err := s.cache.FetchOrBuild(path, derived.Request{
		MaxWidth:  st.MaxWidth,
		MaxHeight: st.MaxHeight,
		Quality:   st.Quality,
		Caption:   func(source string) filehandler.Overlays { return captionFor(source, st) },
	})
	if err != nil {
		return nil, err
	}
	metrics.BytesServed.Add(float64(len(art.Data)))

	return &Photo{
		Path:        path,
		Data:        art.Data,
		ContentType: art.ContentType,
		Hit:         art.Hit,
		Session:     next,
	}, nil
}

func captionFor(path string, st *Settings) filehandler.Overlays {
	var o filehandler.Overlays
	if st.OverlayDate {
		if d, err := filehandler.ResolveDate(path); err == nil {
			o.TopLeft = filehandler.FormatDateWithSuffix(d.Time())
		}
	}
	if st.OverlayFilename {
		o.TopRight = filepath.Base(path)
	}
	o.BottomLeft = st.OverlayText
	return o
}

// Apply switches to new settings. Photos already cached keep the size and
// captions they were built with.
func (s *Slideshow) Apply(st Settings) {
	s.settings.Store(&st)
	s.cache.SetLimit(st.CacheLimit)
	s.selector.SetOptions(selection.Options{SameDayMode: st.SameDayMode, SameDayCycle: st.SameDayCycle})
	log.Info().
		Int("max_width", st.MaxWidth).
		Int("max_height", st.MaxHeight).
		Int("quality", st.Quality).
		Int("cache_limit", st.CacheLimit).
		Bool("same_day_mode", st.SameDayMode).
		Msg("Applied new settings")
}

// Rebuild builds the indexes for today synchronously.
func (s *Slideshow) Rebuild(ctx context.Context) (*lifecycle.Snapshot, error) {
	return s.coord.Rebuild(ctx, s.Today())
}

// Prune trims the derived image cache to the configured limit.
func (s *Slideshow) Prune() eviction.PruneResult {
	return s.evictor.PruneIfOverLimit(s.settings.Load().CacheLimit, s.coord.ProtectedKeys())
}

// Clear deletes both indexes and every derived image. It returns
// lifecycle.ErrBuildInProgress while a build is running.
func (s *Slideshow) Clear() error {
	if err := s.coord.Clear(); err != nil {
		return err
	}
	if err := s.evictor.Purge(); err != nil {
		return fmt.Errorf("failed to purge derived images: %w", err)
	}
	return nil
}

// Status reports the current build and cache state.
func (s *Slideshow) Status() Status {
	state := s.coord.State()
	st := Status{
		Phase:          state.Phase.String(),
		StartedAt:      state.StartedAt,
		ManagedEntries: s.evictor.Count(),
		CacheLimit:     s.settings.Load().CacheLimit,
		BuiltFor:       index.Day{}.String(),
	}
	if snap := s.coord.Snapshot(); snap != nil {
		st.Generation = snap.Generation
		st.BuiltFor = snap.BuiltFor.String()
		st.TotalPhotos = snap.FullCount
		st.SameDayPhotos = snap.SameDayCount
		st.ProtectedKeys = snap.Protected.Len()
	}
	return st
}

// Wait blocks until a background build finishes.
func (s *Slideshow) Wait() {
	s.coord.Wait()
}

// Close stops any background build.
func (s *Slideshow) Close() {
	s.coord.Close()
}

// IsRetryable reports whether err means the caller should try again soon.
func IsRetryable(err error) bool {
	return errors.Is(err, lifecycle.ErrBuildInProgress)
}
