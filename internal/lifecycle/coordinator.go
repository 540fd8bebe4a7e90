// Package lifecycle decides when the photo indexes are rebuilt and publishes
// the result to readers.
//
// A Coordinator allows at most one build at a time. Readers never block on a
// build: they load the last published Snapshot, which stays authoritative
// until a newer build succeeds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
	"github.com/fpang/photomatic/internal/index"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ErrBuildInProgress is returned when an operation needs the indexes while a
// build is running. Callers should retry shortly.
var ErrBuildInProgress = errors.New("index build in progress")

// Phase is the build phase of a Coordinator.
type Phase int

const (
	Idle Phase = iota
	Building
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Building:
		return "building"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// BuildState is the coordinator's build status.
type BuildState struct {
	Phase     Phase
	StartedAt time.Time
}

// Snapshot is one published pair of indexes. Snapshots are immutable.
type Snapshot struct {
	Generation   uint64
	FullPath     string
	SameDayPath  string
	FullCount    int
	SameDayCount int

	// BuiltFor is the day the same-day index was computed for. It is zero
	// for indexes adopted from a previous run.
	BuiltFor  index.Day
	Protected cachekey.KeySet
	BuiltAt   time.Time
}

// FreshFor reports whether s was built for today.
func (s *Snapshot) FreshFor(today index.Day) bool {
	return s != nil && !s.BuiltFor.IsZero() && s.BuiltFor == today
}

// Freshness is the outcome of EnsureFresh.
type Freshness int

const (
	// Fresh means the published snapshot was built for the requested day.
	Fresh Freshness = iota
	// InProgress means a build was already running.
	InProgress
	// Started means the call launched a background build.
	Started
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case InProgress:
		return "building"
	case Started:
		return "started"
	default:
		return fmt.Sprintf("freshness(%d)", int(f))
	}
}

// BuildFunc builds the indexes. index.Build in production.
type BuildFunc func(ctx context.Context, opts index.Options) (*index.Result, error)

// Options configures a Coordinator.
type Options struct {
	RootDir  string
	CacheDir string

	// Lines is seeded with the layout of every published index.
	Lines *index.LineReader

	// Build defaults to index.Build.
	Build BuildFunc

	// Resolve is passed through to the builder. Nil uses the default.
	Resolve index.DateResolver
}

// Coordinator owns the build state and the published snapshot.
type Coordinator struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      BuildState
	generation uint64
	hooks      []func(*Snapshot)

	snap atomic.Pointer[Snapshot]
}

// New returns an idle Coordinator with nothing published.
func New(opts Options) *Coordinator {
	if opts.Build == nil {
		opts.Build = index.Build
	}
	if opts.Lines == nil {
		opts.Lines = index.NewLineReader(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{opts: opts, ctx: ctx, cancel: cancel}
}

// Lines returns the line reader the coordinator seeds.
func (c *Coordinator) Lines() *index.LineReader {
	return c.opts.Lines
}

// Snapshot returns the published snapshot, or nil if there is none.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snap.Load()
}

// ProtectedKeys returns the protected key set of the published snapshot.
func (c *Coordinator) ProtectedKeys() cachekey.KeySet {
	if s := c.snap.Load(); s != nil {
		return s.Protected
	}
	return cachekey.KeySet{}
}

// State returns the current build state.
func (c *Coordinator) State() BuildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnPublish registers fn to be called after every successful publish.
func (c *Coordinator) OnPublish(fn func(*Snapshot)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// EnsureFresh starts a background build unless the published snapshot was
// built for today or a build is already running. It never blocks on a build.
func (c *Coordinator) EnsureFresh(today index.Day) Freshness {
	if c.snap.Load().FreshFor(today) {
		return Fresh
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == Building {
		return InProgress
	}
	// A build may have published between the load above and the lock.
	if c.snap.Load().FreshFor(today) {
		return Fresh
	}
	if c.ctx.Err() != nil {
		return InProgress
	}

	c.state = BuildState{Phase: Building, StartedAt: time.Now()}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.build(c.ctx, today); err != nil {
			log.Error().Err(err).Str("today", today.String()).Msg("Background index build failed")
		}
	}()

	log.Info().Str("today", today.String()).Msg("Started background index build")
	return Started
}

// Rebuild runs a build synchronously. It returns ErrBuildInProgress if a
// build is already running.
func (c *Coordinator) Rebuild(ctx context.Context, today index.Day) (*Snapshot, error) {
	c.mu.Lock()
	if c.state.Phase == Building {
		c.mu.Unlock()
		return nil, ErrBuildInProgress
	}
	c.state = BuildState{Phase: Building, StartedAt: time.Now()}
	c.mu.Unlock()

	return c.build(ctx, today)
}

// build runs with the state already set to Building and always returns it
// to Idle.
func (c *Coordinator) build(ctx context.Context, today index.Day) (*Snapshot, error) {
	res, err := c.opts.Build(ctx, index.Options{
		RootDir:  c.opts.RootDir,
		CacheDir: c.opts.CacheDir,
		Today:    today,
		Resolve:  c.opts.Resolve,
	})
	if err != nil {
		c.mu.Lock()
		c.state = BuildState{Phase: Idle}
		c.mu.Unlock()
		metrics.IndexBuilds.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to build indexes: %w", err)
	}

	metrics.IndexBuilds.WithLabelValues("success").Inc()
	metrics.IndexBuildDuration.Observe(res.Duration.Seconds())
	metrics.SkippedFiles.Add(float64(res.Skipped))

	c.seed(res.FullPath, res.Full)
	c.seed(res.SameDayPath, res.SameDay)

	snap := c.publish(false, func(gen uint64) *Snapshot {
		return &Snapshot{
			Generation:   gen,
			FullPath:     res.FullPath,
			SameDayPath:  res.SameDayPath,
			FullCount:    res.Full.Count,
			SameDayCount: res.SameDay.Count,
			BuiltFor:     res.BuiltFor,
			Protected:    res.Protected,
			BuiltAt:      time.Now(),
		}
	})
	return snap, nil
}

func (c *Coordinator) seed(path string, lines index.Lines) {
	if err := c.opts.Lines.Seed(path, lines); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to seed index layout, it will be rescanned")
	}
}

// publish stores a new snapshot and runs hooks. With adopt set it leaves
// the build state alone and does nothing if a snapshot already exists.
func (c *Coordinator) publish(adopt bool, mk func(gen uint64) *Snapshot) *Snapshot {
	c.mu.Lock()
	if adopt && c.snap.Load() != nil {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	snap := mk(c.generation)
	c.snap.Store(snap)
	if !adopt {
		c.state = BuildState{Phase: Idle}
	}
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	metrics.IndexedPhotos.WithLabelValues("all").Set(float64(snap.FullCount))
	metrics.IndexedPhotos.WithLabelValues("same_day").Set(float64(snap.SameDayCount))
	metrics.ProtectedKeys.Set(float64(snap.Protected.Len()))

	log.Info().
		Uint64("generation", snap.Generation).
		Int("total_photos", snap.FullCount).
		Int("same_day_photos", snap.SameDayCount).
		Int("protected", snap.Protected.Len()).
		Str("built_for", snap.BuiltFor.String()).
		Msg("Published photo indexes")

	for _, fn := range hooks {
		fn(snap)
	}
	return snap
}

// Adopt publishes index files left by a previous run as a stale snapshot, so
// photos can be served while the first rebuild runs. It reports whether
// anything was adopted. Missing files are not an error.
func (c *Coordinator) Adopt() (bool, error) {
	if c.snap.Load() != nil {
		return false, nil
	}

	fullPath := index.FullPath(c.opts.CacheDir)
	samePath := index.SameDayPath(c.opts.CacheDir)
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat index: %w", err)
	}

	fullCount, err := c.opts.Lines.Count(fullPath)
	if err != nil {
		return false, fmt.Errorf("failed to count full index: %w", err)
	}

	protected, sameCount, err := index.ProtectedFromFile(samePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	snap := c.publish(true, func(gen uint64) *Snapshot {
		return &Snapshot{
			Generation:   gen,
			FullPath:     fullPath,
			SameDayPath:  samePath,
			FullCount:    fullCount,
			SameDayCount: sameCount,
			Protected:    protected,
		}
	})
	return snap != nil, nil
}

// Clear removes both index files and unpublishes the snapshot. It refuses
// while a build is running.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == Building {
		return ErrBuildInProgress
	}

	if err := index.Remove(c.opts.CacheDir); err != nil {
		return fmt.Errorf("failed to remove indexes: %w", err)
	}
	c.snap.Store(nil)
	c.opts.Lines.Forget(index.FullPath(c.opts.CacheDir))
	c.opts.Lines.Forget(index.SameDayPath(c.opts.CacheDir))

	metrics.IndexedPhotos.Reset()
	metrics.ProtectedKeys.Set(0)

	log.Info().Str("cache_dir", c.opts.CacheDir).Msg("Cleared photo indexes")
	return nil
}

// Wait blocks until any background build has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels a running background build and waits for it to stop.
// EnsureFresh never starts another build afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
