// Package derived stores display-ready JPEGs of source photos.
//
// An artifact is addressed by the stable hash of the source path and written
// as <dir>/<key>.jpg. Artifacts are written to a temp file and renamed into
// place, so a reader sees either no artifact or a complete one.
package derived

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
	"github.com/fpang/photomatic/internal/eviction"
	"github.com/fpang/photomatic/internal/filehandler"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Request describes the artifact to build on a miss. Hits are served as
// stored regardless of the request.
type Request struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	Overlays  filehandler.Overlays

	// Caption, when set, computes the overlays from the source path on a
	// miss and replaces Overlays. Hits never call it.
	Caption func(source string) filehandler.Overlays
}

// Artifact is the result of FetchOrBuild.
type Artifact struct {
	Key         string
	Path        string
	Data        []byte
	ContentType string

	// Hit is true when Data came from disk.
	Hit bool
	// Persisted is true when Data is on disk after the call.
	Persisted bool
}

// RenderFunc produces encoded image bytes. filehandler.Render in production.
type RenderFunc func(path string, opts filehandler.RenderOptions) (*filehandler.Rendered, error)

// Options configures a Cache.
type Options struct {
	Dir string

	// Evictor is told about every new artifact and asked to prune after it.
	// Nil disables eviction.
	Evictor *eviction.Manager

	// Protected returns the keys that must survive pruning.
	Protected func() cachekey.KeySet

	// Limit is the artifact count above which pruning starts. 0 disables.
	Limit int

	// Render defaults to filehandler.Render.
	Render RenderFunc
}

// Cache serves and builds derived images. It is safe for concurrent use.
type Cache struct {
	dir       string
	evictor   *eviction.Manager
	protected func() cachekey.KeySet
	render    RenderFunc
	limit     atomic.Int64
}

// New returns a Cache writing artifacts under opts.Dir.
func New(opts Options) *Cache {
	c := &Cache{
		dir:       opts.Dir,
		evictor:   opts.Evictor,
		protected: opts.Protected,
		render:    opts.Render,
	}
	if c.render == nil {
		c.render = filehandler.Render
	}
	if c.protected == nil {
		c.protected = func() cachekey.KeySet { return cachekey.KeySet{} }
	}
	c.limit.Store(int64(opts.Limit))
	return c
}

// SetLimit changes the prune threshold for later builds.
func (c *Cache) SetLimit(limit int) {
	c.limit.Store(int64(limit))
}

// PathFor returns where the artifact for source would be stored.
func (c *Cache) PathFor(source string) string {
	return filepath.Join(c.dir, cachekey.Filename(cachekey.Key(source)))
}

// FetchOrBuild returns the artifact for source, building and persisting it
// on a miss. A decode or encode failure returns an error wrapping
// filehandler.ErrProcessing and persists nothing. A failure to persist is
// logged and the built bytes are still returned.
func (c *Cache) FetchOrBuild(source string, req Request) (*Artifact, error) {
	key := cachekey.Key(source)
	path := filepath.Join(c.dir, cachekey.Filename(key))

	data, err := os.ReadFile(path)
	if err == nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		log.Debug().Str("key", key).Str("source", source).Msg("Derived image cache hit")
		return &Artifact{Key: key, Path: path, Data: data, ContentType: "image/jpeg", Hit: true, Persisted: true}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read cached image, rebuilding")
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	overlays := req.Overlays
	if req.Caption != nil {
		overlays = req.Caption(source)
	}

	start := time.Now()
	out, err := c.render(source, filehandler.RenderOptions{
		MaxWidth:  req.MaxWidth,
		MaxHeight: req.MaxHeight,
		Quality:   req.Quality,
		Overlays:  overlays,
	})
	if err != nil {
		metrics.RenderFailures.Inc()
		return nil, err
	}
	metrics.RenderDuration.Observe(time.Since(start).Seconds())

	log.Info().
		Str("key", key).
		Str("source", source).
		Int("width", out.Width).
		Int("height", out.Height).
		Int("bytes", len(out.Data)).
		Dur("duration", time.Since(start)).
		Msg("Built derived image")

	art := &Artifact{Key: key, Path: path, Data: out.Data, ContentType: out.ContentType}

	builtAt, err := c.persist(key, path, out.Data)
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Warn().Err(err).Str("path", path).Msg("Failed to persist derived image, serving uncached")
		return art, nil
	}
	art.Persisted = true

	if c.evictor != nil {
		c.evictor.Track(eviction.Entry{Key: key, Path: path, BuiltAt: builtAt})
		c.evictor.PruneIfOverLimit(int(c.limit.Load()), c.protected())
	}
	return art, nil
}

// persist writes data to path through a dot-prefixed temp file in the same
// directory. Concurrent writers of one key each rename a complete file, so
// the last one wins and every reader sees valid bytes.
func (c *Cache) persist(key, path string, data []byte) (time.Time, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return time.Time{}, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "."+key+"-*.tmp")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return time.Time{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return time.Time{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return time.Time{}, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return time.Now(), nil
}
