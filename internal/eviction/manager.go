// Package eviction bounds the number of derived images on disk.
//
// Entries are evicted oldest-first by build time, except for protected keys,
// which are never evicted. When protection alone keeps the cache above its
// limit, the limit is exceeded.
package eviction

import (
	"container/heap"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Entry is one derived image on disk.
type Entry struct {
	Key     string
	Path    string
	BuiltAt time.Time
}

// PruneResult reports what a prune pass did.
type PruneResult struct {
	Before    int
	After     int
	Removed   int
	Protected int
	Failed    int
}

// Manager tracks the derived images in one directory. It is safe for
// concurrent use.
type Manager struct {
	dir string

	mu      sync.Mutex
	entries map[string]Entry

	// overLimit is set while protection alone holds the cache above its limit.
	overLimit bool
}

// NewManager returns a Manager for the artifacts in dir. Call Load to pick up
// artifacts written by a previous run.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, entries: make(map[string]Entry)}
}

// Dir returns the managed directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Load scans the managed directory and tracks every artifact found. Temp
// files and anything not named like an artifact are ignored. A missing
// directory is not an error.
func (m *Manager) Load() error {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	loaded := 0
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		key, ok := cachekey.FromFilename(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", de.Name()).Msg("Failed to stat cached image, skipping")
			continue
		}
		m.Track(Entry{Key: key, Path: filepath.Join(m.dir, de.Name()), BuiltAt: info.ModTime()})
		loaded++
	}

	log.Info().Str("dir", m.dir).Int("entries", loaded).Msg("Loaded derived image cache")
	return nil
}

// Track records e. Tracking a key that is already tracked keeps the earlier
// entry, so concurrent writers of the same key count once.
func (m *Manager) Track(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Key]; ok {
		return
	}
	m.entries[e.Key] = e
	metrics.ManagedEntries.Set(float64(len(m.entries)))
}

// Count returns the number of tracked entries.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LowWater returns the entry count a prune pass trims down to once limit is
// exceeded. Trimming below the limit leaves headroom, so the next passes are
// skipped until that many new artifacts have been built.
func LowWater(limit int) int {
	return limit - limit/10
}

// PruneIfOverLimit removes the oldest unprotected entries until at most
// LowWater(limit) remain or only protected entries are left. It does nothing
// while the cache is within limit. A limit <= 0 disables pruning.
func (m *Manager) PruneIfOverLimit(limit int, protected cachekey.KeySet) PruneResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := PruneResult{Before: len(m.entries), After: len(m.entries)}
	if limit <= 0 || len(m.entries) <= limit {
		m.overLimit = false
		return res
	}

	unprotected := 0
	for key := range m.entries {
		if protected.Has(key) {
			res.Protected++
		} else {
			unprotected++
		}
	}
	if unprotected == 0 {
		m.warnOverLimit(limit, res)
		return res
	}

	candidates := make(entryHeap, 0, unprotected)
	for _, e := range m.entries {
		if !protected.Has(e.Key) {
			candidates = append(candidates, e)
		}
	}
	heap.Init(&candidates)

	target := LowWater(limit)
	for len(m.entries) > target && candidates.Len() > 0 {
		e := heap.Pop(&candidates).(Entry)
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", e.Path).Msg("Failed to evict cached image")
			res.Failed++
			continue
		}
		delete(m.entries, e.Key)
		res.Removed++
	}
	res.After = len(m.entries)

	metrics.Evictions.Add(float64(res.Removed))
	metrics.ManagedEntries.Set(float64(res.After))

	if res.After > limit {
		m.warnOverLimit(limit, res)
	} else {
		m.overLimit = false
	}
	log.Debug().
		Int("before", res.Before).
		Int("after", res.After).
		Int("removed", res.Removed).
		Msg("Pruned derived image cache")
	return res
}

// warnOverLimit logs once per stretch of time the cache spends above limit
// because of protected entries. Callers hold m.mu.
func (m *Manager) warnOverLimit(limit int, res PruneResult) {
	if m.overLimit {
		return
	}
	m.overLimit = true
	log.Warn().
		Int("limit", limit).
		Int("entries", res.After).
		Int("protected", res.Protected).
		Msg("Cache remains over limit, remaining entries are protected")
}

// Purge removes every tracked artifact and any stray temp files in the
// managed directory.
func (m *Manager) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, e := range m.entries {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(m.entries, key)
	}

	// Artifacts written by other processes are not tracked.
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, de.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	metrics.ManagedEntries.Set(float64(len(m.entries)))
	log.Info().Str("dir", m.dir).Int("remaining", len(m.entries)).Msg("Purged derived image cache")
	return errors.Join(errs...)
}

// entryHeap is a min-heap of entries by build time.
type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].BuiltAt.Equal(h[j].BuiltAt) {
		return h[i].Key < h[j].Key
	}
	return h[i].BuiltAt.Before(h[j].BuiltAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
