package eviction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
)

// seed writes n artifacts built one minute apart, oldest first.
func seed(t *testing.T, m *Manager, n int) []Entry {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		key := cachekey.Key(fmt.Sprintf("/photos/%03d.jpg", i))
		path := filepath.Join(m.Dir(), cachekey.Filename(key))
		if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		e := Entry{Key: key, Path: path, BuiltAt: base.Add(time.Duration(i) * time.Minute)}
		m.Track(e)
		entries = append(entries, e)
	}
	return entries
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPruneRemovesOldestFirst(t *testing.T) {
	m := NewManager(t.TempDir())
	entries := seed(t, m, 5)

	res := m.PruneIfOverLimit(3, cachekey.KeySet{})
	if res.Removed != 2 || res.After != 3 || m.Count() != 3 {
		t.Fatalf("PruneIfOverLimit() = %+v, Count() = %d, want 2 removed, 3 left", res, m.Count())
	}
	for i, e := range entries {
		if want := i >= 2; exists(e.Path) != want {
			t.Errorf("entry %d exists = %v, want %v", i, !want, want)
		}
	}
}

func TestPruneUnderLimitIsNoop(t *testing.T) {
	m := NewManager(t.TempDir())
	seed(t, m, 3)

	for _, limit := range []int{3, 10, 0} {
		if res := m.PruneIfOverLimit(limit, cachekey.KeySet{}); res.Removed != 0 {
			t.Errorf("PruneIfOverLimit(%d) removed %d entries", limit, res.Removed)
		}
	}
}

func TestPruneNeverEvictsProtected(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		protected int
		limit     int
		wantAfter int
	}{
		{"protected within limit", 6, 2, 4, 4},
		{"protected exceed limit", 6, 4, 2, 4},
		{"everything protected", 3, 3, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(t.TempDir())
			entries := seed(t, m, tt.total)

			// Protect the oldest entries, the first ones eviction would pick.
			var b cachekey.KeySetBuilder
			for _, e := range entries[:tt.protected] {
				b.AddKey(e.Key)
			}
			protected := b.Build()

			res := m.PruneIfOverLimit(tt.limit, protected)
			if res.After != tt.wantAfter {
				t.Errorf("After = %d, want %d", res.After, tt.wantAfter)
			}
			for _, e := range entries[:tt.protected] {
				if !exists(e.Path) {
					t.Errorf("protected entry %s was evicted", e.Key)
				}
			}
		})
	}
}

func TestPruneTrimsToLowWater(t *testing.T) {
	m := NewManager(t.TempDir())
	entries := seed(t, m, 21)

	res := m.PruneIfOverLimit(20, cachekey.KeySet{})
	if res.After != LowWater(20) || res.Removed != 3 {
		t.Fatalf("PruneIfOverLimit() = %+v, want 3 removed down to %d", res, LowWater(20))
	}
	for _, e := range entries[:3] {
		if exists(e.Path) {
			t.Errorf("oldest entry %s survived", e.Key)
		}
	}

	// The headroom absorbs new artifacts without another pass.
	for i := 0; i < 2; i++ {
		key := cachekey.Key(fmt.Sprintf("/photos/new-%d.jpg", i))
		path := filepath.Join(m.Dir(), cachekey.Filename(key))
		if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		m.Track(Entry{Key: key, Path: path, BuiltAt: time.Now()})
		if res := m.PruneIfOverLimit(20, cachekey.KeySet{}); res.Removed != 0 {
			t.Errorf("pass %d removed %d entries while within the limit", i, res.Removed)
		}
	}
}

func TestLowWater(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{1, 1},
		{9, 9},
		{10, 9},
		{2000, 1800},
	}
	for _, tt := range tests {
		if got := LowWater(tt.limit); got != tt.want {
			t.Errorf("LowWater(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestPruneAllProtectedWarnsOnce(t *testing.T) {
	m := NewManager(t.TempDir())
	entries := seed(t, m, 4)
	var b cachekey.KeySetBuilder
	for _, e := range entries {
		b.AddKey(e.Key)
	}
	protected := b.Build()

	for i := 0; i < 3; i++ {
		res := m.PruneIfOverLimit(2, protected)
		if res.Removed != 0 || res.After != 4 || res.Protected != 4 {
			t.Fatalf("pass %d = %+v, want nothing removed", i, res)
		}
		if !m.overLimit {
			t.Fatalf("pass %d did not record the over-limit state", i)
		}
	}

	// Releasing protection ends the episode.
	if res := m.PruneIfOverLimit(2, cachekey.KeySet{}); res.After != 2 {
		t.Errorf("After = %d once unprotected, want 2", res.After)
	}
	if m.overLimit {
		t.Error("over-limit state still set after the cache came back within the limit")
	}
}

func TestTrackIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())
	e := Entry{Key: "abc", Path: filepath.Join(m.Dir(), "abc.jpg"), BuiltAt: time.Now()}
	m.Track(e)
	m.Track(e)
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestPruneMissingFileCountsAsRemoved(t *testing.T) {
	m := NewManager(t.TempDir())
	entries := seed(t, m, 3)
	if err := os.Remove(entries[0].Path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := m.PruneIfOverLimit(2, cachekey.KeySet{})
	if res.Removed != 1 || m.Count() != 2 {
		t.Errorf("PruneIfOverLimit() = %+v, want the vanished entry dropped", res)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	key := cachekey.Key("/photos/a.jpg")
	for _, name := range []string{cachekey.Filename(key), ".tmp-123.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	m := NewManager(dir)
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}

	if err := NewManager(filepath.Join(dir, "missing")).Load(); err != nil {
		t.Errorf("Load() on a missing directory error = %v", err)
	}
}

func TestPurge(t *testing.T) {
	m := NewManager(t.TempDir())
	entries := seed(t, m, 3)
	stray := filepath.Join(m.Dir(), ".tmp-1.jpg")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := m.Purge(); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after Purge(), want 0", m.Count())
	}
	for _, p := range []string{entries[0].Path, stray} {
		if exists(p) {
			t.Errorf("%s survived Purge()", p)
		}
	}
}
