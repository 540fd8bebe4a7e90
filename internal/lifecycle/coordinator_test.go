package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fpang/photomatic/internal/cachekey"
	"github.com/fpang/photomatic/internal/index"
)

var (
	day1 = index.Day{Year: 2024, Month: time.March, Day: 1}
	day2 = index.Day{Year: 2024, Month: time.March, Day: 2}
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// gatedBuild wraps index.Build so tests can hold a build open.
type gatedBuild struct {
	started chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
	err     error
}

func newGatedBuild() *gatedBuild {
	return &gatedBuild{started: make(chan struct{}, 10), release: make(chan struct{})}
}

func (g *gatedBuild) Build(ctx context.Context, opts index.Options) (*index.Result, error) {
	g.mu.Lock()
	g.calls++
	err := g.err
	g.mu.Unlock()

	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return index.Build(ctx, opts)
}

func (g *gatedBuild) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestCoordinator(t *testing.T, build BuildFunc) (*Coordinator, string, string) {
	t.Helper()
	root := t.TempDir()
	cacheDir := t.TempDir()
	writeFile(t, filepath.Join(root, "IMG_20200301.jpg"), []byte("x"))
	writeFile(t, filepath.Join(root, "IMG_20200615.jpg"), []byte("x"))
	c := New(Options{RootDir: root, CacheDir: cacheDir, Build: build})
	t.Cleanup(c.Close)
	return c, root, cacheDir
}

func TestEnsureFreshStartsOneBuild(t *testing.T) {
	g := newGatedBuild()
	c, _, _ := newTestCoordinator(t, g.Build)

	if got := c.EnsureFresh(day1); got != Started {
		t.Fatalf("first EnsureFresh() = %v, want started", got)
	}
	<-g.started

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.EnsureFresh(day1); got != InProgress {
				t.Errorf("concurrent EnsureFresh() = %v, want building", got)
			}
		}()
	}
	wg.Wait()

	if c.State().Phase != Building {
		t.Errorf("State().Phase = %v, want building", c.State().Phase)
	}

	close(g.release)
	c.Wait()

	if g.Calls() != 1 {
		t.Errorf("build ran %d times, want 1", g.Calls())
	}
	if got := c.EnsureFresh(day1); got != Fresh {
		t.Errorf("EnsureFresh() after build = %v, want fresh", got)
	}
	if c.State().Phase != Idle {
		t.Errorf("State().Phase = %v, want idle", c.State().Phase)
	}

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot published")
	}
	if snap.FullCount != 2 || snap.SameDayCount != 1 || snap.BuiltFor != day1 {
		t.Errorf("snapshot = %+v, want 2 photos, 1 same-day, built for %v", snap, day1)
	}
	if c.ProtectedKeys().Len() != 1 {
		t.Errorf("ProtectedKeys().Len() = %d, want 1", c.ProtectedKeys().Len())
	}
}

func TestEnsureFreshRebuildsOnDayChange(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	if _, err := c.Rebuild(context.Background(), day1); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	first := c.Snapshot()

	if got := c.EnsureFresh(day2); got != Started {
		t.Fatalf("EnsureFresh(next day) = %v, want started", got)
	}
	c.Wait()

	second := c.Snapshot()
	if second.Generation <= first.Generation {
		t.Errorf("generation %d did not advance past %d", second.Generation, first.Generation)
	}
	if second.BuiltFor != day2 || second.SameDayCount != 0 {
		t.Errorf("snapshot = %+v, want built for %v with no same-day photos", second, day2)
	}
}

func TestRebuildWhileBuilding(t *testing.T) {
	g := newGatedBuild()
	c, _, _ := newTestCoordinator(t, g.Build)

	c.EnsureFresh(day1)
	<-g.started

	if _, err := c.Rebuild(context.Background(), day1); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("Rebuild() error = %v, want ErrBuildInProgress", err)
	}
	if err := c.Clear(); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("Clear() error = %v, want ErrBuildInProgress", err)
	}
	close(g.release)
	c.Wait()
}

func TestFailedBuildKeepsPreviousSnapshot(t *testing.T) {
	g := newGatedBuild()
	close(g.release)
	c, _, _ := newTestCoordinator(t, g.Build)

	if _, err := c.Rebuild(context.Background(), day1); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	<-g.started
	before := c.Snapshot()

	g.mu.Lock()
	g.err = errors.New("disk full")
	g.mu.Unlock()

	if _, err := c.Rebuild(context.Background(), day2); err == nil {
		t.Fatal("Rebuild() should fail")
	}
	<-g.started

	if c.Snapshot() != before {
		t.Error("failed build replaced the published snapshot")
	}
	if c.State().Phase != Idle {
		t.Errorf("State().Phase = %v after failure, want idle", c.State().Phase)
	}
	if got := c.EnsureFresh(day2); got != Started {
		t.Errorf("EnsureFresh() after failure = %v, want a retry", got)
	}
	<-g.started
	c.Wait()
}

func TestOnPublish(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	var got []uint64
	c.OnPublish(func(s *Snapshot) { got = append(got, s.Generation) })

	for _, d := range []index.Day{day1, day2} {
		if _, err := c.Rebuild(context.Background(), d); err != nil {
			t.Fatalf("Rebuild() error = %v", err)
		}
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("hook saw generations %v, want [1 2]", got)
	}
}

func TestOnPublishHookMayRegisterHooks(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	var late []uint64
	registered := false
	c.OnPublish(func(s *Snapshot) {
		if !registered {
			registered = true
			c.OnPublish(func(s *Snapshot) { late = append(late, s.Generation) })
		}
	})

	for _, d := range []index.Day{day1, day2} {
		if _, err := c.Rebuild(context.Background(), d); err != nil {
			t.Fatalf("Rebuild() error = %v", err)
		}
	}
	// Hooks run on a copy taken under the lock, so the one added during
	// the first publish only sees the second.
	if len(late) != 1 || late[0] != 2 {
		t.Errorf("late hook saw generations %v, want [2]", late)
	}
}

func TestAdopt(t *testing.T) {
	cacheDir := t.TempDir()
	writeFile(t, index.FullPath(cacheDir), []byte("/p/a.jpg\n/p/b.jpg\n/p/c.jpg\n"))
	writeFile(t, index.SameDayPath(cacheDir), []byte("/p/b.jpg\n"))

	c := New(Options{RootDir: t.TempDir(), CacheDir: cacheDir})
	t.Cleanup(c.Close)

	ok, err := c.Adopt()
	if err != nil || !ok {
		t.Fatalf("Adopt() = %v, %v, want true", ok, err)
	}
	snap := c.Snapshot()
	if snap.FullCount != 3 || snap.SameDayCount != 1 {
		t.Errorf("adopted counts = %d/%d, want 3/1", snap.FullCount, snap.SameDayCount)
	}
	if !snap.BuiltFor.IsZero() || snap.FreshFor(day1) {
		t.Error("adopted snapshot must be stale")
	}
	if !c.ProtectedKeys().Has(cachekey.Key("/p/b.jpg")) {
		t.Error("adopted same-day entry is not protected")
	}

	if ok, _ := c.Adopt(); ok {
		t.Error("second Adopt() should be a no-op")
	}
}

func TestAdoptWithoutFiles(t *testing.T) {
	c := New(Options{RootDir: t.TempDir(), CacheDir: t.TempDir()})
	t.Cleanup(c.Close)

	ok, err := c.Adopt()
	if err != nil || ok {
		t.Errorf("Adopt() = %v, %v, want false, nil", ok, err)
	}
	if c.Snapshot() != nil {
		t.Error("snapshot published without index files")
	}
}

func TestClear(t *testing.T) {
	c, _, cacheDir := newTestCoordinator(t, nil)
	if _, err := c.Rebuild(context.Background(), day1); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if c.Snapshot() != nil {
		t.Error("snapshot still published after Clear()")
	}
	for _, p := range []string{index.FullPath(cacheDir), index.SameDayPath(cacheDir)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Clear()", p)
		}
	}
	if got := c.EnsureFresh(day1); got != Started {
		t.Errorf("EnsureFresh() after Clear() = %v, want started", got)
	}
	c.Wait()
}

func TestCloseCancelsBuild(t *testing.T) {
	g := newGatedBuild()
	c, _, _ := newTestCoordinator(t, g.Build)

	c.EnsureFresh(day1)
	<-g.started
	c.Close()

	if c.Snapshot() != nil {
		t.Error("cancelled build published a snapshot")
	}
	if got := c.EnsureFresh(day1); got == Started {
		t.Error("EnsureFresh() started a build after Close()")
	}
}
