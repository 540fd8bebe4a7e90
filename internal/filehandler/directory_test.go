package filehandler

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWalkImages(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"a.jpg",
		"b.PNG",
		"notes.txt",
		"2020/c.jpeg",
		"2020/deep/d.webp",
		"thumbnails/skip.jpg",
		"Cache/skip.jpg",
		".hidden/skip.jpg",
		"@__thumb/skip.jpg",
		"instance/skip.jpg",
	} {
		writeFile(t, filepath.Join(root, rel), []byte("x"))
	}
	if err := os.Symlink(filepath.Join(root, "2020"), filepath.Join(root, "loop")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	var got []string
	err := WalkImages(root, WalkOptions{SkipPaths: []string{filepath.Join(root, "instance")}}, func(path string) error {
		rel, _ := filepath.Rel(root, path)
		got = append(got, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkImages() error = %v", err)
	}

	want := []string{"2020/c.jpeg", "2020/deep/d.webp", "a.jpg", "b.PNG"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WalkImages() visited %v, want %v", got, want)
	}
}

func TestWalkImagesMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.jpg"), []byte("x"))
	writeFile(t, filepath.Join(root, "sub/nested.jpg"), []byte("x"))

	var count int
	err := WalkImages(root, WalkOptions{MaxDepth: 1}, func(string) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("WalkImages() error = %v", err)
	}
	if count != 1 {
		t.Errorf("visited %d files, want 1", count)
	}
}

func TestWalkImagesStopsOnCallbackError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), []byte("x"))
	writeFile(t, filepath.Join(root, "b.jpg"), []byte("x"))

	stop := errors.New("stop")
	calls := 0
	err := WalkImages(root, WalkOptions{}, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("WalkImages() error = %v, want wrapped stop", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestWalkImagesMissingRoot(t *testing.T) {
	err := WalkImages(filepath.Join(t.TempDir(), "missing"), WalkOptions{}, func(string) error { return nil })
	if err == nil {
		t.Error("WalkImages() on a missing root should fail")
	}
}
