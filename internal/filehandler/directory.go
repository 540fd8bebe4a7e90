package filehandler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// IgnoredDirNames are directory names never descended into, compared
// case-insensitively. Photo managers and NAS boxes litter trees with these.
var IgnoredDirNames = map[string]bool{
	"thumbnails":  true,
	"cache":       true,
	".git":        true,
	"__pycache__": true,
	"@__thumb":    true,
}

// WalkOptions configures WalkImages.
type WalkOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// SkipPaths are absolute directories to prune, e.g. a cache directory
	// that happens to live inside the photo root.
	SkipPaths []string
}

// WalkFunc is called once per supported image, in walk order.
// Returning an error stops the walk and is returned by WalkImages.
type WalkFunc func(path string) error

// WalkImages streams every supported image under dirPath to fn without
// collecting them. Paths are absolute. Order is filepath.WalkDir's lexical
// order, so two walks of an unchanged tree agree.
//
// Unreadable directories and entries are logged and skipped. Symlinks to
// files are followed; symlinks to directories are skipped to prevent loops.
func WalkImages(dirPath string, opts WalkOptions, fn WalkFunc) error {
	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory not found: %s", dirPath)
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dirPath)
	}

	// Absolute paths give stable cache keys and consistent depth calculation
	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = true
		}
	}

	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			if d != nil && d.IsDir() && path != absPath {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == absPath {
				return nil
			}
			if skip[path] || isIgnoredDir(d.Name()) {
				log.Debug().Str("path", path).Msg("Skipping ignored directory")
				return fs.SkipDir
			}
			if opts.MaxDepth > 0 {
				if strings.Count(path, string(os.PathSeparator))-baseDepth >= opts.MaxDepth {
					return fs.SkipDir
				}
			}
			return nil
		}

		if !IsSupportedPath(d.Name()) {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			targetInfo, err := os.Stat(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to resolve symlink, skipping")
				return nil
			}
			if targetInfo.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink to directory")
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		return fn(path)
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}
	return nil
}

func isIgnoredDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return IgnoredDirNames[strings.ToLower(name)]
}
