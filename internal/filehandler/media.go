// Package filehandler reads original photos from disk.
//
// It owns everything that touches an original file: recognising supported
// formats, walking a photo tree, reading embedded metadata with
// evanoberholster/imagemeta, resolving a photo's calendar date and rendering
// the resized, re-encoded JPEG that the derived cache persists. Originals are
// only ever opened for reading.
package filehandler

import (
	"path/filepath"
	"strings"
)

// SupportedImageExtensions defines the file extensions that are indexed and served.
var SupportedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".heic": true,
	".heif": true,
}

// IsImage returns true if the file extension corresponds to a supported image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// IsSupportedPath returns true if the file at path has a supported image extension.
func IsSupportedPath(path string) bool {
	return IsImage(filepath.Ext(path))
}

// isHEIC reports whether the file needs conversion before it can be decoded.
func isHEIC(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".heic", ".heif":
		return true
	}
	return false
}
