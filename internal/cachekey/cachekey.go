// Package cachekey derives the stable hash that addresses derived artifacts.
//
// The key of a photo is the lowercase hexadecimal MD5 digest of its absolute
// path. Artifacts are stored as <key>.jpg, so any tooling that locates cached
// images by path depends on this exact naming.
package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ArtifactExt is the extension of every derived artifact on disk.
const ArtifactExt = ".jpg"

// Key returns the stable hash of a photo path.
func Key(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Filename returns the artifact filename for a key.
func Filename(key string) string {
	return key + ArtifactExt
}

// FromFilename extracts the key from an artifact filename.
// ok is false for files that are not artifacts (temp files, dot files,
// other extensions).
func FromFilename(name string) (key string, ok bool) {
	name = filepath.Base(name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ArtifactExt) {
		return "", false
	}
	key = strings.TrimSuffix(name, ArtifactExt)
	if key == "" {
		return "", false
	}
	return key, true
}

// KeySet is an immutable set of keys. The zero value is an empty set.
// A KeySet must not be modified after it has been published; build a new
// one with a KeySetBuilder instead.
type KeySet struct {
	keys map[string]struct{}
}

// Has reports whether key is in the set.
func (s KeySet) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of keys in the set.
func (s KeySet) Len() int {
	return len(s.keys)
}

// KeySetBuilder accumulates keys for a new KeySet.
type KeySetBuilder struct {
	keys map[string]struct{}
}

// Add adds the key of path to the set under construction.
func (b *KeySetBuilder) Add(path string) {
	b.AddKey(Key(path))
}

// AddKey adds a precomputed key.
func (b *KeySetBuilder) AddKey(key string) {
	if b.keys == nil {
		b.keys = make(map[string]struct{})
	}
	b.keys[key] = struct{}{}
}

// Build returns the finished set. The builder must not be used afterwards.
func (b *KeySetBuilder) Build() KeySet {
	s := KeySet{keys: b.keys}
	b.keys = nil
	return s
}
