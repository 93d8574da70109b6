// Package cache provides the on-disk state used between runs: snapshot
// manifests, downloaded artifacts and atomic file writes.
//
// Layout under a store root:
//   - Snapshots and other JSON documents: <root>/<name>.json
//   - Content-addressed blobs:            <root>/blobs/aa/bb/<sha256>
//
// The default root is "tmp/.jarpatch" unless the caller overrides it. The
// store for one path (a baseline directory, a versions manifest) lives at
// <root>/<pathKey>/.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultCacheRoot = "tmp/.jarpatch"
	blobsDirName     = "blobs"
)

// ErrInvalidHash is returned for blob operations on malformed digests.
var ErrInvalidHash = errors.New("cache: invalid blob hash")

// PathKey returns a short, stable identifier for an absolute path.
// We use sha256(absPath) and keep the first 12 hex chars.
func PathKey(abs string) string {
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:12]
}

// Dir resolves the store directory for an absolute path or URL.
// If root is empty, it falls back to "tmp/.jarpatch".
func Dir(root, key string) string {
	if root == "" {
		root = defaultCacheRoot
	}
	return filepath.Join(root, PathKey(key))
}

// HashBytes returns the lowercase hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store is a directory holding JSON documents and blobs.
type Store struct {
	root string
}

// Open returns a store rooted at dir. The directory is created lazily.
func Open(dir string) *Store {
	if dir == "" {
		dir = defaultCacheRoot
	}
	return &Store{root: dir}
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// LoadSnapshot reads <root>/<name>.json. A missing document yields (nil, nil)
// so callers can treat it as "no previous snapshot".
func (s *Store) LoadSnapshot(name string) (*Snapshot, error) {
	var snap Snapshot
	ok, err := s.LoadJSON(name, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot writes snap atomically to <root>/<name>.json.
func (s *Store) SaveSnapshot(name string, snap *Snapshot) error {
	return s.SaveJSON(name, snap)
}

// LoadJSON decodes <root>/<name>.json into v and reports whether it existed.
func (s *Store) LoadJSON(name string, v any) (bool, error) {
	b, err := os.ReadFile(s.docPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", name, err)
	}
	return true, nil
}

// SaveJSON encodes v with two-space indentation and writes it atomically.
func (s *Store) SaveJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.docPath(name), append(b, '\n'), 0o644)
}

// Clear removes the entire store directory. Safe to call when it is absent.
func (s *Store) Clear() error {
	if s.root == "" {
		return nil
	}
	if _, err := os.Stat(s.root); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(s.root)
}

// PutBlob stores data under its sha256 and returns the digest.
// Storing an existing blob is a no-op.
func (s *Store) PutBlob(data []byte) (string, error) {
	hash := HashBytes(data)
	p := s.blobPath(hash)
	if _, err := os.Stat(p); err == nil {
		return hash, nil
	}
	if err := WriteFileAtomic(p, data, 0o644); err != nil {
		return "", err
	}
	return hash, nil
}

// Blob loads a blob by digest and verifies its content still matches.
func (s *Store) Blob(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, ErrInvalidHash
	}
	b, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		return nil, err
	}
	if got := HashBytes(b); got != strings.ToLower(hash) {
		return nil, fmt.Errorf("cache: blob %s is damaged (content hashes to %s)", hash, got)
	}
	return b, nil
}

// HasBlob checks for the existence of a blob.
func (s *Store) HasBlob(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

func (s *Store) docPath(name string) string {
	return filepath.Join(s.root, name+".json")
}

// blobPath shards by the first two bytes of the digest.
func (s *Store) blobPath(hash string) string {
	h := strings.ToLower(hash)
	return filepath.Join(s.root, blobsDirName, h[:2], h[2:4], h)
}

// WriteFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path, so readers never observe a partially-written file. Parent
// directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeVia(dir, filepath.Base(path), perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, path)
}

func writeVia(dir, base string, perm os.FileMode, fill func(io.Writer) error, final string) error {
	f, err := os.CreateTemp(dir, ".tmp-"+base+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := fill(f); err != nil {
		return fail(err)
	}
	if err := f.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// validHash accepts lowercase hex digests of at least six characters.
func validHash(s string) bool {
	if len(s) < 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
