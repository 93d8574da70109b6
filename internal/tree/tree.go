// Package tree models a source tree as an ordered mapping from relative path
// to file content, and moves trees between memory and disk.
package tree

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"jarpatch/internal/cache"
)

// ErrBadPath is returned for paths that are absolute, empty or escape the
// tree root.
var ErrBadPath = errors.New("tree: invalid relative path")

// Tree is a mapping from forward-slash relative path to file content.
// Provenance records, per path, the sequence number of the last modification
// that touched it; zero means the content comes from the baseline.
type Tree struct {
	files      map[string][]byte
	provenance map[string]int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{files: map[string][]byte{}, provenance: map[string]int{}}
}

// CleanPath normalizes p to the canonical tree form and rejects anything
// outside the root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	return c, nil
}

// Put stores content at p, replacing any previous content.
func (t *Tree) Put(p string, content []byte) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	t.files[c] = content
	return nil
}

// Get returns the content at p.
func (t *Tree) Get(p string) ([]byte, bool) {
	c, err := CleanPath(p)
	if err != nil {
		return nil, false
	}
	b, ok := t.files[c]
	return b, ok
}

// Has reports whether p exists.
func (t *Tree) Has(p string) bool {
	_, ok := t.Get(p)
	return ok
}

// Delete removes p and its provenance.
func (t *Tree) Delete(p string) {
	c, err := CleanPath(p)
	if err != nil {
		return
	}
	delete(t.files, c)
	delete(t.provenance, c)
}

// Touch records that modification seq last changed p.
func (t *Tree) Touch(p string, seq int) {
	if c, err := CleanPath(p); err == nil {
		t.provenance[c] = seq
	}
}

// Provenance returns the sequence number of the last modification applied to
// p, or zero when p is unchanged since the baseline.
func (t *Tree) Provenance(p string) int {
	c, err := CleanPath(p)
	if err != nil {
		return 0
	}
	return t.provenance[c]
}

// Len returns the number of files.
func (t *Tree) Len() int { return len(t.files) }

// Paths returns every path in ascending byte order.
func (t *Tree) Paths() []string {
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	c := New()
	for p, b := range t.files {
		c.files[p] = bytes.Clone(b)
	}
	for p, s := range t.provenance {
		c.provenance[p] = s
	}
	return c
}

// Equal compares paths and contents; provenance is ignored.
func (t *Tree) Equal(o *Tree) bool {
	if t.Len() != o.Len() {
		return false
	}
	for p, b := range t.files {
		ob, ok := o.files[p]
		if !ok || !bytes.Equal(b, ob) {
			return false
		}
	}
	return true
}

// Snapshot summarizes the tree as a manifest labeled label.
func (t *Tree) Snapshot(label string) *cache.Snapshot {
	s := &cache.Snapshot{Label: label, FormatVersion: "1", Files: make([]cache.SnapFile, 0, t.Len())}
	for _, p := range t.Paths() {
		b := t.files[p]
		s.Files = append(s.Files, cache.SnapFile{Path: p, Hash: cache.HashBytes(b), Lines: countLines(b)})
	}
	return s
}

// Digest returns a single sha256 over every path and content in order.
func (t *Tree) Digest() string {
	return t.Snapshot("").Digest()
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
