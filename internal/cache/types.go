// Package cache defines the snapshot manifest types shared by the baseline
// builder, chain extraction and the status report.
package cache

import "strings"

// SnapFile represents a single file entry in a snapshot.
// Path is a tree-relative path with forward slashes, Hash is the lowercase hex
// sha256 of the content, and Lines counts newline-terminated lines plus a
// final unterminated one.
type SnapFile struct {
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	Lines int    `json:"lines"`
}

// Snapshot captures the state of a source tree at one point of its history.
// Label names the state (for chain history, the modification title).
// Created is an RFC 3339 timestamp (UTC) and is informational only.
type Snapshot struct {
	Label         string     `json:"label"`
	Created       string     `json:"created,omitempty"`
	FormatVersion string     `json:"formatVersion,omitempty"`
	Files         []SnapFile `json:"files"`
}

// Changed pairs the before and after hashes of a path present in both
// snapshots with different content.
type Changed struct {
	Path       string `json:"path"`
	HashBefore string `json:"hashBefore"`
	HashAfter  string `json:"hashAfter"`
}

// Changes describes how one snapshot differs from the previous one. Every
// slice is sorted by path.
//
//   - Added: files present now that were not in the previous snapshot
//   - Removed: files present previously that are no longer present
//   - Changed: files whose path is the same but content hash differs
type Changes struct {
	Added   []SnapFile `json:"added"`
	Removed []SnapFile `json:"removed"`
	Changed []Changed  `json:"changed"`
}

// Empty reports whether the two snapshots were identical.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Paths returns every touched path in ascending order.
func (c Changes) Paths() []string {
	out := make([]string, 0, len(c.Added)+len(c.Removed)+len(c.Changed))
	for _, f := range c.Added {
		out = append(out, f.Path)
	}
	for _, f := range c.Removed {
		out = append(out, f.Path)
	}
	for _, f := range c.Changed {
		out = append(out, f.Path)
	}
	sortStrings(out)
	return out
}

// Digest returns a single sha256 over every path and hash in file order.
func (s *Snapshot) Digest() string {
	var b strings.Builder
	for _, f := range s.Files {
		b.WriteString(f.Path)
		b.WriteByte(0)
		b.WriteString(f.Hash)
		b.WriteByte('\n')
	}
	return HashBytes([]byte(b.String()))
}
