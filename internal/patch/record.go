// Package patch implements the unit of the chain: one ordered, named source
// modification made of per-file unified hunks, its file format, and hunk
// application with bounded drift tolerance.
package patch

import (
	"sort"
	"strings"

	"jarpatch/internal/diff"
	"jarpatch/internal/tree"
)

// Kind says what a file diff does to its path.
type Kind int

const (
	Modify Kind = iota
	Create
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Delete:
		return "delete"
	default:
		return "modify"
	}
}

// FileDiff is the change a record makes to one path.
type FileDiff struct {
	Path  string
	Kind  Kind
	Hunks []diff.Hunk
}

// Record is one modification of the chain. Sequence is 1-based and defines
// replay order. Files are ordered by path.
type Record struct {
	Sequence int
	Title    string
	Files    []FileDiff
}

// Paths lists the paths the record touches.
func (r Record) Paths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Path
	}
	return out
}

// Compare builds the file diffs turning before into after. Paths come out
// in ascending order and hunks in file order, so identical trees always give
// an identical result.
func Compare(before, after *tree.Tree, context int) []FileDiff {
	seen := map[string]struct{}{}
	var paths []string
	for _, t := range []*tree.Tree{before, after} {
		for _, p := range t.Paths() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)

	var out []FileDiff
	for _, p := range paths {
		a, inA := before.Get(p)
		b, inB := after.Get(p)
		if fd, ok := DiffFile(p, a, inA, b, inB, context); ok {
			out = append(out, fd)
		}
	}
	return out
}

// DiffFile computes the change for a single path. The boolean is false when
// there is nothing to record.
func DiffFile(path string, before []byte, inBefore bool, after []byte, inAfter bool, context int) (FileDiff, bool) {
	fd := FileDiff{Path: path}
	switch {
	case !inBefore && !inAfter:
		return fd, false
	case !inBefore:
		fd.Kind = Create
		before = nil
	case !inAfter:
		fd.Kind = Delete
		after = nil
	case string(before) == string(after):
		return fd, false
	}
	fd.Hunks = diff.Hunks(diff.SplitLines(string(before)), diff.SplitLines(string(after)), diff.Options{Context: context})
	return fd, true
}

// oldSide returns the lines a hunk expects to find.
func oldSide(h diff.Hunk) []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Op != diff.Insert {
			out = append(out, l.Text)
		}
	}
	return out
}

// newSide returns the lines a hunk leaves behind.
func newSide(h diff.Hunk) []string {
	out := make([]string, 0, h.NewLines)
	for _, l := range h.Lines {
		if l.Op != diff.Delete {
			out = append(out, l.Text)
		}
	}
	return out
}

// joinLines concatenates lines, restoring the newline of any line that ended
// up in the middle of the file.
func joinLines(lines []string) []byte {
	var b strings.Builder
	for i, l := range lines {
		b.WriteString(l)
		if i < len(lines)-1 && !strings.HasSuffix(l, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}
