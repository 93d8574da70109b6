// Package validate checks the JSON documents jarpatch reads back from disk.
// It is not a JSON-Schema validator; it checks the structural constraints
// that catch damaged or hand-edited files, and reports every issue at once.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"jarpatch/internal/cache"
)

// Snapshot validates a tree manifest:
//
//   - every path is relative, uses forward slashes and has no ".." segment
//   - no path appears twice and paths are sorted
//   - every hash is a 64-char lowercase hex sha256
//   - line counts are not negative
func Snapshot(s *cache.Snapshot) error {
	if s == nil {
		return errors.New("snapshot is missing")
	}
	var errs Problems
	seen := make(map[string]struct{}, len(s.Files))
	for i, f := range s.Files {
		prefix := fmt.Sprintf("files[%d] (%s)", i, f.Path)
		switch {
		case f.Path == "":
			errs.Add("%s: path must be non-empty", prefix)
		case strings.HasPrefix(f.Path, "/") || strings.HasPrefix(f.Path, `\`):
			errs.Add("%s: path must be relative", prefix)
		case strings.Contains(f.Path, `\`):
			errs.Add("%s: path must use forward slashes", prefix)
		case hasDotDot(f.Path):
			errs.Add("%s: path must not contain '..' segments", prefix)
		}
		if _, dup := seen[f.Path]; dup {
			errs.Add("%s: duplicate file path", prefix)
		} else if f.Path != "" {
			seen[f.Path] = struct{}{}
		}
		if !SHA256(f.Hash) {
			errs.Add("%s: hash must be 64 lowercase hex chars (sha256), got %q", prefix, f.Hash)
		}
		if f.Lines < 0 {
			errs.Add("%s: lines must be >= 0 (got %d)", prefix, f.Lines)
		}
	}
	if !sort.SliceIsSorted(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path }) {
		errs.Add("files must be sorted by path")
	}
	return errs.Err()
}

// SHA256 reports whether s is a lowercase hex sha256 digest.
func SHA256(s string) bool { return reHex64.MatchString(s) }

var reHex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Problems aggregates validation issues so a check reports all of them at
// once instead of stopping at the first.
type Problems struct {
	msgs []string
}

// Add records one issue.
func (p *Problems) Add(format string, args ...any) {
	p.msgs = append(p.msgs, fmt.Sprintf(format, args...))
}

// Len returns the number of recorded issues.
func (p *Problems) Len() int { return len(p.msgs) }

// List returns the issues in the order they were recorded.
func (p *Problems) List() []string {
	return append([]string(nil), p.msgs...)
}

// Err joins the issues into one error, one per line, or returns nil.
func (p *Problems) Err() error {
	if len(p.msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(p.msgs, "\n"))
}
