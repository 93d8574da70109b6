package patch

import (
	"fmt"
	"strings"

	"jarpatch/internal/diff"
	"jarpatch/internal/textutil"
	"jarpatch/internal/tree"
)

// DefaultFuzz is how many lines a hunk may drift from its recorded position
// before it is reported as a conflict.
const DefaultFuzz = 10

// Options tunes hunk placement.
type Options struct {
	// Fuzz bounds the search window either side of the expected line.
	// Negative disables drift entirely.
	Fuzz int
	// IgnoreWhitespace retries a failed hunk comparing lines with runs of
	// whitespace folded.
	IgnoreWhitespace bool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{Fuzz: DefaultFuzz, IgnoreWhitespace: true}
}

// Conflict describes a hunk that could not be placed. Hunk is 1-based; it is
// zero for file-level failures such as creating a path that already exists.
type Conflict struct {
	Sequence int
	Title    string
	Path     string
	Hunk     int
	Line     int
	Expected []string
	Actual   []string
	Reason   string
}

func (c Conflict) Error() string {
	where := c.Path
	if c.Hunk > 0 {
		where = fmt.Sprintf("%s hunk %d at line %d", c.Path, c.Hunk, c.Line)
	}
	msg := fmt.Sprintf("patch %04d %q: %s: %s", c.Sequence, c.Title, where, c.Reason)
	if exp, act, ok := firstMismatch(c.Expected, c.Actual); ok {
		msg += fmt.Sprintf(" (expected %q, found %q)", exp, act)
	}
	return msg
}

// Detail renders the full expected and actual context for hand resolution.
func (c Conflict) Detail() string {
	var b strings.Builder
	b.WriteString(c.Error())
	b.WriteString("\n  expected:\n")
	for _, l := range c.Expected {
		fmt.Fprintf(&b, "    |%s\n", strings.TrimSuffix(l, "\n"))
	}
	b.WriteString("  actual:\n")
	for _, l := range c.Actual {
		fmt.Fprintf(&b, "    |%s\n", strings.TrimSuffix(l, "\n"))
	}
	return b.String()
}

func firstMismatch(exp, act []string) (string, string, bool) {
	for i, e := range exp {
		a := ""
		if i < len(act) {
			a = act[i]
		}
		if e != a {
			return strings.TrimSuffix(e, "\n"), strings.TrimSuffix(a, "\n"), true
		}
	}
	return "", "", false
}

// Apply applies every file diff of r to t in place, recording r.Sequence as
// the provenance of each changed path. Hunks that cannot be placed are
// skipped and returned as conflicts; the rest of the record still applies.
func Apply(t *tree.Tree, r Record, opt Options) []Conflict {
	var out []Conflict
	for _, f := range r.Files {
		before, had := t.Get(f.Path)
		for _, c := range applyFile(t, f, opt) {
			c.Sequence, c.Title = r.Sequence, r.Title
			out = append(out, c)
		}
		if after, has := t.Get(f.Path); has && (!had || string(after) != string(before)) {
			t.Touch(f.Path, r.Sequence)
		}
	}
	return out
}

func applyFile(t *tree.Tree, f FileDiff, opt Options) []Conflict {
	cur, exists := t.Get(f.Path)
	switch f.Kind {
	case Create:
		var lines []string
		for _, h := range f.Hunks {
			lines = append(lines, newSide(h)...)
		}
		if exists {
			if string(cur) == string(joinLines(lines)) {
				return nil
			}
			return []Conflict{{Path: f.Path, Reason: "file to create already exists"}}
		}
		if err := t.Put(f.Path, joinLines(lines)); err != nil {
			return []Conflict{{Path: f.Path, Reason: err.Error()}}
		}
		return nil
	case Delete:
		if !exists {
			return []Conflict{{Path: f.Path, Reason: "file to delete does not exist"}}
		}
		var want []string
		for _, h := range f.Hunks {
			want = append(want, oldSide(h)...)
		}
		if string(joinLines(want)) != string(cur) {
			return []Conflict{{
				Path:     f.Path,
				Reason:   "file to delete has different content",
				Expected: want,
				Actual:   diff.SplitLines(string(cur)),
			}}
		}
		t.Delete(f.Path)
		return nil
	}

	if !exists {
		return []Conflict{{Path: f.Path, Reason: "file to modify does not exist"}}
	}
	lines, conflicts := applyHunks(diff.SplitLines(string(cur)), f.Hunks, opt)
	for i := range conflicts {
		conflicts[i].Path = f.Path
	}
	if err := t.Put(f.Path, joinLines(lines)); err != nil {
		conflicts = append(conflicts, Conflict{Path: f.Path, Reason: err.Error()})
	}
	return conflicts
}

// applyHunks places hunks in order. Each hunk is looked for at its recorded
// line shifted by the drift of the previous hunk, and never before the end
// of the previous hunk.
func applyHunks(src []string, hunks []diff.Hunk, opt Options) ([]string, []Conflict) {
	var (
		out       []string
		conflicts []Conflict
		cursor    int
		drift     int
	)
	for i, h := range hunks {
		old := oldSide(h)
		base := h.OldStart - 1
		if h.OldLines == 0 {
			base = h.OldStart
		}
		want := base + drift

		pos, ok := locate(src, old, want, cursor, opt)
		if !ok {
			lo := clamp(want, cursor, len(src))
			hi := clamp(lo+len(old), lo, len(src))
			conflicts = append(conflicts, Conflict{
				Hunk:     i + 1,
				Line:     want + 1,
				Expected: old,
				Actual:   append([]string(nil), src[lo:hi]...),
				Reason:   fmt.Sprintf("context not found within %d lines", max(opt.Fuzz, 0)),
			})
			continue
		}
		out = append(out, src[cursor:pos]...)
		out = append(out, rewrite(h, src[pos:pos+len(old)])...)
		cursor = pos + len(old)
		drift = pos - base
	}
	return append(out, src[cursor:]...), conflicts
}

// rewrite produces the new side of h, taking context lines from the file
// rather than from the hunk so whitespace-tolerant matches keep the file's
// own spelling.
func rewrite(h diff.Hunk, actual []string) []string {
	out := make([]string, 0, h.NewLines)
	k := 0
	for _, l := range h.Lines {
		switch l.Op {
		case diff.Equal:
			out = append(out, actual[k])
			k++
		case diff.Delete:
			k++
		case diff.Insert:
			out = append(out, l.Text)
		}
	}
	return out
}

type lineEq func(a, b string) bool

func exact(a, b string) bool { return a == b }

func folded(a, b string) bool { return textutil.FoldSpace(a) == textutil.FoldSpace(b) }

// locate finds where old occurs closest to want, not before floor. Exact
// comparison is tried over the whole window first; at equal distance the
// earlier position wins.
func locate(src, old []string, want, floor int, opt Options) (int, bool) {
	comparers := []lineEq{exact}
	if opt.IgnoreWhitespace {
		comparers = append(comparers, folded)
	}
	for _, eq := range comparers {
		for d := 0; d <= max(opt.Fuzz, 0); d++ {
			if matchAt(src, old, want-d, floor, eq) {
				return want - d, true
			}
			if d > 0 && matchAt(src, old, want+d, floor, eq) {
				return want + d, true
			}
		}
	}
	return 0, false
}

func matchAt(src, old []string, pos, floor int, eq lineEq) bool {
	if pos < floor || pos+len(old) > len(src) {
		return false
	}
	for i, l := range old {
		if !eq(src[pos+i], l) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
