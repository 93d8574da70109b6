// Package diff computes line-based hunks between two versions of a file.
// It uses github.com/pmezard/go-difflib/difflib's SequenceMatcher (with the
// popularity heuristic disabled, so every line participates in the longest
// common subsequence) and groups opcodes into unified-style hunks.
//
// Lines are compared with their trailing "\n" kept, so a final line without
// a newline never compares equal to the same text with one.
package diff

import (
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Op tags a hunk line.
type Op byte

const (
	Equal  Op = ' '
	Delete Op = '-'
	Insert Op = '+'
)

// Line is one hunk line. Text keeps its trailing newline, if any.
type Line struct {
	Op   Op
	Text string
}

// Hunk is a contiguous group of changes with surrounding context. Starts are
// 1-based; a zero-length side starts at the line before the change, as in
// unified diffs.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// Options controls hunk generation.
type Options struct {
	// Context is the number of context lines around each change.
	// If 0, DefaultContext is used.
	Context int
}

// SplitLines splits s into lines keeping newline characters. The last
// element lacks "\n" when s does not end with one.
func SplitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Hunks returns the hunks that turn a into b, ordered by position. Identical
// inputs yield no hunks.
func Hunks(a, b []string, opt Options) []Hunk {
	ctx := opt.Context
	if ctx <= 0 {
		ctx = DefaultContext
	}
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	var out []Hunk
	for _, group := range m.GetGroupedOpCodes(ctx) {
		if len(group) == 0 {
			continue
		}
		if len(group) == 1 && group[0].Tag == 'e' {
			continue
		}
		first, last := group[0], group[len(group)-1]
		h := Hunk{
			OldStart: unifiedStart(first.I1, last.I2),
			OldLines: last.I2 - first.I1,
			NewStart: unifiedStart(first.J1, last.J2),
			NewLines: last.J2 - first.J1,
		}
		for _, c := range group {
			switch c.Tag {
			case 'e':
				h.Lines = appendLines(h.Lines, Equal, a[c.I1:c.I2])
			case 'r':
				h.Lines = appendLines(h.Lines, Delete, a[c.I1:c.I2])
				h.Lines = appendLines(h.Lines, Insert, b[c.J1:c.J2])
			case 'd':
				h.Lines = appendLines(h.Lines, Delete, a[c.I1:c.I2])
			case 'i':
				h.Lines = appendLines(h.Lines, Insert, b[c.J1:c.J2])
			}
		}
		out = append(out, h)
	}
	return out
}

func appendLines(dst []Line, op Op, src []string) []Line {
	for _, s := range src {
		dst = append(dst, Line{Op: op, Text: s})
	}
	return dst
}

// unifiedStart converts a 0-based [start, stop) range to the unified-diff
// start line.
func unifiedStart(start, stop int) int {
	if stop == start {
		return start
	}
	return start + 1
}
