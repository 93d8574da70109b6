// Package textutil holds small text helpers shared by patch parsing and
// hunk matching.
package textutil

import (
	"bytes"
	"strings"
)

// NormalizeLF converts CRLF and lone CR line endings to LF. Patch files
// checked out on Windows parse the same as their LF originals.
func NormalizeLF(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
}

// FoldSpace collapses every run of whitespace to a single space and trims
// both ends, so lines that differ only in indentation or spacing compare
// equal.
func FoldSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

