package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Ext is the record file extension.
const Ext = ".patch"

// maxSlug matches the subject length git format-patch keeps in file names.
const maxSlug = 52

var slugDropRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a title into a file-name-safe fragment: lowercase ASCII letters
// and digits separated by single dashes.
func Slug(title string) string {
	s := slugDropRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlug {
		s = strings.TrimRight(s[:maxSlug], "-")
	}
	if s == "" {
		s = "patch"
	}
	return s
}

// Width is the zero padding used for a chain of n records. Every record of a
// chain uses the same width so lexical order equals sequence order.
func Width(n int) int {
	w := len(strconv.Itoa(n))
	if w < 4 {
		w = 4
	}
	return w
}

// FileName returns "NNNN-<slug>.patch".
func FileName(seq, width int, title string) string {
	return fmt.Sprintf("%0*d-%s%s", width, seq, Slug(title), Ext)
}

// ParseFileName extracts the sequence number from a record file name.
func ParseFileName(name string) (int, bool) {
	if !strings.HasSuffix(name, Ext) {
		return 0, false
	}
	var digits string
	if i := strings.IndexByte(name, '-'); i >= 0 {
		digits = name[:i]
	} else {
		digits = strings.TrimSuffix(name, Ext)
	}
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
