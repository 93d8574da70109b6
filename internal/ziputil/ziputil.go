// Package ziputil writes reproducible zip entries: fixed timestamps, fixed
// modes and sanitized names, so identical input gives identical archives.
package ziputil

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// FixedTime is the modification time of every entry (1980-01-01 UTC, the
// zip epoch).
var FixedTime = time.Unix(315532800, 0).UTC()

// SanitizePath normalizes entry names: forward slashes, no drive letter, no
// leading '/', and '.' or '..' segments resolved without escaping the root.
func SanitizePath(p string) string {
	s := filepath.ToSlash(p)
	if len(s) > 1 && s[1] == ':' {
		s = s[2:]
	}
	var stack []string
	for _, part := range strings.Split(s, "/") {
		switch part {
		case "", ".":
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "entry"
	}
	return strings.Join(stack, "/")
}

// Create starts a deflated entry with the fixed timestamp and mode 0644.
func Create(zw *zip.Writer, name string) (io.Writer, error) {
	h := &zip.FileHeader{Name: SanitizePath(name), Method: zip.Deflate, Modified: FixedTime}
	h.SetMode(0o644)
	w, err := zw.CreateHeader(h)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return w, nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(zw *zip.Writer, name string, v any) error {
	w, err := Create(zw, name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// WriteBytes writes data as one entry.
func WriteBytes(zw *zip.Writer, name string, data []byte) error {
	w, err := Create(zw, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
