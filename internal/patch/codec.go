package patch

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"jarpatch/internal/diff"
	"jarpatch/internal/textutil"
)

const (
	subjectPrefix = "Subject: "
	patchTag      = "[PATCH] "
	devNull       = "/dev/null"
	fileMode      = "100644"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed patch")

// Encode renders r as a record file: a Subject line, a blank line, then one
// git-style diff per file.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	title := strings.Join(strings.Fields(r.Title), " ")
	fmt.Fprintf(&buf, "%s%s%s\n\n", subjectPrefix, patchTag, title)

	fds := make([]*godiff.FileDiff, 0, len(r.Files))
	for _, f := range r.Files {
		fd, err := toGoDiff(f)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Path, err)
		}
		fds = append(fds, fd)
	}
	if len(fds) > 0 {
		body, err := godiff.PrintMultiFileDiff(fds)
		if err != nil {
			return nil, err
		}
		buf.Write(body)
	}
	return buf.Bytes(), nil
}

// Decode parses a record file. The sequence number is not part of the
// content and is supplied by the caller, usually from the file name.
func Decode(seq int, data []byte) (Record, error) {
	r := Record{Sequence: seq}
	if i := bytes.IndexByte(data, '\n'); i > 0 && data[i-1] == '\r' {
		data = textutil.NormalizeLF(data)
	}

	head, body := splitHeader(data)
	for _, line := range strings.Split(string(head), "\n") {
		if t, ok := strings.CutPrefix(line, subjectPrefix); ok {
			t = strings.TrimSpace(t)
			t = strings.TrimPrefix(t, strings.TrimSpace(patchTag))
			r.Title = strings.TrimSpace(t)
			break
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return r, nil
	}

	for i, block := range splitFiles(body) {
		f, err := decodeFile(block)
		if err != nil {
			return r, fmt.Errorf("%w: file %d: %v", ErrMalformed, i+1, err)
		}
		r.Files = append(r.Files, f)
	}
	return r, nil
}

// splitFiles cuts a record body into one block per "diff " header line.
func splitFiles(body []byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i < len(body); {
		next := len(body)
		if j := bytes.IndexByte(body[i:], '\n'); j >= 0 {
			next = i + j + 1
		}
		if i > start && bytes.HasPrefix(body[i:], []byte("diff ")) {
			out = append(out, body[start:i])
			start = i
		}
		i = next
	}
	if len(bytes.TrimSpace(body[start:])) > 0 {
		out = append(out, body[start:])
	}
	return out
}

// decodeFile parses one file block. go-diff skips headers that carry no
// hunks, so a bare create or delete of an empty file is built from its
// extended header lines here.
func decodeFile(block []byte) (FileDiff, error) {
	bodies := hunkBodies(block)
	if len(bodies) == 0 {
		var ext []string
		for _, l := range strings.Split(string(block), "\n") {
			if l = strings.TrimRight(l, "\r"); l != "" {
				ext = append(ext, l)
			}
		}
		return fromGoDiff(&godiff.FileDiff{Extended: ext}, nil)
	}
	fds, err := godiff.ParseMultiFileDiff(block)
	if err != nil {
		return FileDiff{}, err
	}
	if len(fds) != 1 {
		return FileDiff{}, fmt.Errorf("block holds %d file diffs", len(fds))
	}
	return fromGoDiff(fds[0], bodies)
}

var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,(\d+))? \+\d+(?:,(\d+))? @@`)

// hunkBodies returns the raw body lines of each hunk in block, line endings
// included. go-diff drops a trailing \r from every line it reads, so line
// text has to come from the block itself.
func hunkBodies(block []byte) [][]string {
	var out [][]string
	lines := strings.SplitAfter(string(block), "\n")
	for i := 0; i < len(lines); i++ {
		m := hunkHeader.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		oldN, newN := rangeLen(m[1]), rangeLen(m[2])
		var body []string
		for i+1 < len(lines) && lines[i+1] != "" {
			raw := lines[i+1]
			if oldN <= 0 && newN <= 0 && raw[0] != '\\' {
				break
			}
			switch raw[0] {
			case '\\':
			case '-':
				oldN--
			case '+':
				newN--
			default:
				oldN--
				newN--
			}
			body = append(body, raw)
			i++
		}
		out = append(out, body)
	}
	return out
}

func rangeLen(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

// splitHeader separates the mail-style header from the first "diff " line.
func splitHeader(data []byte) (head, body []byte) {
	if bytes.HasPrefix(data, []byte("diff ")) {
		return nil, data
	}
	if i := bytes.Index(data, []byte("\ndiff ")); i >= 0 {
		return data[:i+1], data[i+1:]
	}
	return data, nil
}

func toGoDiff(f FileDiff) (*godiff.FileDiff, error) {
	fd := &godiff.FileDiff{
		OrigName: "a/" + f.Path,
		NewName:  "b/" + f.Path,
		Extended: []string{fmt.Sprintf("diff --git a/%s b/%s", f.Path, f.Path)},
	}
	switch f.Kind {
	case Create:
		fd.OrigName = devNull
		fd.Extended = append(fd.Extended, "new file mode "+fileMode)
	case Delete:
		fd.NewName = devNull
		fd.Extended = append(fd.Extended, "deleted file mode "+fileMode)
	}
	for i, h := range f.Hunks {
		gh, err := toGoHunk(h)
		if err != nil {
			return nil, fmt.Errorf("hunk %d: %w", i+1, err)
		}
		fd.Hunks = append(fd.Hunks, gh)
	}
	return fd, nil
}

// toGoHunk lays out the hunk body the way go-diff prints it: an old-side
// line without a trailing newline is recorded by offset, a new-side one is
// left unterminated at the end of the body.
func toGoHunk(h diff.Hunk) (*godiff.Hunk, error) {
	gh := &godiff.Hunk{
		OrigStartLine: int32(h.OldStart),
		OrigLines:     int32(h.OldLines),
		NewStartLine:  int32(h.NewStart),
		NewLines:      int32(h.NewLines),
	}
	var body bytes.Buffer
	for i, l := range h.Lines {
		body.WriteByte(byte(l.Op))
		body.WriteString(l.Text)
		if strings.HasSuffix(l.Text, "\n") {
			continue
		}
		if l.Op == diff.Delete {
			body.WriteByte('\n')
			gh.OrigNoNewlineAt = int32(body.Len())
			continue
		}
		if i != len(h.Lines)-1 {
			return nil, fmt.Errorf("unterminated line %d is not last", i+1)
		}
	}
	gh.Body = body.Bytes()
	return gh, nil
}

func fromGoDiff(fd *godiff.FileDiff, bodies [][]string) (FileDiff, error) {
	f := FileDiff{Kind: Modify}
	for _, x := range fd.Extended {
		switch {
		case strings.HasPrefix(x, "new file mode"):
			f.Kind = Create
		case strings.HasPrefix(x, "deleted file mode"):
			f.Kind = Delete
		}
	}
	switch {
	case fd.OrigName == devNull && fd.NewName != devNull && fd.NewName != "":
		f.Kind = Create
	case fd.NewName == devNull && fd.OrigName != devNull && fd.OrigName != "":
		f.Kind = Delete
	}

	name := fd.NewName
	if f.Kind == Delete || name == "" || name == devNull {
		name = fd.OrigName
	}
	if name == "" || name == devNull {
		name = gitHeaderPath(fd.Extended)
	}
	name = stripPrefix(name)
	if name == "" {
		return f, errors.New("no file name")
	}
	f.Path = name

	if len(fd.Hunks) != len(bodies) {
		return f, fmt.Errorf("%s: %d hunk headers, %d hunk bodies", name, len(fd.Hunks), len(bodies))
	}
	for i, gh := range fd.Hunks {
		h, err := fromGoHunk(gh, bodies[i])
		if err != nil {
			return f, fmt.Errorf("%s hunk %d: %w", name, i+1, err)
		}
		f.Hunks = append(f.Hunks, h)
	}
	return f, nil
}

// fromGoHunk takes the ranges from gh and the lines from body. A line
// followed by a "\\ No newline at end of file" marker loses its newline.
func fromGoHunk(gh *godiff.Hunk, body []string) (diff.Hunk, error) {
	h := diff.Hunk{
		OldStart: int(gh.OrigStartLine),
		OldLines: int(gh.OrigLines),
		NewStart: int(gh.NewStartLine),
		NewLines: int(gh.NewLines),
	}
	var oldN, newN int
	for i, raw := range body {
		if raw == "\n" || raw == "\r\n" {
			raw = " " + raw
		}
		op, text := diff.Op(raw[0]), raw[1:]
		switch op {
		case diff.Equal:
			oldN++
			newN++
		case diff.Delete:
			oldN++
		case diff.Insert:
			newN++
		case '\\':
			continue
		default:
			return h, fmt.Errorf("unexpected line prefix %q", raw[0])
		}
		if i+1 < len(body) && strings.HasPrefix(body[i+1], "\\") {
			text = strings.TrimSuffix(text, "\n")
		}
		h.Lines = append(h.Lines, diff.Line{Op: op, Text: text})
	}
	if oldN != h.OldLines || newN != h.NewLines {
		return h, fmt.Errorf("line counts -%d,+%d do not match header -%d,+%d", oldN, newN, h.OldLines, h.NewLines)
	}
	return h, nil
}

// gitHeaderPath extracts the b/ side of a "diff --git a/X b/Y" line.
func gitHeaderPath(ext []string) string {
	for _, x := range ext {
		rest, ok := strings.CutPrefix(x, "diff --git ")
		if !ok {
			continue
		}
		if i := strings.LastIndex(rest, " b/"); i >= 0 {
			return rest[i+1:]
		}
	}
	return ""
}

func stripPrefix(name string) string {
	if name == devNull {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
