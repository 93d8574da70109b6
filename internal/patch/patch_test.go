package patch

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarpatch/internal/diff"
	"jarpatch/internal/tree"
)

func treeOf(t *testing.T, files map[string]string) *tree.Tree {
	t.Helper()
	tr := tree.New()
	for p, c := range files {
		require.NoError(t, tr.Put(p, []byte(c)))
	}
	return tr
}

func content(t *testing.T, tr *tree.Tree, p string) string {
	t.Helper()
	b, ok := tr.Get(p)
	require.True(t, ok, "missing %s", p)
	return string(b)
}

func numbered(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("l%02d\n", i)
	}
	return lines
}

func TestSingleLineChange(t *testing.T) {
	base := treeOf(t, map[string]string{"A.txt": "line1\nline2\n"})
	want := treeOf(t, map[string]string{"A.txt": "line1\nline2-modified\n"})

	rec := Record{Sequence: 1, Title: "Modify line2", Files: Compare(base, want, 3)}
	require.Len(t, rec.Files, 1)

	work := base.Clone()
	conflicts := Apply(work, rec, DefaultOptions())
	assert.Empty(t, conflicts)
	assert.Equal(t, "line1\nline2-modified\n", content(t, work, "A.txt"))
	assert.Equal(t, 1, work.Provenance("A.txt"))
}

func TestEncodeDecode(t *testing.T) {
	before := treeOf(t, map[string]string{
		"A.txt":         "line1\nline2\n",
		"old/Gone.java": "class Gone {}\n",
	})
	after := treeOf(t, map[string]string{
		"A.txt":         "line1\nline2-modified\n",
		"new/Made.java": "class Made {\n}\n",
	})
	rec := Record{Sequence: 7, Title: "Rework  A\tand friends", Files: Compare(before, after, 3)}

	data, err := Encode(rec)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "Subject: [PATCH] Rework A and friends\n\ndiff --git "), text)
	assert.Contains(t, text, "diff --git a/A.txt b/A.txt\n")
	assert.Contains(t, text, "@@ -1,2 +1,2 @@\n line1\n-line2\n+line2-modified\n")
	assert.Contains(t, text, "new file mode 100644\n")
	assert.Contains(t, text, "deleted file mode 100644\n")

	got, err := Decode(7, data)
	require.NoError(t, err)
	rec.Title = "Rework A and friends"
	if d := cmp.Diff(rec, got); d != "" {
		t.Fatalf("decode mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, []Kind{Modify, Create, Delete}, []Kind{got.Files[0].Kind, got.Files[1].Kind, got.Files[2].Kind})
}

func TestDecodeHeaderOnly(t *testing.T) {
	r, err := Decode(2, []byte("Subject: [PATCH] Empty change\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Sequence)
	assert.Equal(t, "Empty change", r.Title)
	assert.Empty(t, r.Files)
}

func TestEncodeDecodeKeepsLineEndingsAndEmptyFiles(t *testing.T) {
	before := treeOf(t, map[string]string{
		"Gone.txt": "",
		"W.txt":    "a\r\nb\r\nc",
	})
	after := treeOf(t, map[string]string{
		"Made.txt": "",
		"W.txt":    "a\r\nB\r\nc\r\n",
	})
	rec := Record{Sequence: 1, Title: "line endings", Files: Compare(before, after, 3)}
	require.Len(t, rec.Files, 3)

	data, err := Encode(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), "diff --git a/Made.txt b/Made.txt\nnew file mode 100644\ndiff --git a/W.txt")
	assert.Contains(t, string(data), "-b\r\n")

	got, err := Decode(1, data)
	require.NoError(t, err)
	if d := cmp.Diff(rec, got); d != "" {
		t.Fatalf("decode mismatch (-want +got):\n%s", d)
	}

	tr := before.Clone()
	assert.Empty(t, Apply(tr, got, DefaultOptions()))
	assert.True(t, tr.Equal(after))
}

func TestDecodeCountMismatch(t *testing.T) {
	bad := "Subject: [PATCH] x\n\n" +
		"diff --git a/A.txt b/A.txt\n--- a/A.txt\n+++ b/A.txt\n" +
		"@@ -1,3 +1,2 @@\n line1\n-line2\n+line2-modified\n"
	_, err := Decode(1, []byte(bad))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApplyWithDrift(t *testing.T) {
	orig := numbered(40)
	mod := append([]string(nil), orig...)
	mod[20] = "changed\n"
	fd, ok := DiffFile("F.txt", []byte(strings.Join(orig, "")), true, []byte(strings.Join(mod, "")), true, 3)
	require.True(t, ok)
	rec := Record{Sequence: 1, Title: "drift", Files: []FileDiff{fd}}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shift := rng.Intn(2*DefaultFuzz+1) - DefaultFuzz
		var file, want []string
		if shift >= 0 {
			pre := make([]string, shift)
			for k := range pre {
				pre[k] = fmt.Sprintf("extra%d\n", k)
			}
			file = append(append([]string(nil), pre...), orig...)
			want = append(append([]string(nil), pre...), mod...)
		} else {
			file = orig[-shift:]
			want = mod[-shift:]
		}
		tr := treeOf(t, map[string]string{"F.txt": strings.Join(file, "")})
		conflicts := Apply(tr, rec, DefaultOptions())
		require.Empty(t, conflicts, "shift %d", shift)
		assert.Equal(t, strings.Join(want, ""), content(t, tr, "F.txt"), "shift %d", shift)
	}
}

func TestApplyBeyondFuzzConflicts(t *testing.T) {
	orig := numbered(40)
	mod := append([]string(nil), orig...)
	mod[20] = "changed\n"
	fd, _ := DiffFile("F.txt", []byte(strings.Join(orig, "")), true, []byte(strings.Join(mod, "")), true, 3)

	pre := make([]string, DefaultFuzz+1)
	for k := range pre {
		pre[k] = fmt.Sprintf("extra%d\n", k)
	}
	start := strings.Join(append(pre, orig...), "")
	tr := treeOf(t, map[string]string{"F.txt": start})

	conflicts := Apply(tr, Record{Sequence: 3, Title: "far", Files: []FileDiff{fd}}, DefaultOptions())
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, 3, c.Sequence)
	assert.Equal(t, "F.txt", c.Path)
	assert.Equal(t, 1, c.Hunk)
	assert.Equal(t, []string{"l17\n", "l18\n", "l19\n", "l20\n", "l21\n", "l22\n", "l23\n"}, c.Expected)
	assert.Len(t, c.Actual, 7)
	assert.Contains(t, c.Error(), `patch 0003 "far": F.txt hunk 1 at line 18`)
	assert.Contains(t, c.Detail(), "    |l17\n")
	assert.Equal(t, start, content(t, tr, "F.txt"))
	assert.Equal(t, 0, tr.Provenance("F.txt"))
}

func TestApplyIgnoreWhitespace(t *testing.T) {
	before := treeOf(t, map[string]string{"W.java": "a\nb\nc\nd\n"})
	after := treeOf(t, map[string]string{"W.java": "a\nb\nX\nd\n"})
	rec := Record{Sequence: 1, Title: "ws", Files: Compare(before, after, 1)}

	tr := treeOf(t, map[string]string{"W.java": "a\n  b\nc\nd\n"})
	assert.Empty(t, Apply(tr, rec, Options{Fuzz: 2, IgnoreWhitespace: true}))
	assert.Equal(t, "a\n  b\nX\nd\n", content(t, tr, "W.java"))

	strict := treeOf(t, map[string]string{"W.java": "a\n  b\nc\nd\n"})
	assert.Len(t, Apply(strict, rec, Options{Fuzz: 2}), 1)
}

func TestConflictDoesNotStopRecord(t *testing.T) {
	orig := numbered(30)
	mod := append([]string(nil), orig...)
	mod[2] = "first\n"
	mod[25] = "second\n"
	fd, _ := DiffFile("F.txt", []byte(strings.Join(orig, "")), true, []byte(strings.Join(mod, "")), true, 3)
	require.Len(t, fd.Hunks, 2)

	damaged := append([]string(nil), orig...)
	damaged[2] = "someone else\n"
	tr := treeOf(t, map[string]string{
		"F.txt": strings.Join(damaged, ""),
		"G.txt": "g\n",
	})
	g, _ := DiffFile("G.txt", []byte("g\n"), true, []byte("g2\n"), true, 3)

	conflicts := Apply(tr, Record{Sequence: 1, Title: "two", Files: []FileDiff{fd, g}}, DefaultOptions())
	require.Len(t, conflicts, 1)
	assert.Equal(t, 1, conflicts[0].Hunk)

	want := append([]string(nil), damaged...)
	want[25] = "second\n"
	assert.Equal(t, strings.Join(want, ""), content(t, tr, "F.txt"))
	assert.Equal(t, "g2\n", content(t, tr, "G.txt"))
}

func TestCreateDeleteConflicts(t *testing.T) {
	create, _ := DiffFile("N.txt", nil, false, []byte("n\n"), true, 3)
	remove, _ := DiffFile("D.txt", []byte("d\n"), true, nil, false, 3)
	assert.Equal(t, Create, create.Kind)
	assert.Equal(t, Delete, remove.Kind)

	tr := treeOf(t, map[string]string{"D.txt": "d\n"})
	assert.Empty(t, Apply(tr, Record{Sequence: 1, Files: []FileDiff{create, remove}}, DefaultOptions()))
	assert.Equal(t, "n\n", content(t, tr, "N.txt"))
	assert.False(t, tr.Has("D.txt"))

	clash := treeOf(t, map[string]string{"N.txt": "other\n"})
	conflicts := Apply(clash, Record{Sequence: 2, Files: []FileDiff{create, remove}}, DefaultOptions())
	require.Len(t, conflicts, 2)
	assert.Equal(t, "file to create already exists", conflicts[0].Reason)
	assert.Equal(t, "file to delete does not exist", conflicts[1].Reason)
}

func TestMissingFinalNewline(t *testing.T) {
	before := treeOf(t, map[string]string{"E.txt": "a\nb"})
	after := treeOf(t, map[string]string{"E.txt": "a\nb\nc"})
	files := Compare(before, after, 3)
	require.Len(t, files, 1)

	var ops []diff.Op
	for _, l := range files[0].Hunks[0].Lines {
		ops = append(ops, l.Op)
	}
	assert.Equal(t, []diff.Op{diff.Equal, diff.Delete, diff.Insert, diff.Insert}, ops)

	tr := before.Clone()
	assert.Empty(t, Apply(tr, Record{Sequence: 1, Files: files}, DefaultOptions()))
	assert.Equal(t, "a\nb\nc", content(t, tr, "E.txt"))
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "fix-render-bug", Slug("Fix: Render bug!"))
	assert.Equal(t, "patch", Slug("!!!"))
	long := Slug(strings.Repeat("word ", 30))
	assert.LessOrEqual(t, len(long), maxSlug)
	assert.False(t, strings.HasSuffix(long, "-"))

	assert.Equal(t, 4, Width(9))
	assert.Equal(t, 5, Width(12345))
	assert.Equal(t, "0003-fix-render-bug.patch", FileName(3, 4, "Fix: Render bug!"))
	assert.Equal(t, "00012-x.patch", FileName(12, 5, "x"))

	n, ok := ParseFileName("0042-some-title.patch")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
	for _, bad := range []string{"README.md", "x42-a.patch", "-a.patch", "0042-a.diff"} {
		_, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}
