package chain

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarpatch/internal/external"
	"jarpatch/internal/patch"
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

func filesOf(tr *tree.Tree) map[string]string {
	out := map[string]string{}
	for _, p := range tr.Paths() {
		b, _ := tr.Get(p)
		out[p] = string(b)
	}
	return out
}

func seqs(n ...int) []patch.Record {
	out := make([]patch.Record, len(n))
	for i, s := range n {
		out[i] = patch.Record{Sequence: s, Title: fmt.Sprintf("r%d", s)}
	}
	return out
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(seqs(1, 2, 3)))

	cases := map[string]struct {
		records []patch.Record
		want    string
	}{
		"gap":          {seqs(1, 2, 4), "sequence 3 is missing"},
		"duplicate":    {seqs(1, 2, 2), "sequence 2 appears more than once"},
		"out of order": {seqs(2, 1), "sequence 1 follows 2"},
		"zero":         {seqs(0, 1), "sequence must be positive"},
		"no first":     {seqs(2, 3), "sequence 1 is missing"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(tc.records)
			var ie *IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Contains(t, ie.Error(), tc.want)
		})
	}
}

func TestReplayRejectsGapBeforeApplying(t *testing.T) {
	c := &Chain{Records: seqs(1, 2, 4)}
	res, err := Replay(c, tree.New(), patch.DefaultOptions())
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Nil(t, res)
}

func TestReplaySingleRecord(t *testing.T) {
	base := treeOf(t, map[string]string{"A.txt": "line1\nline2\n"})
	after := treeOf(t, map[string]string{"A.txt": "line1\nline2-modified\n"})
	c, err := New([]patch.Record{{Sequence: 1, Title: "Modify line2", Files: patch.Compare(base, after, 3)}})
	require.NoError(t, err)

	res, err := Replay(c, base, patch.DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.NoError(t, res.Err())
	assert.Equal(t, map[string]string{"A.txt": "line1\nline2-modified\n"}, filesOf(res.Tree))
	assert.Equal(t, map[string]string{"A.txt": "line1\nline2\n"}, filesOf(base), "baseline must not change")
}

func TestReplayNilChain(t *testing.T) {
	base := treeOf(t, map[string]string{"A.txt": "a\n"})
	res, err := Replay(nil, base, patch.DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Tree.Equal(base))
}

func TestReplayDeterministicWithConflicts(t *testing.T) {
	base := treeOf(t, map[string]string{"A.txt": "a\nb\nc\n", "B.txt": "x\n"})
	other := treeOf(t, map[string]string{"A.txt": "totally\ndifferent\n", "B.txt": "x\n"})
	next := treeOf(t, map[string]string{"A.txt": "totally\nchanged\n", "B.txt": "y\n"})

	c := &Chain{Records: []patch.Record{
		{Sequence: 1, Title: "edit B", Files: patch.Compare(base, treeOf(t, map[string]string{"A.txt": "a\nb\nc\n", "B.txt": "y\n"}), 3)},
		{Sequence: 2, Title: "conflicting", Files: patch.Compare(other, next, 3)},
	}}

	first, err := Replay(c, base, patch.DefaultOptions())
	require.NoError(t, err)
	second, err := Replay(c, base, patch.DefaultOptions())
	require.NoError(t, err)

	require.NotEmpty(t, first.Conflicts)
	assert.Equal(t, first.Conflicts, second.Conflicts)
	assert.True(t, first.Tree.Equal(second.Tree))
	assert.Equal(t, first.Tree.Digest(), second.Tree.Digest())

	var ce *ConflictError
	require.ErrorAs(t, first.Err(), &ce)
	assert.Equal(t, 2, ce.Conflicts[0].Sequence)
	assert.Equal(t, "y\n", filesOf(first.Tree)["B.txt"], "later records still apply")
}

func TestExtract(t *testing.T) {
	_, err := Extract(nil, 3)
	assert.ErrorIs(t, err, ErrEmptyHistory)

	h := []Snapshot{
		{Label: "baseline", Tree: treeOf(t, map[string]string{"A.txt": "1\n"})},
		{Label: "Add B", Tree: treeOf(t, map[string]string{"A.txt": "1\n", "B.txt": "b\n"})},
		{Label: "  ", Tree: treeOf(t, map[string]string{"A.txt": "1\n", "B.txt": "b\n"})},
		{Label: "Drop A", Tree: treeOf(t, map[string]string{"B.txt": "b\n"})},
	}
	c, err := Extract(h, 3)
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	titles := []string{c.Records[0].Title, c.Records[1].Title, c.Records[2].Title}
	assert.Equal(t, []string{"Add B", "Change 2", "Drop A"}, titles)
	assert.Equal(t, []string{"B.txt"}, c.Records[0].Paths())
	assert.Empty(t, c.Records[1].Files)
	assert.Equal(t, patch.Delete, c.Records[2].Files[0].Kind)

	again, err := Extract(h, 3)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

// randomHistory builds a chain of edits: line changes, insertions and
// deletions, whole-file creation and removal, empty files, CRLF lines and
// files losing their final newline.
func randomHistory(rng *rand.Rand, steps int) []Snapshot {
	cur := map[string][]string{}
	for f := 0; f < 3; f++ {
		name := fmt.Sprintf("src/F%d.java", f)
		for k := 0; k < 30; k++ {
			cur[name] = append(cur[name], fmt.Sprintf("f%d-line%d\n", f, k))
		}
	}
	snap := func(label string) Snapshot {
		tr := tree.New()
		for p, lines := range cur {
			_ = tr.Put(p, []byte(strings.Join(lines, "")))
		}
		return Snapshot{Label: label, Tree: tr}
	}
	out := []Snapshot{snap("baseline")}
	for s := 1; s <= steps; s++ {
		names := make([]string, 0, len(cur))
		for p := range cur {
			names = append(names, p)
		}
		sort.Strings(names)
		name := names[rng.Intn(len(names))]
		lines := cur[name]
		switch op := rng.Intn(9); {
		case op == 0:
			cur[fmt.Sprintf("gen/N%d.java", s)] = []string{fmt.Sprintf("class N%d {}\n", s)}
		case op == 1 && len(cur) > 1:
			delete(cur, name)
		case op == 2 && len(lines) > 1:
			i := rng.Intn(len(lines))
			cur[name] = append(append([]string(nil), lines[:i]...), lines[i+1:]...)
		case op == 3:
			i := rng.Intn(len(lines) + 1)
			ins := fmt.Sprintf("inserted-%d\n", s)
			cur[name] = append(append(append([]string(nil), lines[:i]...), ins), lines[i:]...)
		case op == 6:
			cur[fmt.Sprintf("gen/E%d.txt", s)] = nil
		case op == 7 && len(lines) > 0:
			lines = append([]string(nil), lines...)
			lines[rng.Intn(len(lines))] = fmt.Sprintf("crlf-%d\r\n", s)
			cur[name] = lines
		case op == 8 && len(lines) > 0:
			lines = append([]string(nil), lines...)
			lines[len(lines)-1] = strings.TrimSuffix(lines[len(lines)-1], "\n")
			cur[name] = lines
		case len(lines) == 0:
			cur[name] = []string{fmt.Sprintf("edit-%d\n", s)}
		default:
			for n := 0; n < 1+rng.Intn(3); n++ {
				i := rng.Intn(len(lines))
				lines = append([]string(nil), lines...)
				lines[i] = fmt.Sprintf("edit-%d-%d\n", s, n)
			}
			cur[name] = lines
		}
		out = append(out, snap(fmt.Sprintf("step %d", s)))
	}
	return out
}

func TestExtractReplayInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		h := randomHistory(rng, 12)
		c, err := Extract(h, 3)
		require.NoError(t, err)
		require.Equal(t, len(h)-1, c.Len())

		res, err := Replay(c, h[0].Tree, patch.DefaultOptions())
		require.NoError(t, err)
		require.Empty(t, res.Conflicts, "round %d", round)
		if d := cmp.Diff(filesOf(h[len(h)-1].Tree), filesOf(res.Tree)); d != "" {
			t.Fatalf("round %d: replay mismatch (-want +got):\n%s", round, d)
		}
	}
}

func TestStoredExtractReplayInverse(t *testing.T) {
	bs, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer bs.Close()

	stores := map[string]Store{
		"dir":    DirStore{Dir: filepath.Join(t.TempDir(), "patches")},
		"badger": bs,
	}
	for name, st := range stores {
		rng := rand.New(rand.NewSource(19))
		for round := 0; round < 10; round++ {
			h := randomHistory(rng, 12)
			c, err := Extract(h, 3)
			require.NoError(t, err)
			require.NoError(t, st.Save(context.Background(), c))

			loaded, err := st.Load(context.Background())
			require.NoError(t, err)
			res, err := Replay(loaded, h[0].Tree, patch.DefaultOptions())
			require.NoError(t, err)
			require.Empty(t, res.Conflicts, "%s round %d", name, round)
			if d := cmp.Diff(filesOf(h[len(h)-1].Tree), filesOf(res.Tree)); d != "" {
				t.Fatalf("%s round %d: replay mismatch (-want +got):\n%s", name, round, d)
			}
		}
	}
}

func TestStoredChainReplay(t *testing.T) {
	tests := []struct {
		name        string
		base, after map[string]string
	}{
		{"create empty file", map[string]string{"A.txt": "a\n"}, map[string]string{"A.txt": "a\n", "E.txt": ""}},
		{"delete empty file", map[string]string{"A.txt": "a\n", "E.txt": ""}, map[string]string{"A.txt": "a\n"}},
		{"crlf lines", map[string]string{"W.txt": "a\r\nb\r\n"}, map[string]string{"W.txt": "a\r\nc\r\n"}},
		{"crlf create", nil, map[string]string{"W.txt": "x\r\ny\r\n"}},
		{"drop final newline", map[string]string{"N.txt": "a\nb\n"}, map[string]string{"N.txt": "a\nb"}},
		{"no newline to crlf", map[string]string{"N.txt": "a\nb"}, map[string]string{"N.txt": "a\r\nb\r\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := []Snapshot{
				{Label: "baseline", Tree: treeOf(t, tt.base)},
				{Label: tt.name, Tree: treeOf(t, tt.after)},
			}
			c, err := Extract(h, 3)
			require.NoError(t, err)
			require.NotEmpty(t, c.Records[0].Files)

			st := DirStore{Dir: t.TempDir()}
			require.NoError(t, st.Save(context.Background(), c))
			loaded, err := st.Load(context.Background())
			require.NoError(t, err)
			if d := cmp.Diff(c, loaded); d != "" {
				t.Fatalf("load mismatch (-want +got):\n%s", d)
			}

			res, err := Replay(loaded, h[0].Tree, patch.DefaultOptions())
			require.NoError(t, err)
			assert.Empty(t, res.Conflicts)
			assert.Equal(t, tt.after, filesOf(res.Tree))
		})
	}
}

func TestDirStore(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h := randomHistory(rng, 5)
	c, err := Extract(h, 3)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "patches")
	st := DirStore{Dir: dir}

	empty, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	require.NoError(t, st.Save(context.Background(), c))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "0001-step-1.patch", entries[0].Name())

	got, err := st.Load(context.Background())
	require.NoError(t, err)
	if d := cmp.Diff(c, got); d != "" {
		t.Fatalf("load mismatch (-want +got):\n%s", d)
	}

	short := &Chain{Records: c.Records[:2]}
	require.NoError(t, st.Save(context.Background(), short))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "save replaces the whole chain")
}

func TestDirStoreIntegrity(t *testing.T) {
	dir := t.TempDir()
	write := func(name, title string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("Subject: [PATCH] "+title+"\n\n"), 0o644))
	}
	write("0001-a.patch", "a")
	write("0002-b.patch", "b")
	write("0004-d.patch", "d")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	_, err := DirStore{Dir: dir}.Load(context.Background())
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Error(), "sequence 3 is missing")

	write("0003-c.patch", "c")
	c, err := DirStore{Dir: dir}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, "c", c.Records[2].Title)

	write("notes.patch", "x")
	_, err = DirStore{Dir: dir}.Load(context.Background())
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Error(), "notes.patch")

	require.NoError(t, os.Remove(filepath.Join(dir, "notes.patch")))
	write("00005-e.patch", "e")
	_, err = DirStore{Dir: dir}.Load(context.Background())
	require.ErrorAs(t, err, &ie, "mixed widths break lexical order")
}

func TestBadgerStore(t *testing.T) {
	st, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	rng := rand.New(rand.NewSource(11))
	c, err := Extract(randomHistory(rng, 4), 3)
	require.NoError(t, err)

	require.NoError(t, st.Save(context.Background(), c))
	got, err := st.Load(context.Background())
	require.NoError(t, err)
	if d := cmp.Diff(c, got); d != "" {
		t.Fatalf("load mismatch (-want +got):\n%s", d)
	}

	require.NoError(t, st.Save(context.Background(), &Chain{Records: c.Records[:1]}))
	got, err = st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())

	assert.Error(t, st.Save(context.Background(), &Chain{Records: seqs(2)}))
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestParseDirSpec(t *testing.T) {
	s, err := ParseDirSpec("Fix render=/tmp/v2")
	require.NoError(t, err)
	assert.Equal(t, DirSpec{Label: "Fix render", Dir: "/tmp/v2"}, s)

	s, err = ParseDirSpec("/tmp/base/")
	require.NoError(t, err)
	assert.Equal(t, "base", s.Label)

	_, err = ParseDirSpec("label=")
	assert.Error(t, err)
}

func TestDirHistory(t *testing.T) {
	root := t.TempDir()
	for i, body := range []string{"one\n", "two\n"} {
		d := filepath.Join(root, fmt.Sprint(i))
		require.NoError(t, os.MkdirAll(d, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(d, "A.txt"), []byte(body), 0o644))
	}
	h := DirHistory{Specs: []DirSpec{{Label: "base", Dir: filepath.Join(root, "0")}, {Label: "Say two", Dir: filepath.Join(root, "1")}}}
	snaps, err := h.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "Say two", snaps[1].Label)
	assert.Equal(t, map[string]string{"A.txt": "two\n"}, filesOf(snaps[1].Tree))
}

func TestGitHistory(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", repo, "-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	put := func(rel, body string) {
		p := filepath.Join(repo, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}

	git("init", "-q")
	put("A.txt", "line1\nline2\n")
	git("add", "-A")
	git("commit", "-q", "-m", "Initial import")
	put("A.txt", "line1\nline2-modified\n")
	put("pkg/B.java", "class B {}\n")
	git("add", "-A")
	git("commit", "-q", "-m", "Modify line2")
	require.NoError(t, os.Remove(filepath.Join(repo, "pkg/B.java")))
	git("add", "-A")
	git("commit", "-q", "-m", "Remove B")

	snaps, err := GitHistory{Repo: repo, Runner: external.NewRunner(zerolog.Nop())}.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"Initial import", "Modify line2", "Remove B"}, []string{snaps[0].Label, snaps[1].Label, snaps[2].Label})
	assert.Equal(t, map[string]string{"A.txt": "line1\nline2-modified\n", "pkg/B.java": "class B {}\n"}, filesOf(snaps[1].Tree))

	c, err := Extract(snaps, 3)
	require.NoError(t, err)
	res, err := Replay(c, snaps[0].Tree, patch.DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, filesOf(snaps[2].Tree), filesOf(res.Tree))
}
