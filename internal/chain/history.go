package chain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"jarpatch/internal/external"
	"jarpatch/internal/tree"
)

// History yields an ordered list of snapshots, baseline first.
type History interface {
	Snapshots(ctx context.Context) ([]Snapshot, error)
}

// DirSpec names one snapshot directory.
type DirSpec struct {
	Label string
	Dir   string
}

// ParseDirSpec reads "label=dir". Without a label the directory's base name
// is used.
func ParseDirSpec(s string) (DirSpec, error) {
	label, dir, ok := strings.Cut(s, "=")
	if !ok {
		dir, label = s, filepath.Base(filepath.Clean(s))
	}
	if strings.TrimSpace(dir) == "" {
		return DirSpec{}, fmt.Errorf("snapshot %q: empty directory", s)
	}
	return DirSpec{Label: strings.TrimSpace(label), Dir: dir}, nil
}

// DirHistory reads each snapshot from its own directory.
type DirHistory struct {
	Specs []DirSpec
	Load  tree.LoadOptions
}

func (h DirHistory) Snapshots(ctx context.Context) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(h.Specs))
	for _, s := range h.Specs {
		t, err := tree.LoadDir(ctx, s.Dir, h.Load)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", s.Label, err)
		}
		out = append(out, Snapshot{Label: s.Label, Tree: t})
	}
	return out, nil
}

// GitHistory reads the first-parent history of Ref in a git repository. The
// root commit is the baseline and every later commit becomes one record,
// titled with its subject line.
type GitHistory struct {
	Repo   string
	Ref    string // defaults to HEAD
	Runner *external.Runner
}

type gitEntry struct {
	path, blob string
}

func (h GitHistory) Snapshots(ctx context.Context) ([]Snapshot, error) {
	ref := h.Ref
	if ref == "" {
		ref = "HEAD"
	}
	logOut, err := h.git(ctx, nil, "log", "--first-parent", "--reverse", "--format=%H%x09%s", ref)
	if err != nil {
		return nil, err
	}

	type commit struct {
		id, subject string
		entries     []gitEntry
	}
	var commits []commit
	for _, line := range strings.Split(strings.TrimSpace(string(logOut)), "\n") {
		if line == "" {
			continue
		}
		id, subject, _ := strings.Cut(line, "\t")
		commits = append(commits, commit{id: id, subject: subject})
	}

	blobs := map[string]struct{}{}
	for i := range commits {
		entries, err := h.lsTree(ctx, commits[i].id)
		if err != nil {
			return nil, err
		}
		commits[i].entries = entries
		for _, e := range entries {
			blobs[e.blob] = struct{}{}
		}
	}
	contents, err := h.catBlobs(ctx, blobs)
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(commits))
	for _, c := range commits {
		t := tree.New()
		for _, e := range c.entries {
			if err := t.Put(e.path, contents[e.blob]); err != nil {
				return nil, fmt.Errorf("commit %s: %w", c.id, err)
			}
		}
		out = append(out, Snapshot{Label: c.subject, Tree: t})
	}
	return out, nil
}

// lsTree lists regular files of a commit. Symlinks and submodules are not
// part of a source tree and are skipped.
func (h GitHistory) lsTree(ctx context.Context, id string) ([]gitEntry, error) {
	raw, err := h.git(ctx, nil, "ls-tree", "-r", "-z", id)
	if err != nil {
		return nil, err
	}
	var out []gitEntry
	for _, rec := range bytes.Split(raw, []byte{0}) {
		if len(rec) == 0 {
			continue
		}
		meta, path, ok := bytes.Cut(rec, []byte{'\t'})
		if !ok {
			return nil, fmt.Errorf("ls-tree %s: bad entry %q", id, rec)
		}
		f := strings.Fields(string(meta))
		if len(f) != 3 || f[1] != "blob" || (f[0] != "100644" && f[0] != "100755") {
			continue
		}
		out = append(out, gitEntry{path: string(path), blob: f[2]})
	}
	return out, nil
}

// catBlobs reads every blob through a single "git cat-file --batch".
func (h GitHistory) catBlobs(ctx context.Context, set map[string]struct{}) (map[string][]byte, error) {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw, err := h.git(ctx, strings.NewReader(strings.Join(ids, "\n")+"\n"), "cat-file", "--batch")
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(bytes.NewReader(raw))
	for range ids {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("cat-file: %w", err)
		}
		f := strings.Fields(header)
		if len(f) != 3 {
			return nil, fmt.Errorf("cat-file: %s", strings.TrimSpace(header))
		}
		size, err := strconv.Atoi(f[2])
		if err != nil {
			return nil, fmt.Errorf("cat-file: bad size in %q", strings.TrimSpace(header))
		}
		b := make([]byte, size+1)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("cat-file %s: %w", f[0], err)
		}
		out[f[0]] = b[:size]
	}
	return out, nil
}

func (h GitHistory) git(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	err := h.Runner.Run(ctx, external.Command{
		Tool:   "git",
		Path:   "git",
		Args:   append([]string{"-C", h.Repo}, args...),
		Stdin:  stdin,
		Stdout: &buf,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
