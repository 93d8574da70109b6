package tree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultExclude lists directory and file names never collected from disk.
var DefaultExclude = []string{".git", ".svn", ".hg", ".idea", ".DS_Store"}

// LoadOptions filters the files collected by LoadDir.
type LoadOptions struct {
	// Exclude holds base names skipped at any depth. Nil means DefaultExclude.
	Exclude []string
	// IgnoreFile names a gitignore-style file at the tree root, if any.
	IgnoreFile string
	// FollowSymlinks collects symlinked files instead of skipping them.
	FollowSymlinks bool
}

type walkState struct {
	opt      LoadOptions
	exclude  map[string]struct{}
	root     string
	patterns []ignorePattern
	rels     []string
}

// LoadDir reads every regular file under root into a tree. Contents are read
// concurrently; the resulting tree does not depend on scheduling.
func LoadDir(ctx context.Context, root string, opt LoadOptions) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree: %s is not a directory", root)
	}

	ws := &walkState{opt: opt, root: abs, exclude: map[string]struct{}{}}
	names := opt.Exclude
	if names == nil {
		names = DefaultExclude
	}
	for _, n := range names {
		ws.exclude[n] = struct{}{}
	}
	if opt.IgnoreFile != "" {
		pats, err := parseIgnoreFile(filepath.Join(abs, opt.IgnoreFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		ws.patterns = pats
	}
	if err := filepath.WalkDir(abs, ws.visit); err != nil {
		return nil, err
	}
	sort.Strings(ws.rels)

	contents := make([][]byte, len(ws.rels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rel := range ws.rels {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(filepath.Join(abs, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			contents[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := New()
	for i, rel := range ws.rels {
		i, rel := i, rel
		if err := t.Put(rel, contents[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (ws *walkState) visit(p string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}
	if p == ws.root {
		return nil
	}
	rel, err := filepath.Rel(ws.root, p)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	if ws.skip(rel, d) {
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}
	if d.IsDir() {
		return nil
	}
	if isSymlink(d) {
		if !ws.opt.FollowSymlinks {
			return nil
		}
		st, err := os.Stat(p)
		if err != nil || !st.Mode().IsRegular() {
			return nil
		}
	} else if !d.Type().IsRegular() {
		return nil
	}
	ws.rels = append(ws.rels, rel)
	return nil
}

func (ws *walkState) skip(rel string, d fs.DirEntry) bool {
	if _, bad := ws.exclude[d.Name()]; bad {
		return true
	}
	if d.IsDir() && isSymlink(d) {
		return true
	}
	return matchIgnore(ws.patterns, rel, d.IsDir())
}

func isSymlink(d fs.DirEntry) bool {
	return d.Type()&fs.ModeSymlink != 0
}

// WriteDir recreates dir from scratch and writes every file of t into it.
func WriteDir(dir string, t *Tree) error {
	if err := Recreate(dir); err != nil {
		return err
	}
	for _, rel := range t.Paths() {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		b, _ := t.Get(rel)
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Recreate deletes dir if present and creates it empty.
func Recreate(dir string) error {
	if dir == "" || filepath.Clean(dir) == "/" {
		return fmt.Errorf("tree: refusing to recreate %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// ---------------- ignore file support ----------------

type ignorePattern struct {
	neg     bool
	dirOnly bool
	rx      *regexp.Regexp
}

// parseIgnoreFile understands the common gitignore subset: comments, '!'
// negation, leading '/' anchoring, trailing '/' for directories, '**' across
// directories and '*' or '?' within one segment.
func parseIgnoreFile(p string) ([]ignorePattern, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res []ignorePattern
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ip ignorePattern
		if strings.HasPrefix(line, "!") {
			ip.neg = true
			line = strings.TrimSpace(line[1:])
		}
		if strings.HasSuffix(line, "/") {
			ip.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		anchored := strings.HasPrefix(line, "/")
		line = strings.TrimPrefix(line, "/")
		if line == "" {
			continue
		}
		ip.rx = compileGlob(line, anchored)
		res = append(res, ip)
	}
	return res, s.Err()
}

func compileGlob(glob string, anchored bool) *regexp.Regexp {
	esc := regexp.QuoteMeta(glob)
	esc = strings.ReplaceAll(esc, `\*\*`, "\x00")
	esc = strings.ReplaceAll(esc, `\*`, "[^/]*")
	esc = strings.ReplaceAll(esc, `\?`, "[^/]")
	esc = strings.ReplaceAll(esc, "\x00", ".*")
	if anchored {
		return regexp.MustCompile("^" + esc + "$")
	}
	return regexp.MustCompile("(^|.*/)" + esc + "$")
}

func matchIgnore(pats []ignorePattern, rel string, isDir bool) bool {
	ignored := false
	for _, p := range pats {
		if p.dirOnly && !isDir {
			continue
		}
		if p.rx.MatchString(rel) {
			ignored = !p.neg
		}
	}
	return ignored
}
