package cache

import "sort"

// Compare classifies the files of curr against prev. A nil snapshot is
// treated as empty.
func Compare(prev, curr *Snapshot) Changes {
	if c, ok := trivialChanges(prev, curr); ok {
		return c
	}

	prevMap := indexByPath(prev.Files)
	currMap := indexByPath(curr.Files)

	removed, changed := classifyRemovedAndChanged(prevMap, currMap)
	c := Changes{
		Added:   classifyAdded(prevMap, currMap),
		Removed: removed,
		Changed: changed,
	}
	sortChanges(&c)
	return c
}

func trivialChanges(prev, curr *Snapshot) (Changes, bool) {
	c := Changes{Added: []SnapFile{}, Removed: []SnapFile{}, Changed: []Changed{}}
	switch {
	case curr == nil || len(curr.Files) == 0:
		if prev != nil {
			c.Removed = append(c.Removed, prev.Files...)
		}
	case prev == nil || len(prev.Files) == 0:
		c.Added = append(c.Added, curr.Files...)
	default:
		return Changes{}, false
	}
	sortChanges(&c)
	return c, true
}

func indexByPath(files []SnapFile) map[string]SnapFile {
	m := make(map[string]SnapFile, len(files))
	for _, f := range files {
		m[f.Path] = f
	}
	return m
}

func classifyRemovedAndChanged(prev, curr map[string]SnapFile) ([]SnapFile, []Changed) {
	removed := make([]SnapFile, 0)
	changed := make([]Changed, 0)
	for path, pf := range prev {
		cf, ok := curr[path]
		if !ok {
			removed = append(removed, pf)
			continue
		}
		if pf.Hash != cf.Hash {
			changed = append(changed, Changed{Path: path, HashBefore: pf.Hash, HashAfter: cf.Hash})
		}
	}
	return removed, changed
}

func classifyAdded(prev, curr map[string]SnapFile) []SnapFile {
	added := make([]SnapFile, 0)
	for path, cf := range curr {
		if _, ok := prev[path]; !ok {
			added = append(added, cf)
		}
	}
	return added
}

func sortChanges(c *Changes) {
	sort.Slice(c.Removed, func(i, j int) bool { return c.Removed[i].Path < c.Removed[j].Path })
	sort.Slice(c.Added, func(i, j int) bool { return c.Added[i].Path < c.Added[j].Path })
	sort.Slice(c.Changed, func(i, j int) bool { return c.Changed[i].Path < c.Changed[j].Path })
}

func sortStrings(s []string) { sort.Strings(s) }
