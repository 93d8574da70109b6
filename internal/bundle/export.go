// Package bundle packs a patch chain into a reproducible zip archive:
//
//	chain.index.json        # records in sequence order with their digests
//	patches/NNNN-<slug>.patch
//
// Entries are written in sequence order with fixed timestamps, so the same
// chain always yields the same bytes.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"jarpatch/internal/cache"
	"jarpatch/internal/chain"
	"jarpatch/internal/patch"
	"jarpatch/internal/ziputil"
)

const (
	indexName  = "chain.index.json"
	patchesDir = "patches"
	// IndexVersion is bumped whenever the index layout changes.
	IndexVersion = 1
)

// Index describes the archive content.
type Index struct {
	Version  int          `json:"version"`
	Baseline string       `json:"baseline,omitempty"`
	Records  []IndexEntry `json:"records"`
}

// IndexEntry is one record of the archive.
type IndexEntry struct {
	Sequence int      `json:"sequence"`
	Title    string   `json:"title"`
	File     string   `json:"file"`
	SHA256   string   `json:"sha256"`
	Paths    []string `json:"paths"`
}

// Write encodes c into w. baseline, when set, is recorded in the index to
// name the tree the chain applies to (typically a tree digest).
func Write(w io.Writer, c *chain.Chain, baseline string) (*Index, error) {
	if err := chain.Validate(c.Records); err != nil {
		return nil, err
	}
	idx := &Index{Version: IndexVersion, Baseline: baseline, Records: make([]IndexEntry, 0, c.Len())}
	bodies := make([][]byte, 0, c.Len())
	width := patch.Width(c.Len())
	for _, r := range c.Records {
		data, err := patch.Encode(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", r.Sequence, err)
		}
		paths := r.Paths()
		if paths == nil {
			paths = []string{}
		}
		idx.Records = append(idx.Records, IndexEntry{
			Sequence: r.Sequence,
			Title:    r.Title,
			File:     path.Join(patchesDir, patch.FileName(r.Sequence, width, r.Title)),
			SHA256:   cache.HashBytes(data),
			Paths:    paths,
		})
		bodies = append(bodies, data)
	}

	zw := zip.NewWriter(w)
	if err := ziputil.WriteJSON(zw, indexName, idx); err != nil {
		return nil, err
	}
	for i, e := range idx.Records {
		if err := ziputil.WriteBytes(zw, e.File, bodies[i]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return idx, nil
}

// WriteFile writes the archive to path atomically.
func WriteFile(path string, c *chain.Chain, baseline string) (*Index, error) {
	var buf bytes.Buffer
	idx, err := Write(&buf, c, baseline)
	if err != nil {
		return nil, err
	}
	return idx, cache.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Read loads and verifies an archive produced by Write.
func Read(r io.ReaderAt, size int64) (*chain.Chain, *Index, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, err
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	var idx Index
	raw, err := readEntry(files, indexName)
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", indexName, err)
	}
	if idx.Version != IndexVersion {
		return nil, nil, fmt.Errorf("%s: unsupported version %d", indexName, idx.Version)
	}
	records := make([]patch.Record, 0, len(idx.Records))
	for _, e := range idx.Records {
		data, err := readEntry(files, e.File)
		if err != nil {
			return nil, nil, err
		}
		if got := cache.HashBytes(data); got != e.SHA256 {
			return nil, nil, fmt.Errorf("%s: sha256 %s, index says %s", e.File, got, e.SHA256)
		}
		rec, err := patch.Decode(e.Sequence, data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", e.File, err)
		}
		records = append(records, rec)
	}
	c, err := chain.New(records)
	if err != nil {
		return nil, nil, err
	}
	return c, &idx, nil
}

func readEntry(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("archive has no %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
