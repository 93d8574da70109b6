package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"jarpatch/internal/patch"
	"jarpatch/internal/validate"
)

// Store persists a chain. Save replaces the whole chain; records are never
// edited one by one.
type Store interface {
	Load(ctx context.Context) (*Chain, error)
	Save(ctx context.Context, c *Chain) error
}

// DirStore keeps one "NNNN-<slug>.patch" file per record in a directory.
// Lexical file order equals sequence order.
type DirStore struct {
	Dir string
}

// Load reads and validates the chain. A missing directory is an empty
// chain. Files without the .patch extension are ignored.
func (s DirStore) Load(ctx context.Context) (*Chain, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Chain{}, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == patch.Ext {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		errs    validate.Problems
		records []patch.Record
	)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq, ok := patch.ParseFileName(name)
		if !ok {
			errs.Add("%s: name does not start with a sequence number", name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, err
		}
		r, err := patch.Decode(seq, data)
		if err != nil {
			errs.Add("%s: %v", name, err)
			continue
		}
		records = append(records, r)
	}
	if err := integrity(&errs); err != nil {
		return nil, err
	}
	return New(records)
}

// Save writes the chain into a fresh sibling directory and swaps it into
// place, so a failed save leaves the previous chain intact.
func (s DirStore) Save(ctx context.Context, c *Chain) error {
	if err := Validate(c.Records); err != nil {
		return err
	}
	parent := filepath.Dir(filepath.Clean(s.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-chain-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	width := patch.Width(c.Len())
	for _, r := range c.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := patch.Encode(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", r.Sequence, err)
		}
		if err := os.WriteFile(filepath.Join(tmp, patch.FileName(r.Sequence, width, r.Title)), data, 0o644); err != nil {
			return err
		}
	}

	old := ""
	if _, err := os.Stat(s.Dir); err == nil {
		old = tmp + "-old"
		if err := os.Rename(s.Dir, old); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, s.Dir); err != nil {
		if old != "" {
			_ = os.Rename(old, s.Dir)
		}
		return err
	}
	if old != "" {
		return os.RemoveAll(old)
	}
	return nil
}
