// Package baseline produces the pristine source tree from the original
// artifact through the external decompiler.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"jarpatch/internal/cache"
	"jarpatch/internal/external"
	"jarpatch/internal/tree"
)

// SnapshotName is the cache document holding the baseline manifest.
const SnapshotName = "baseline"

// ErrEmpty is wrapped when the decompiler succeeded but wrote no files.
var ErrEmpty = errors.New("decompiler produced no files")

// UnavailableError means no baseline tree could be produced or found. It is
// never retried automatically.
type UnavailableError struct {
	Artifact string
	Stage    string // fetch, decompile or load
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("baseline unavailable (%s %s): %v", e.Stage, e.Artifact, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Builder recreates the baseline directory and fills it from the artifact.
type Builder struct {
	Decompiler external.Decompiler
	Store      *cache.Store // receives the baseline manifest; optional
	Load       tree.LoadOptions
	Log        zerolog.Logger
}

// Build decompiles artifact into outDir and returns the resulting tree.
// outDir is deleted first; on failure it is deleted again so no partial
// baseline survives.
func (b *Builder) Build(ctx context.Context, artifact, outDir string) (*tree.Tree, error) {
	start := time.Now()
	if err := tree.Recreate(outDir); err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	fail := func(stage string, err error) (*tree.Tree, error) {
		if rmErr := os.RemoveAll(outDir); rmErr != nil {
			b.Log.Warn().Err(rmErr).Str("dir", outDir).Msg("could not discard partial baseline")
		}
		return nil, &UnavailableError{Artifact: artifact, Stage: stage, Err: err}
	}

	b.Log.Info().Str("artifact", artifact).Str("out", outDir).Msg("decompiling baseline")
	if err := b.Decompiler.Decompile(ctx, artifact, outDir); err != nil {
		return fail("decompile", err)
	}
	t, err := tree.LoadDir(ctx, outDir, b.Load)
	if err != nil {
		return fail("load", err)
	}
	if t.Len() == 0 {
		return fail("decompile", ErrEmpty)
	}
	if b.Store != nil {
		snap := t.Snapshot(SnapshotName)
		snap.Created = time.Now().UTC().Format(time.RFC3339)
		if err := b.Store.SaveSnapshot(SnapshotName, snap); err != nil {
			return nil, fmt.Errorf("baseline: save manifest: %w", err)
		}
	}
	b.Log.Info().Int("files", t.Len()).Dur("elapsed", time.Since(start)).Msg("baseline ready")
	return t, nil
}

// Load reads an existing baseline directory.
func Load(ctx context.Context, dir string, opt tree.LoadOptions) (*tree.Tree, error) {
	t, err := tree.LoadDir(ctx, dir, opt)
	if err != nil {
		return nil, &UnavailableError{Artifact: dir, Stage: "load", Err: err}
	}
	if t.Len() == 0 {
		return nil, &UnavailableError{Artifact: dir, Stage: "load", Err: ErrEmpty}
	}
	return t, nil
}
