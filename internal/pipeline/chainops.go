package pipeline

import (
	"context"
	"fmt"

	"jarpatch/internal/baseline"
	"jarpatch/internal/bundle"
	"jarpatch/internal/cache"
	"jarpatch/internal/chain"
	"jarpatch/internal/tree"
	"jarpatch/internal/validate"
)

// ExtractChain rebuilds the chain from an ordered history and replaces the
// stored chain with it.
func (p *Pipeline) ExtractChain(ctx context.Context, h chain.History) (*chain.Chain, error) {
	if p.deps.Store == nil {
		return nil, fmt.Errorf("no chain store configured")
	}
	snaps, err := h.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	c, err := chain.Extract(snaps, p.cfg.Patch.Context)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save chain: %w", err)
	}
	p.log.Info().Int("snapshots", len(snaps)).Int("records", c.Len()).Msg("chain extracted")
	return c, nil
}

// VerifyChain replays the stored chain onto the existing baseline without
// writing anything.
func (p *Pipeline) VerifyChain(ctx context.Context) (*chain.Result, error) {
	base, err := baseline.Load(ctx, p.cfg.Paths.BaselineDir, p.loadOptions())
	if err != nil {
		return nil, err
	}
	return p.replay(ctx, base)
}

// ExportChain writes the stored chain as a zip bundle at out.
func (p *Pipeline) ExportChain(ctx context.Context, out string) (*bundle.Index, error) {
	if p.deps.Store == nil {
		return nil, fmt.Errorf("no chain store configured")
	}
	c, err := p.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var digest string
	if snap, err := p.cache.LoadSnapshot(baseline.SnapshotName); err == nil && snap != nil && validate.Snapshot(snap) == nil {
		digest = snap.Digest()
	}
	idx, err := bundle.WriteFile(out, c, digest)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("out", out).Int("records", len(idx.Records)).Msg("chain exported")
	return idx, nil
}

// Status describes the working tree relative to the recorded baseline.
type Status struct {
	BaselineFiles int
	WorkFiles     int
	Records       int
	Changes       cache.Changes
}

// Status compares the working tree against the baseline manifest recorded by
// the last baseline build.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	snap, err := p.cache.LoadSnapshot(baseline.SnapshotName)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &baseline.UnavailableError{Artifact: p.cfg.Paths.BaselineDir, Stage: "load", Err: fmt.Errorf("no baseline manifest in %s", p.cache.Root())}
	}
	if err := validate.Snapshot(snap); err != nil {
		return nil, &baseline.UnavailableError{Artifact: p.cfg.Paths.BaselineDir, Stage: "load", Err: fmt.Errorf("baseline manifest: %w", err)}
	}
	work, err := tree.LoadDir(ctx, p.cfg.Paths.WorkDir, p.loadOptions())
	if err != nil {
		return nil, err
	}
	st := &Status{
		BaselineFiles: len(snap.Files),
		WorkFiles:     work.Len(),
		Changes:       cache.Compare(snap, work.Snapshot("work")),
	}
	if p.deps.Store != nil {
		c, err := p.deps.Store.Load(ctx)
		if err != nil {
			return nil, err
		}
		st.Records = c.Len()
	}
	return st, nil
}
