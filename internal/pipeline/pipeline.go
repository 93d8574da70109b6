// Package pipeline sequences the workflows: building the baseline, replaying
// the chain, rebuilding and computing the distributable delta, and the
// consumer-side bootstrap that reverses it.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jarpatch/internal/baseline"
	"jarpatch/internal/cache"
	"jarpatch/internal/chain"
	"jarpatch/internal/config"
	"jarpatch/internal/external"
	"jarpatch/internal/tree"
)

// IgnoreFile is honored at the root of every tree read from disk.
const IgnoreFile = ".jarpatchignore"

// State is a step of the Generate workflow. States only move forward.
type State int

const (
	Uninitialized State = iota
	BaselineReady
	ChainReplayed
	Rebuilt
	DeltaComputed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case BaselineReady:
		return "BaselineReady"
	case ChainReplayed:
		return "ChainReplayed"
	case Rebuilt:
		return "Rebuilt"
	case DeltaComputed:
		return "DeltaComputed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StageError reports which stage failed and the last state reached.
type StageError struct {
	Last  State
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (last completed state: %s): %v", e.Stage, e.Last, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Deps are the collaborators a pipeline calls out to. Unused ones may be nil
// for workflows that do not need them.
type Deps struct {
	Decompiler external.Decompiler
	Rebuilder  external.Rebuilder
	Fetcher    external.Fetcher
	Store      chain.Store
}

// Pipeline runs workflows for one configuration. A pipeline is owned by a
// single goroutine.
type Pipeline struct {
	cfg   *config.Config
	deps  Deps
	cache *cache.Store
	log   zerolog.Logger

	state   State
	started time.Time
}

// New returns a pipeline in the Uninitialized state. Every log event carries
// a fresh run id.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		cache:   baselineCache(cfg),
		log:     log.With().Str("run", uuid.NewString()).Logger(),
		started: time.Now(),
	}
}

// State returns the last state reached.
func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) advance(s State) {
	p.state = s
	p.log.Info().Stringer("state", s).Dur("elapsed", time.Since(p.started)).Msg("state reached")
}

func (p *Pipeline) fail(stage string, err error) error {
	p.log.Error().Err(err).Str("stage", stage).Stringer("last", p.state).Msg("pipeline halted")
	return &StageError{Last: p.state, Stage: stage, Err: err}
}

func (p *Pipeline) loadOptions() tree.LoadOptions {
	return tree.LoadOptions{IgnoreFile: IgnoreFile}
}

func (p *Pipeline) builder() *baseline.Builder {
	return &baseline.Builder{Decompiler: p.deps.Decompiler, Store: p.cache, Load: p.loadOptions(), Log: p.log}
}

// BuildBaseline recreates the baseline directory from the artifact.
func (p *Pipeline) BuildBaseline(ctx context.Context) (*tree.Tree, error) {
	if err := p.cfg.Require("artifact", "baseline_dir"); err != nil {
		return nil, err
	}
	if p.deps.Decompiler == nil {
		return nil, fmt.Errorf("no decompiler configured")
	}
	// A manifest left by an earlier run no longer describes the directory
	// once it is rebuilt.
	if err := p.cache.Clear(); err != nil {
		return nil, fmt.Errorf("clear baseline cache: %w", err)
	}
	t, err := p.builder().Build(ctx, p.cfg.Paths.Artifact, p.cfg.Paths.BaselineDir)
	if err != nil {
		return nil, err
	}
	p.advance(BaselineReady)
	return t, nil
}

// ReplayChain loads the chain, replays it onto base and writes the working
// tree, conflicts included, so they can be resolved by hand. With base nil
// the existing baseline directory is used.
func (p *Pipeline) ReplayChain(ctx context.Context, base *tree.Tree) (*chain.Result, error) {
	if base == nil {
		var err error
		if base, err = baseline.Load(ctx, p.cfg.Paths.BaselineDir, p.loadOptions()); err != nil {
			return nil, err
		}
	}
	res, err := p.replay(ctx, base)
	if err != nil {
		return nil, err
	}
	if err := tree.WriteDir(p.cfg.Paths.WorkDir, res.Tree); err != nil {
		return nil, fmt.Errorf("write working tree: %w", err)
	}
	for _, c := range res.Conflicts {
		p.log.Warn().Int("sequence", c.Sequence).Str("path", c.Path).Int("hunk", c.Hunk).Msg(c.Reason)
	}
	if len(res.Conflicts) == 0 {
		p.advance(ChainReplayed)
	}
	return res, nil
}

func (p *Pipeline) replay(ctx context.Context, base *tree.Tree) (*chain.Result, error) {
	if p.deps.Store == nil {
		return nil, fmt.Errorf("no chain store configured")
	}
	c, err := p.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := chain.Replay(c, base, p.cfg.PatchOptions())
	if err != nil {
		return nil, err
	}
	p.log.Info().Int("records", c.Len()).Int("files", res.Tree.Len()).Int("conflicts", len(res.Conflicts)).Msg("chain replayed")
	return res, nil
}

// GenerateResult summarizes a successful Generate run.
type GenerateResult struct {
	Built    string
	Delta    string
	Manifest *DeltaManifest
}

// Generate runs baseline -> replay -> rebuild -> delta. It stops at the first
// failure, and never rebuilds while replay conflicts remain.
func (p *Pipeline) Generate(ctx context.Context, version string) (*GenerateResult, error) {
	if err := p.cfg.Require("artifact", "baseline_dir", "work_dir", "delta_out"); err != nil {
		return nil, p.fail("configuration", err)
	}
	base, err := p.BuildBaseline(ctx)
	if err != nil {
		return nil, p.fail("baseline", err)
	}
	res, err := p.ReplayChain(ctx, base)
	if err != nil {
		return nil, p.fail("replay", err)
	}
	if err := res.Err(); err != nil {
		return nil, p.fail("replay", err)
	}

	if p.deps.Rebuilder == nil {
		return nil, p.fail("rebuild", fmt.Errorf("no rebuild command configured"))
	}
	built, err := p.deps.Rebuilder.Rebuild(ctx, p.cfg.Paths.WorkDir)
	if err != nil {
		return nil, p.fail("rebuild", err)
	}
	p.advance(Rebuilt)

	original := p.cfg.Paths.OriginalBinary
	if original == "" {
		original = p.cfg.Paths.Artifact
	}
	m, err := ComputeDeltaFile(original, built, p.cfg.Paths.DeltaOut, version, p.cfg.DeltaOptions())
	if err != nil {
		return nil, p.fail("delta", err)
	}
	p.advance(DeltaComputed)
	p.log.Info().
		Str("delta", p.cfg.Paths.DeltaOut).
		Int64("delta_bytes", m.DeltaSize).
		Int64("target_bytes", m.TargetSize).
		Msg("delta written")
	return &GenerateResult{Built: built, Delta: p.cfg.Paths.DeltaOut, Manifest: m}, nil
}

// OpenStore returns the chain store selected by the configuration. The
// closer must be called when done.
func OpenStore(cfg *config.Config, log zerolog.Logger) (chain.Store, io.Closer, error) {
	if err := cfg.Require("chain_dir"); err != nil {
		return nil, nil, err
	}
	if cfg.Chain.Store == config.StoreBadger {
		st, err := chain.OpenBadger(chain.BadgerConfig{Path: cfg.Paths.ChainDir, SyncWrites: true, Logger: &log})
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	return chain.DirStore{Dir: cfg.Paths.ChainDir}, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
