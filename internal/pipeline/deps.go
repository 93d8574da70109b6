package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"jarpatch/internal/cache"
	"jarpatch/internal/chain"
	"jarpatch/internal/config"
	"jarpatch/internal/external"
)

// CommandDeps wires the external tools named in cfg. A decompiler or fetcher
// that is not configured stays nil and the workflows needing it report that.
func CommandDeps(cfg *config.Config, store chain.Store, log zerolog.Logger) Deps {
	runner := external.NewRunner(log)
	d := Deps{Store: store}
	if len(cfg.Decompiler.Command) > 0 {
		d.Decompiler = &external.CommandDecompiler{Runner: runner, Command: cfg.Decompiler.Command, Timeout: cfg.Decompiler.Timeout}
	}
	// Without a command the rebuilder falls back to the tree's pom.xml or
	// build.gradle.
	d.Rebuilder = &external.CommandRebuilder{Runner: runner, Command: cfg.Rebuild.Command, Output: cfg.Rebuild.Output, Timeout: cfg.Rebuild.Timeout}
	if cfg.Fetch.Manifest != "" {
		d.Fetcher = external.NewHTTPFetcher(cfg.Fetch.Manifest, cfg.Fetch.Timeout, fetchCache(cfg), log)
	}
	return d
}

// baselineCache holds the manifest of the configured baseline directory.
func baselineCache(cfg *config.Config) *cache.Store {
	return cache.Open(cache.Dir(cfg.Paths.CacheDir, absPath(cfg.Paths.BaselineDir)))
}

// fetchCache holds the baselines downloaded through the configured versions
// manifest.
func fetchCache(cfg *config.Config) *cache.Store {
	key := cfg.Fetch.Manifest
	if !strings.Contains(key, "://") {
		key = absPath(key)
	}
	return cache.Open(cache.Dir(cfg.Paths.CacheDir, key))
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
