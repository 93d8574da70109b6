// Package config loads jarpatch settings. Sources are layered, later ones
// winning: built-in defaults, a TOML file, JARPATCH_* environment variables
// ("__" separates sections), then command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"jarpatch/internal/bsdiff"
	"jarpatch/internal/patch"
)

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "jarpatch.toml"

// EnvPrefix marks environment variables read by Load.
const EnvPrefix = "JARPATCH_"

// ErrMissing is wrapped by Require.
var ErrMissing = errors.New("missing configuration")

// Store backends for the chain.
const (
	StoreDir    = "dir"
	StoreBadger = "badger"
)

// Paths locates every file and directory the pipeline touches.
type Paths struct {
	Artifact       string `koanf:"artifact"`
	OriginalBinary string `koanf:"original_binary"`
	BaselineDir    string `koanf:"baseline_dir"`
	WorkDir        string `koanf:"work_dir"`
	ChainDir       string `koanf:"chain_dir"`
	CacheDir       string `koanf:"cache_dir"`
	DeltaOut       string `koanf:"delta_out"`
}

// Config is the full configuration.
type Config struct {
	Paths Paths `koanf:"paths"`

	Decompiler struct {
		Command []string      `koanf:"command"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"decompiler"`

	Rebuild struct {
		Command []string      `koanf:"command"`
		Output  string        `koanf:"output"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"rebuild"`

	Fetch struct {
		Manifest string        `koanf:"manifest"`
		Timeout  time.Duration `koanf:"timeout"`
	} `koanf:"fetch"`

	Patch struct {
		Fuzz             int  `koanf:"fuzz"`
		Context          int  `koanf:"context"`
		IgnoreWhitespace bool `koanf:"ignore_whitespace"`
	} `koanf:"patch"`

	Delta struct {
		Format string `koanf:"format"`
		Level  int    `koanf:"level"`
	} `koanf:"delta"`

	Chain struct {
		Store string `koanf:"store"`
	} `koanf:"chain"`

	Log struct {
		Level   string `koanf:"level"`
		Console bool   `koanf:"console"`
	} `koanf:"log"`
}

func defaults() map[string]any {
	return map[string]any{
		"paths.baseline_dir":      "work/baseline",
		"paths.work_dir":          "work/src",
		"paths.chain_dir":         "patches",
		"paths.cache_dir":         "tmp/.jarpatch",
		"paths.delta_out":         "build/jarpatch.delta",
		"decompiler.timeout":      "30m",
		"rebuild.timeout":         "30m",
		"fetch.timeout":           "5m",
		"patch.fuzz":              patch.DefaultFuzz,
		"patch.context":           3,
		"patch.ignore_whitespace": true,
		"delta.format":            string(bsdiff.FormatBSDIFF40),
		"delta.level":             9,
		"chain.store":             StoreDir,
		"log.level":               "info",
		"log.console":             true,
	}
}

// Load builds the configuration. path may be empty, in which case
// DefaultFile is used when present. overrides holds dotted keys, typically
// from command-line flags.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("config overrides: %w", err)
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// envKey maps JARPATCH_PATCH__IGNORE_WHITESPACE to patch.ignore_whitespace.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks enum values and ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := bsdiff.ParseFormat(c.Delta.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Delta.Level < 1 || c.Delta.Level > 9 {
		errs = append(errs, fmt.Errorf("delta.level must be 1..9, got %d", c.Delta.Level))
	}
	if c.Patch.Fuzz < 0 {
		errs = append(errs, fmt.Errorf("patch.fuzz must be >= 0, got %d", c.Patch.Fuzz))
	}
	if c.Patch.Context < 0 {
		errs = append(errs, fmt.Errorf("patch.context must be >= 0, got %d", c.Patch.Context))
	}
	switch c.Chain.Store {
	case StoreDir, StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("chain.store must be %q or %q, got %q", StoreDir, StoreBadger, c.Chain.Store))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Require reports every named path that is empty. Names are the koanf keys
// under "paths", for example "artifact".
func (c *Config) Require(names ...string) error {
	values := map[string]string{
		"artifact":        c.Paths.Artifact,
		"original_binary": c.Paths.OriginalBinary,
		"baseline_dir":    c.Paths.BaselineDir,
		"work_dir":        c.Paths.WorkDir,
		"chain_dir":       c.Paths.ChainDir,
		"cache_dir":       c.Paths.CacheDir,
		"delta_out":       c.Paths.DeltaOut,
		"decompiler":      strings.Join(c.Decompiler.Command, " "),
		"rebuild":         strings.Join(c.Rebuild.Command, " "),
		"manifest":        c.Fetch.Manifest,
	}
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(values[n]) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return nil
}

// PatchOptions returns the hunk placement settings.
func (c *Config) PatchOptions() patch.Options {
	return patch.Options{Fuzz: c.Patch.Fuzz, IgnoreWhitespace: c.Patch.IgnoreWhitespace}
}

// DeltaOptions returns the artifact encoding settings.
func (c *Config) DeltaOptions() bsdiff.EncodeOptions {
	f, _ := bsdiff.ParseFormat(c.Delta.Format)
	return bsdiff.EncodeOptions{Format: f, Level: c.Delta.Level}
}
