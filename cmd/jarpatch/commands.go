package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jarpatch/internal/bsdiff"
	"jarpatch/internal/chain"
	"jarpatch/internal/config"
	"jarpatch/internal/external"
	"jarpatch/internal/logging"
	"jarpatch/internal/patch"
	"jarpatch/internal/pipeline"
	"jarpatch/internal/tree"
)

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	sets       []string

	cfg *config.Config
	log zerolog.Logger
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jarpatch",
		Short: "Maintain a patch chain over a decompiled artifact and ship it as a binary delta",
		Long: `jarpatch keeps source modifications of an obfuscated artifact as an ordered
chain of unified-diff patches over a decompiled baseline, rebuilds the patched
tree, and distributes the result as a bsdiff delta against the original binary.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return usageErrorf("no command given")
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "TOML configuration file (default ./"+config.DefaultFile+" when present)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringArrayVar(&a.sets, "set", nil, "override a configuration key, e.g. --set patch.fuzz=5 (repeatable)")

	root.AddCommand(
		a.generateBaselineCmd(),
		a.replayChainCmd(),
		a.extractChainCmd(),
		a.computeDeltaCmd(),
		a.applyDeltaCmd(),
		a.generateCmd(),
		a.bootstrapCmd(),
		a.verifyChainCmd(),
		a.exportChainCmd(),
		a.statusCmd(),
	)
	return root
}

func (a *app) setup() error {
	overrides := map[string]any{}
	for _, s := range a.sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return usageErrorf("--set %q: want key=value", s)
		}
		overrides[strings.TrimSpace(k)] = v
	}
	if a.logLevel != "" {
		overrides["log.level"] = a.logLevel
	}
	cfg, err := config.Load(a.configPath, overrides)
	if err != nil {
		return &usageError{err: err}
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Console, Writer: a.stderr})
	if err != nil {
		return &usageError{err: err}
	}
	a.cfg, a.log = cfg, log
	zlog.Logger = log
	return nil
}

// pipeline opens the chain store and wires the configured tools. The
// returned func releases the store.
func (a *app) pipeline() (*pipeline.Pipeline, func(), error) {
	store, closer, err := pipeline.OpenStore(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := closer.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing chain store")
		}
	}
	return pipeline.New(a.cfg, pipeline.CommandDeps(a.cfg, store, a.log), a.log), release, nil
}

func (a *app) printConflicts(res *chain.Result, detail bool) {
	if !detail {
		return
	}
	for _, c := range res.Conflicts {
		fmt.Fprint(a.stderr, c.Detail())
	}
}

func (a *app) generateBaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-baseline",
		Short: "Decompile the artifact into a fresh baseline directory",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Require("artifact", "decompiler"); err != nil {
				return err
			}
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			t, err := p.BuildBaseline(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "baseline: %d files in %s\n", t.Len(), a.cfg.Paths.BaselineDir)
			return nil
		},
	}
}

func (a *app) replayChainCmd() *cobra.Command {
	var fresh, detail bool
	cmd := &cobra.Command{
		Use:   "replay-chain",
		Short: "Apply every patch of the chain onto the baseline and write the working tree",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fresh {
				if err := a.cfg.Require("artifact", "decompiler"); err != nil {
					return err
				}
			}
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			var base *tree.Tree
			if fresh {
				if base, err = p.BuildBaseline(cmd.Context()); err != nil {
					return err
				}
			}
			res, err := p.ReplayChain(cmd.Context(), base)
			if err != nil {
				return err
			}
			a.printConflicts(res, detail)
			fmt.Fprintf(a.stdout, "working tree: %d files in %s\n", res.Tree.Len(), a.cfg.Paths.WorkDir)
			return res.Err()
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "rebuild the baseline from the artifact first")
	cmd.Flags().BoolVar(&detail, "show-context", false, "print expected and actual context of each conflict")
	return cmd
}

func (a *app) extractChainCmd() *cobra.Command {
	var (
		snapshots []string
		repo      string
		ref       string
	)
	cmd := &cobra.Command{
		Use:   "extract-chain",
		Short: "Rebuild the chain from an ordered history and replace the stored chain",
		Long: `The history is either a list of snapshot directories (baseline first),
given as --snapshot label=dir in order, or the first-parent history of a git
repository whose root commit is the baseline.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(snapshots) > 0) == (repo != "") {
				return usageErrorf("give either --snapshot (repeatable) or --git")
			}
			var h chain.History
			if repo != "" {
				h = chain.GitHistory{Repo: repo, Ref: ref, Runner: external.NewRunner(a.log)}
			} else {
				specs := make([]chain.DirSpec, 0, len(snapshots))
				for _, s := range snapshots {
					spec, err := chain.ParseDirSpec(s)
					if err != nil {
						return &usageError{err: err}
					}
					specs = append(specs, spec)
				}
				h = chain.DirHistory{Specs: specs, Load: tree.LoadOptions{IgnoreFile: pipeline.IgnoreFile}}
			}
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			c, err := p.ExtractChain(cmd.Context(), h)
			if err != nil {
				return err
			}
			width := patch.Width(c.Len())
			for _, r := range c.Records {
				fmt.Fprintln(a.stdout, patch.FileName(r.Sequence, width, r.Title))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&snapshots, "snapshot", nil, "snapshot directory as label=dir, oldest first (repeatable)")
	cmd.Flags().StringVar(&repo, "git", "", "git repository to read the history from")
	cmd.Flags().StringVar(&ref, "ref", "HEAD", "git ref whose first-parent history is used")
	return cmd
}

func (a *app) deltaOptions(format string) (bsdiff.EncodeOptions, error) {
	opt := a.cfg.DeltaOptions()
	if format != "" {
		f, err := bsdiff.ParseFormat(format)
		if err != nil {
			return opt, &usageError{err: err}
		}
		opt.Format = f
	}
	return opt, nil
}

func (a *app) computeDeltaCmd() *cobra.Command {
	var version, format string
	cmd := &cobra.Command{
		Use:   "compute-delta SOURCE TARGET OUT",
		Short: "Write the delta turning SOURCE into TARGET, plus OUT.json",
		Args:  usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := a.deltaOptions(format)
			if err != nil {
				return err
			}
			m, err := pipeline.ComputeDeltaFile(args[0], args[1], args[2], version, opt)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d bytes (%s), target %d bytes sha256 %s\n", args[2], m.DeltaSize, m.Format, m.TargetSize, m.TargetSHA256)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version id of SOURCE recorded in the manifest")
	cmd.Flags().StringVar(&format, "format", "", "artifact format: bsdiff40 or jpdelta1 (default from configuration)")
	return cmd
}

func (a *app) applyDeltaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply-delta SOURCE DELTA OUT",
		Short: "Apply DELTA to SOURCE and write OUT, verifying against DELTA.json when present",
		Args:  usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pipeline.ApplyDeltaFile(args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", args[2])
			return nil
		},
	}
}

func (a *app) generateCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Baseline, replay, rebuild and compute the distributable delta",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Require("artifact", "decompiler"); err != nil {
				return err
			}
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			res, err := p.Generate(cmd.Context(), version)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "delta: %s (%d bytes), target sha256 %s\n", res.Delta, res.Manifest.DeltaSize, res.Manifest.TargetSHA256)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version id of the original artifact recorded in the manifest")
	return cmd
}

func (a *app) bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap VERSION DELTA OUT",
		Short: "Fetch the original binary for VERSION, apply DELTA and write OUT",
		Args:  usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Require("manifest"); err != nil {
				return err
			}
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			if _, err := p.Bootstrap(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", args[2])
			return nil
		},
	}
}

func (a *app) verifyChainCmd() *cobra.Command {
	var detail bool
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Check that the chain applies cleanly to the baseline without writing anything",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			res, err := p.VerifyChain(cmd.Context())
			if err != nil {
				return err
			}
			a.printConflicts(res, detail)
			if err := res.Err(); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "chain applies cleanly")
			return nil
		},
	}
	cmd.Flags().BoolVar(&detail, "show-context", false, "print expected and actual context of each conflict")
	return cmd
}

func (a *app) exportChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-chain OUT",
		Short: "Write the chain and its index as a zip bundle",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			idx, err := p.ExportChain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d records\n", args[0], len(idx.Records))
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how the working tree differs from the baseline",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := a.pipeline()
			if err != nil {
				return err
			}
			defer release()
			st, err := p.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "baseline %d files, working tree %d files, chain %d records\n", st.BaselineFiles, st.WorkFiles, st.Records)
			for _, f := range st.Changes.Added {
				fmt.Fprintf(a.stdout, "A %s\n", f.Path)
			}
			for _, f := range st.Changes.Changed {
				fmt.Fprintf(a.stdout, "M %s\n", f.Path)
			}
			for _, f := range st.Changes.Removed {
				fmt.Fprintf(a.stdout, "D %s\n", f.Path)
			}
			return nil
		},
	}
}
