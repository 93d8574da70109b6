package external

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Decompiler turns an obfuscated artifact into remapped source files under
// outDir. A non-nil error means no usable baseline was produced.
type Decompiler interface {
	Decompile(ctx context.Context, artifact, outDir string) error
}

// Rebuilder compiles a source tree and returns the path of the built binary.
type Rebuilder interface {
	Rebuild(ctx context.Context, sourceDir string) (string, error)
}

// CommandDecompiler runs a configured command line. The template may use
// {input} and {output}.
type CommandDecompiler struct {
	Runner  *Runner
	Command []string
	Timeout time.Duration
}

func (d *CommandDecompiler) Decompile(ctx context.Context, artifact, outDir string) error {
	if _, err := os.Stat(artifact); err != nil {
		return fmt.Errorf("decompile: artifact: %w", err)
	}
	path, args, err := Expand(d.Command, map[string]string{"input": artifact, "output": outDir})
	if err != nil {
		return fmt.Errorf("decompile: %w", err)
	}
	return d.Runner.Run(ctx, Command{Tool: "decompiler", Path: path, Args: args, Timeout: d.Timeout})
}

// CommandRebuilder runs a build command inside the source tree. The template
// may use {source} and {output}. Output names the produced binary, relative
// paths being resolved against the source tree, and may be a glob matching
// exactly one file. When Command is empty the build system is detected from
// the tree.
type CommandRebuilder struct {
	Runner  *Runner
	Command []string
	Output  string
	Timeout time.Duration
}

func (b *CommandRebuilder) Rebuild(ctx context.Context, sourceDir string) (string, error) {
	command, output := b.Command, b.Output
	if len(command) == 0 {
		bs := DetectBuild(sourceDir)
		if bs.Name == "" {
			return "", fmt.Errorf("rebuild: no command configured and no pom.xml or build.gradle in %s", sourceDir)
		}
		b.Runner.Log.Info().Str("build", bs.Name).Str("module", bs.Module).Str("jdk", bs.JDK).Msg("detected build system")
		command = bs.Command
		if output == "" {
			output = bs.Output
		}
	}
	if output == "" {
		return "", fmt.Errorf("rebuild: no output path configured")
	}
	if !filepath.IsAbs(output) {
		output = filepath.Join(sourceDir, output)
	}
	// A binary left over from an earlier build must not pass for this one.
	stale, err := filepath.Glob(output)
	if err != nil {
		return "", fmt.Errorf("rebuild: output %q: %w", output, err)
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("rebuild: %w", err)
		}
	}
	path, args, err := Expand(command, map[string]string{"source": sourceDir, "output": output})
	if err != nil {
		return "", fmt.Errorf("rebuild: %w", err)
	}
	if err := b.Runner.Run(ctx, Command{Tool: "rebuild", Path: path, Args: args, Dir: sourceDir, Timeout: b.Timeout}); err != nil {
		return "", err
	}
	matches, err := filepath.Glob(output)
	if err != nil {
		return "", fmt.Errorf("rebuild: output %q: %w", output, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("rebuild: expected output %s was not produced", output)
	case 1:
	default:
		return "", fmt.Errorf("rebuild: output %s matches %d files: %s", output, len(matches), strings.Join(matches, ", "))
	}
	st, err := os.Stat(matches[0])
	if err != nil {
		return "", fmt.Errorf("rebuild: %w", err)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("rebuild: output %s is not a regular file", matches[0])
	}
	return matches[0], nil
}
