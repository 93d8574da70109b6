// Package main provides the jarpatch CLI. It maintains an ordered chain of
// source patches over a decompiled baseline and turns the patched tree into a
// compact binary delta against the original artifact.
//
// Exit codes:
//   - 0 success
//   - 1 unexpected failure
//   - 2 usage or missing configuration
//   - 3 baseline unavailable
//   - 4 replay conflicts
//   - 5 corrupt or mismatched delta
//   - 6 broken chain
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"jarpatch/internal/baseline"
	"jarpatch/internal/bsdiff"
	"jarpatch/internal/chain"
	"jarpatch/internal/config"
	"jarpatch/internal/pipeline"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitBaseline
	exitConflict
	exitDelta
	exitIntegrity
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	report(stderr, err)
	return exitCode(err)
}

// usageError marks bad invocations.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

func exitCode(err error) int {
	var (
		ue *usageError
		be *baseline.UnavailableError
		ce *chain.ConflictError
		de *bsdiff.CorruptDeltaError
		me *pipeline.MismatchError
		ie *chain.IntegrityError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue), errors.Is(err, config.ErrMissing):
		return exitUsage
	case errors.As(err, &be):
		return exitBaseline
	case errors.As(err, &ce):
		return exitConflict
	case errors.As(err, &de), errors.As(err, &me):
		return exitDelta
	case errors.As(err, &ie):
		return exitIntegrity
	}
	return exitFailure
}

var categories = map[int]string{
	exitFailure:   "error",
	exitUsage:     "usage",
	exitBaseline:  "baseline unavailable",
	exitConflict:  "conflict",
	exitDelta:     "delta",
	exitIntegrity: "chain integrity",
}

// report prints one "category: detail" line, or one line per conflict.
func report(w io.Writer, err error) {
	var ce *chain.ConflictError
	if errors.As(err, &ce) {
		for _, c := range ce.Conflicts {
			fmt.Fprintf(w, "conflict: %s\n", c.Error())
		}
		return
	}
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	fmt.Fprintf(w, "%s: %s\n", categories[exitCode(err)], msg)
}
