// Package external wraps the tools the pipeline delegates to: the
// decompiler, the rebuild command and the baseline download.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout is wrapped when a tool exceeds its time limit.
var ErrTimeout = errors.New("tool timed out")

// waitDelay bounds how long Run waits for output pipes after the process
// is killed.
const waitDelay = 5 * time.Second

// stderrTail is how many trailing stderr lines are kept for error reports.
const stderrTail = 20

// Command is one synchronous tool invocation.
type Command struct {
	Tool    string // label used in logs and errors
	Path    string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Stdin   io.Reader
	Stdout  io.Writer // nil drains stdout into the debug log
	Timeout time.Duration
}

// ExitError reports a tool that ran and exited non-zero.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner starts processes and always collects them: output is fully drained
// and the exit status reaped on success, failure and cancellation alike.
type Runner struct {
	Log zerolog.Logger
}

// NewRunner returns a runner logging through log.
func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{Log: log}
}

// Run executes c and waits for it.
func (r *Runner) Run(ctx context.Context, c Command) error {
	if c.Path == "" {
		return fmt.Errorf("%s: empty command", c.Tool)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay

	log := r.Log.With().Str("tool", c.Tool).Logger()
	stderr := &lineLog{log: log, stream: "stderr", keep: stderrTail}
	cmd.Stderr = stderr
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &lineLog{log: log, stream: "stdout"}
	}

	start := time.Now()
	log.Debug().Str("cmd", c.Path).Strs("args", c.Args).Str("dir", c.Dir).Msg("starting")
	err := cmd.Run()
	stderr.flush()
	if lw, ok := cmd.Stdout.(*lineLog); ok {
		lw.flush()
	}
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.Debug().Dur("elapsed", elapsed).Msg("finished")
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s after %s: %w", c.Tool, c.Timeout, ErrTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", c.Tool, ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Tool: c.Tool, Code: ee.ExitCode(), Stderr: stderr.tail()}
	}
	return fmt.Errorf("%s: %w", c.Tool, err)
}

// lineLog writes each complete output line as a debug event and optionally
// remembers the last few.
type lineLog struct {
	mu     sync.Mutex
	log    zerolog.Logger
	stream string
	buf    []byte
	keep   int
	last   []string
}

func (w *lineLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineLog) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineLog) emit(line string) {
	w.log.Debug().Str("stream", w.stream).Msg(line)
	if w.keep == 0 {
		return
	}
	w.last = append(w.last, line)
	if len(w.last) > w.keep {
		w.last = w.last[len(w.last)-w.keep:]
	}
}

func (w *lineLog) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(strings.Join(w.last, "\n"))
}

// Expand substitutes {name} placeholders in a command template and splits
// it into program and arguments.
func Expand(template []string, vars map[string]string) (string, []string, error) {
	if len(template) == 0 {
		return "", nil, errors.New("empty command template")
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(template))
	for i, arg := range template {
		for _, k := range keys {
			arg = strings.ReplaceAll(arg, "{"+k+"}", vars[k])
		}
		out[i] = arg
	}
	return out[0], out[1:], nil
}
