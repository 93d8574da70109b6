// Package chain manages the ordered list of patch records that leads from
// the baseline tree to the working tree: validation, replay, extraction
// from a history of snapshots, and persistence.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"jarpatch/internal/cache"
	"jarpatch/internal/patch"
	"jarpatch/internal/tree"
	"jarpatch/internal/validate"
)

// Chain is a gapless sequence of records numbered from 1.
type Chain struct {
	Records []patch.Record
}

// New validates records and wraps them in a chain.
func New(records []patch.Record) (*Chain, error) {
	if err := Validate(records); err != nil {
		return nil, err
	}
	return &Chain{Records: records}, nil
}

// Len returns the number of records.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// IntegrityError reports a chain that cannot be replayed as stored: a gap,
// a duplicate, records out of order, or an unreadable record.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return "chain integrity: " + strings.Join(e.Problems, "; ")
}

// Validate checks that records are numbered 1..n in order.
func Validate(records []patch.Record) error {
	var errs validate.Problems
	seen := make(map[int]struct{}, len(records))
	prev := 0
	for i, r := range records {
		switch {
		case r.Sequence < 1:
			errs.Add("record %d (%q): sequence must be positive, got %d", i+1, r.Title, r.Sequence)
			continue
		case hasKey(seen, r.Sequence):
			errs.Add("sequence %d appears more than once", r.Sequence)
			continue
		case r.Sequence < prev:
			errs.Add("sequence %d follows %d", r.Sequence, prev)
		}
		seen[r.Sequence] = struct{}{}
		if r.Sequence > prev {
			prev = r.Sequence
		}
	}
	for want := 1; want <= prev; want++ {
		if !hasKey(seen, want) {
			errs.Add("sequence %d is missing", want)
		}
	}
	return integrity(&errs)
}

func hasKey(m map[int]struct{}, k int) bool {
	_, ok := m[k]
	return ok
}

// integrity reports collected problems as an *IntegrityError.
func integrity(p *validate.Problems) error {
	if p.Len() == 0 {
		return nil
	}
	return &IntegrityError{Problems: p.List()}
}

// Result is the outcome of a replay.
type Result struct {
	Tree      *tree.Tree
	Conflicts []patch.Conflict
}

// Err returns a *ConflictError when any hunk failed to apply.
func (r *Result) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	return &ConflictError{Conflicts: r.Conflicts}
}

// ConflictError carries every conflict of a replay.
type ConflictError struct {
	Conflicts []patch.Conflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		return e.Conflicts[0].Error()
	}
	return fmt.Sprintf("%d conflicts, first: %s", len(e.Conflicts), e.Conflicts[0].Error())
}

// Replay applies every record of c, in order, to a copy of baseline. The
// chain is validated first and nothing is applied when it is broken. A
// conflicting hunk is skipped and later records still apply. A nil chain
// replays as an empty one.
func Replay(c *Chain, baseline *tree.Tree, opt patch.Options) (*Result, error) {
	if c == nil {
		c = &Chain{}
	}
	if err := Validate(c.Records); err != nil {
		return nil, err
	}
	work := baseline.Clone()
	res := &Result{Tree: work}
	for _, r := range c.Records {
		res.Conflicts = append(res.Conflicts, patch.Apply(work, r, opt)...)
	}
	return res, nil
}

// Snapshot is one state of a history.
type Snapshot struct {
	Label string
	Tree  *tree.Tree
}

// ErrEmptyHistory is returned when extraction has no baseline to start from.
var ErrEmptyHistory = errors.New("history has no snapshots")

// Extract builds one record per consecutive pair of snapshots. The first
// snapshot is the baseline and produces no record; record i is titled with
// the label of snapshot i.
func Extract(history []Snapshot, context int) (*Chain, error) {
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}
	c := &Chain{Records: make([]patch.Record, 0, len(history)-1)}
	prev := history[0]
	prevSnap := prev.Tree.Snapshot(prev.Label)
	for i := 1; i < len(history); i++ {
		curr := history[i]
		currSnap := curr.Tree.Snapshot(curr.Label)

		var files []patch.FileDiff
		for _, p := range cache.Compare(prevSnap, currSnap).Paths() {
			a, inA := prev.Tree.Get(p)
			b, inB := curr.Tree.Get(p)
			if fd, ok := patch.DiffFile(p, a, inA, b, inB, context); ok {
				files = append(files, fd)
			}
		}
		title := strings.TrimSpace(curr.Label)
		if title == "" {
			title = fmt.Sprintf("Change %d", i)
		}
		c.Records = append(c.Records, patch.Record{Sequence: i, Title: title, Files: files})
		prev, prevSnap = curr, currSnap
	}
	return c, nil
}
