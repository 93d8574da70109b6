// Package bsdiff computes and applies byte-level deltas between two binaries.
//
// The algorithm follows Colin Percival's bsdiff: the source is indexed with a
// suffix array, the target is scanned for long approximate matches, and each
// match becomes a control triple (copy, extra, seek) with the byte-wise
// differences of the copied run stored in the diff segment and unmatched
// bytes stored verbatim in the extra segment.
//
// Invariants:
//   - Diff is deterministic: the same (source, target) always yields the
//     same Delta, and therefore the same encoded artifact.
//   - Patch(Diff(s, t), s) == t for all s, t.
//   - Patch never returns output whose length differs from Header.NewSize.
package bsdiff

import (
	"fmt"
	"math"
)

// controlSize is the encoded size of one control triple.
const controlSize = 24

// Control is one reconstruction step: copy Copy bytes from the source cursor
// (adding diff bytes), append Extra literal bytes, then move the source
// cursor by Seek.
type Control struct {
	Copy  int64
	Extra int64
	Seek  int64
}

// Header carries the logical (uncompressed) segment lengths and the expected
// output length.
type Header struct {
	Format   Format
	CtrlLen  int64
	DiffLen  int64
	ExtraLen int64
	NewSize  int64
}

// Delta is the decoded form of a binary delta.
type Delta struct {
	Header
	Controls []Control
	Diff     []byte
	Extra    []byte
}

// Diff computes the delta that turns source into target.
func Diff(source, target []byte) *Delta {
	I := qsufsort(source)
	oldSize, newSize := len(source), len(target)

	d := &Delta{
		Diff:  make([]byte, 0, newSize),
		Extra: make([]byte, 0),
	}

	var scan, pos, n, lastScan, lastPos, lastOffset int
	for scan < newSize {
		oldScore := 0
		scan += n
		for scsc := scan; scan < newSize; scan++ {
			pos, n = search(I, source, target[scan:])
			for ; scsc < scan+n; scsc++ {
				if at := scsc + lastOffset; at >= 0 && at < oldSize && source[at] == target[scsc] {
					oldScore++
				}
			}
			if (n == oldScore && n != 0) || n > oldScore+8 {
				break
			}
			if at := scan + lastOffset; at >= 0 && at < oldSize && source[at] == target[scan] {
				oldScore--
			}
		}

		if n == oldScore && scan != newSize {
			continue
		}

		// Extend the previous match forward while it scores better than not.
		s, sf, lenf := 0, 0, 0
		for i := 0; lastScan+i < scan && lastPos+i < oldSize; {
			if source[lastPos+i] == target[lastScan+i] {
				s++
			}
			i++
			if s*2-i > sf*2-lenf {
				sf, lenf = s, i
			}
		}

		// Extend the next match backward.
		lenb := 0
		if scan < newSize {
			s, sb := 0, 0
			for i := 1; scan >= lastScan+i && pos >= i; i++ {
				if source[pos-i] == target[scan-i] {
					s++
				}
				if s*2-i > sb*2-lenb {
					sb, lenb = s, i
				}
			}
		}

		// Resolve overlap between the two extensions.
		if lastScan+lenf > scan-lenb {
			overlap := (lastScan + lenf) - (scan - lenb)
			s, ss, lens := 0, 0, 0
			for i := 0; i < overlap; i++ {
				if target[lastScan+lenf-overlap+i] == source[lastPos+lenf-overlap+i] {
					s++
				}
				if target[scan-lenb+i] == source[pos-lenb+i] {
					s--
				}
				if s > ss {
					ss, lens = s, i+1
				}
			}
			lenf += lens - overlap
			lenb -= lens
		}

		for i := 0; i < lenf; i++ {
			d.Diff = append(d.Diff, target[lastScan+i]-source[lastPos+i])
		}
		extra := (scan - lenb) - (lastScan + lenf)
		d.Extra = append(d.Extra, target[lastScan+lenf:lastScan+lenf+extra]...)

		d.Controls = append(d.Controls, Control{
			Copy:  int64(lenf),
			Extra: int64(extra),
			Seek:  int64((pos - lenb) - (lastPos + lenf)),
		})

		lastScan = scan - lenb
		lastPos = pos - lenb
		lastOffset = pos - scan
	}

	d.Header = Header{
		CtrlLen:  int64(len(d.Controls) * controlSize),
		DiffLen:  int64(len(d.Diff)),
		ExtraLen: int64(len(d.Extra)),
		NewSize:  int64(newSize),
	}
	return d
}

// Patch reconstructs the target from source. It fails with
// *CorruptDeltaError when the delta is structurally inconsistent or reads
// outside source.
func Patch(d *Delta, source []byte) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, d.NewSize)
	oldSize := int64(len(source))
	var oldPos, newPos, diffPos, extraPos int64

	for i, c := range d.Controls {
		if c.Copy > 0 {
			if oldPos < 0 || oldPos > oldSize || c.Copy > oldSize-oldPos {
				return nil, corruptf(i, newPos, "copy of %d bytes at source offset %d exceeds source length %d", c.Copy, oldPos, oldSize)
			}
			src := source[oldPos : oldPos+c.Copy]
			dst := out[newPos : newPos+c.Copy]
			diff := d.Diff[diffPos : diffPos+c.Copy]
			for j := range dst {
				dst[j] = diff[j] + src[j]
			}
		}
		newPos += c.Copy
		oldPos += c.Copy
		diffPos += c.Copy

		copy(out[newPos:newPos+c.Extra], d.Extra[extraPos:extraPos+c.Extra])
		newPos += c.Extra
		extraPos += c.Extra
		oldPos += c.Seek
	}
	return out, nil
}

// validate checks the control stream against the declared segment lengths
// before any output is produced.
func (d *Delta) validate() error {
	if d == nil {
		return corruptf(-1, 0, "nil delta")
	}
	if d.NewSize < 0 {
		return corruptf(-1, 0, "negative output length %d", d.NewSize)
	}
	if want := int64(len(d.Controls)) * controlSize; d.CtrlLen != want {
		return corruptf(-1, 0, "control segment is %d bytes, header declares %d", want, d.CtrlLen)
	}
	if int64(len(d.Diff)) != d.DiffLen {
		return corruptf(-1, 0, "diff segment is %d bytes, header declares %d", len(d.Diff), d.DiffLen)
	}
	if int64(len(d.Extra)) != d.ExtraLen {
		return corruptf(-1, 0, "extra segment is %d bytes, header declares %d", len(d.Extra), d.ExtraLen)
	}

	var out, diff, extra int64
	for i, c := range d.Controls {
		if c.Copy < 0 || c.Extra < 0 {
			return corruptf(i, out, "negative length in control (copy=%d extra=%d)", c.Copy, c.Extra)
		}
		if c.Copy > math.MaxInt64-out-c.Extra {
			return corruptf(i, out, "control lengths overflow")
		}
		if out+c.Copy > d.NewSize {
			return corruptf(i, out, "copy of %d bytes overruns output length %d", c.Copy, d.NewSize)
		}
		if diff+c.Copy > d.DiffLen {
			return corruptf(i, out, "copy of %d bytes overruns diff segment at offset %d", c.Copy, diff)
		}
		out += c.Copy
		diff += c.Copy
		if out+c.Extra > d.NewSize {
			return corruptf(i, out, "extra of %d bytes overruns output length %d", c.Extra, d.NewSize)
		}
		if extra+c.Extra > d.ExtraLen {
			return corruptf(i, out, "extra of %d bytes overruns extra segment at offset %d", c.Extra, extra)
		}
		out += c.Extra
		extra += c.Extra
	}
	if out != d.NewSize {
		return corruptf(-1, out, "controls produce %d bytes, header declares %d", out, d.NewSize)
	}
	if diff != d.DiffLen || extra != d.ExtraLen {
		return corruptf(-1, out, "unconsumed segment bytes (diff %d/%d, extra %d/%d)", diff, d.DiffLen, extra, d.ExtraLen)
	}
	return nil
}

// CorruptDeltaError reports a structural violation in a delta. Control is
// the index of the offending control triple, or -1 for header-level faults.
type CorruptDeltaError struct {
	Control int
	Offset  int64
	Reason  string
}

func (e *CorruptDeltaError) Error() string {
	if e.Control < 0 {
		return fmt.Sprintf("corrupt delta: %s (output offset %d)", e.Reason, e.Offset)
	}
	return fmt.Sprintf("corrupt delta: %s (control %d, output offset %d)", e.Reason, e.Control, e.Offset)
}

func corruptf(control int, offset int64, format string, args ...any) *CorruptDeltaError {
	return &CorruptDeltaError{Control: control, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
