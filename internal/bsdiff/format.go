package bsdiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"golang.org/x/sync/errgroup"
)

// Format selects the on-disk artifact layout.
type Format string

const (
	// FormatBSDIFF40 is the classic bsdiff 4.x layout understood by bspatch
	// and JVM ports: a 32-byte header (magic, compressed control length,
	// compressed diff length, output length) followed by three bzip2 streams.
	// The extra segment runs to the end of the file.
	FormatBSDIFF40 Format = "bsdiff40"

	// FormatJPDelta1 uses a 40-byte header that declares all three
	// compressed segment lengths, so trailing garbage is detectable.
	FormatJPDelta1 Format = "jpdelta1"
)

var (
	magicBSDIFF40 = []byte("BSDIFF40")
	magicJPDelta1 = []byte("JPDELTA1")
)

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatBSDIFF40, FormatJPDelta1:
		return Format(s), nil
	case "":
		return FormatBSDIFF40, nil
	}
	return "", fmt.Errorf("unknown delta format %q (want %s or %s)", s, FormatBSDIFF40, FormatJPDelta1)
}

func (f Format) magic() []byte {
	if f == FormatJPDelta1 {
		return magicJPDelta1
	}
	return magicBSDIFF40
}

func (f Format) headerSize() int {
	if f == FormatJPDelta1 {
		return 40
	}
	return 32
}

// EncodeOptions controls artifact encoding.
type EncodeOptions struct {
	Format Format
	// Level is the bzip2 level (1..9). Zero selects the best compression.
	Level int
}

// Marshal encodes d as a delta artifact.
func Marshal(d *Delta, opt EncodeOptions) ([]byte, error) {
	format := opt.Format
	if format == "" {
		format = FormatBSDIFF40
	}
	level := opt.Level
	if level == 0 {
		level = bzip2.BestCompression
	}

	ctrl := make([]byte, len(d.Controls)*controlSize)
	for i, c := range d.Controls {
		b := ctrl[i*controlSize:]
		putOff(b[0:8], c.Copy)
		putOff(b[8:16], c.Extra)
		putOff(b[16:24], c.Seek)
	}

	var segs [3][]byte
	var g errgroup.Group
	for i, raw := range [][]byte{ctrl, d.Diff, d.Extra} {
		i, raw := i, raw
		g.Go(func() error {
			z, err := compress(raw, level)
			if err != nil {
				return fmt.Errorf("compress segment %d: %w", i, err)
			}
			segs[i] = z
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hdr := make([]byte, format.headerSize())
	copy(hdr, format.magic())
	putOff(hdr[8:16], int64(len(segs[0])))
	putOff(hdr[16:24], int64(len(segs[1])))
	if format == FormatJPDelta1 {
		putOff(hdr[24:32], int64(len(segs[2])))
		putOff(hdr[32:40], d.NewSize)
	} else {
		putOff(hdr[24:32], d.NewSize)
	}

	var out bytes.Buffer
	out.Grow(len(hdr) + len(segs[0]) + len(segs[1]) + len(segs[2]))
	out.Write(hdr)
	for _, s := range segs {
		out.Write(s)
	}
	return out.Bytes(), nil
}

// Unmarshal decodes a delta artifact in either format. Structural problems
// are reported as *CorruptDeltaError.
func Unmarshal(data []byte) (*Delta, error) {
	if len(data) < 8 {
		return nil, corruptf(-1, 0, "artifact is %d bytes, shorter than a header", len(data))
	}
	var format Format
	switch {
	case bytes.Equal(data[:8], magicBSDIFF40):
		format = FormatBSDIFF40
	case bytes.Equal(data[:8], magicJPDelta1):
		format = FormatJPDelta1
	default:
		return nil, corruptf(-1, 0, "unknown magic %q", data[:8])
	}
	hs := format.headerSize()
	if len(data) < hs {
		return nil, corruptf(-1, 0, "artifact is %d bytes, header needs %d", len(data), hs)
	}

	ctrlLen := getOff(data[8:16])
	diffLen := getOff(data[16:24])
	var extraLen, newSize int64
	body := int64(len(data) - hs)
	if format == FormatJPDelta1 {
		extraLen = getOff(data[24:32])
		newSize = getOff(data[32:40])
	} else {
		newSize = getOff(data[24:32])
		extraLen = body - ctrlLen - diffLen
	}
	if ctrlLen < 0 || diffLen < 0 || extraLen < 0 || newSize < 0 {
		return nil, corruptf(-1, 0, "negative length in header (ctrl=%d diff=%d extra=%d new=%d)", ctrlLen, diffLen, extraLen, newSize)
	}
	if ctrlLen > body || diffLen > body-ctrlLen || ctrlLen+diffLen+extraLen != body {
		return nil, corruptf(-1, 0, "segment lengths (ctrl=%d diff=%d extra=%d) do not match payload of %d bytes", ctrlLen, diffLen, extraLen, body)
	}

	off := int64(hs)
	raw := [3][]byte{
		data[off : off+ctrlLen],
		data[off+ctrlLen : off+ctrlLen+diffLen],
		data[off+ctrlLen+diffLen:],
	}
	var segs [3][]byte
	var g errgroup.Group
	for i, z := range raw {
		i, z := i, z
		g.Go(func() error {
			b, err := decompress(z)
			if err != nil {
				return corruptf(-1, 0, "segment %d: %v", i, err)
			}
			segs[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ctrl := segs[0]
	if len(ctrl)%controlSize != 0 {
		return nil, corruptf(-1, 0, "control segment length %d is not a multiple of %d", len(ctrl), controlSize)
	}
	d := &Delta{
		Header: Header{
			Format:   format,
			CtrlLen:  int64(len(ctrl)),
			DiffLen:  int64(len(segs[1])),
			ExtraLen: int64(len(segs[2])),
			NewSize:  newSize,
		},
		Controls: make([]Control, len(ctrl)/controlSize),
		Diff:     segs[1],
		Extra:    segs[2],
	}
	for i := range d.Controls {
		b := ctrl[i*controlSize:]
		d.Controls[i] = Control{Copy: getOff(b[0:8]), Extra: getOff(b[8:16]), Seek: getOff(b[16:24])}
	}
	return d, nil
}

func compress(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: level})
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(z []byte) ([]byte, error) {
	zr, err := bzip2.NewReader(bytes.NewReader(z), nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// putOff writes x in bsdiff's sign-magnitude little-endian encoding.
func putOff(b []byte, x int64) {
	y := x
	if x < 0 {
		y = -x
	}
	binary.LittleEndian.PutUint64(b, uint64(y))
	if x < 0 {
		b[7] |= 0x80
	}
}

func getOff(b []byte) int64 {
	y := int64(binary.LittleEndian.Uint64(b) &^ (1 << 63))
	if b[7]&0x80 != 0 {
		y = -y
	}
	return y
}
