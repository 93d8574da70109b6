package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"jarpatch/internal/baseline"
	"jarpatch/internal/bsdiff"
	"jarpatch/internal/cache"
	"jarpatch/internal/validate"
)

// ManifestVersion is the current delta manifest layout.
const ManifestVersion = 1

// DeltaManifest sits next to a delta artifact as <delta>.json and lets the
// consumer check inputs and output.
type DeltaManifest struct {
	ManifestVersion int    `json:"manifest_version"`
	Version         string `json:"version,omitempty"`
	Format          string `json:"format"`
	SourceSHA256    string `json:"source_sha256"`
	SourceSize      int64  `json:"source_size"`
	TargetSHA256    string `json:"target_sha256"`
	TargetSize      int64  `json:"target_size"`
	DeltaSHA256     string `json:"delta_sha256"`
	DeltaSize       int64  `json:"delta_size"`
	Created         string `json:"created,omitempty"`
}

// ManifestPath returns where the manifest of delta lives.
func ManifestPath(delta string) string { return delta + ".json" }

// ReadManifest loads the manifest of delta. A missing manifest yields
// (nil, nil).
func ReadManifest(delta string) (*DeltaManifest, error) {
	b, err := os.ReadFile(ManifestPath(delta))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m DeltaManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("delta manifest %s: %w", ManifestPath(delta), err)
	}
	for name, sum := range map[string]string{"source_sha256": m.SourceSHA256, "target_sha256": m.TargetSHA256, "delta_sha256": m.DeltaSHA256} {
		if sum != "" && !validate.SHA256(sum) {
			return nil, fmt.Errorf("delta manifest %s: %s is not a sha256 digest", ManifestPath(delta), name)
		}
	}
	return &m, nil
}

// MismatchError means an input or output did not match the delta manifest.
type MismatchError struct {
	What string
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: manifest says %s, got %s", e.What, e.Want, e.Got)
}

// ComputeDelta encodes the delta turning source into target and checks that
// it reproduces target before returning it.
func ComputeDelta(source, target []byte, version string, opt bsdiff.EncodeOptions) ([]byte, *DeltaManifest, error) {
	d := bsdiff.Diff(source, target)
	data, err := bsdiff.Marshal(d, opt)
	if err != nil {
		return nil, nil, err
	}
	back, err := bsdiff.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("delta self-check: %w", err)
	}
	out, err := bsdiff.Patch(back, source)
	if err != nil {
		return nil, nil, fmt.Errorf("delta self-check: %w", err)
	}
	if !bytes.Equal(out, target) {
		return nil, nil, errors.New("delta self-check: output differs from target")
	}
	format := opt.Format
	if format == "" {
		format = bsdiff.FormatBSDIFF40
	}
	m := &DeltaManifest{
		ManifestVersion: ManifestVersion,
		Version:         version,
		Format:          string(format),
		SourceSHA256:    cache.HashBytes(source),
		SourceSize:      int64(len(source)),
		TargetSHA256:    cache.HashBytes(target),
		TargetSize:      int64(len(target)),
		DeltaSHA256:     cache.HashBytes(data),
		DeltaSize:       int64(len(data)),
		Created:         time.Now().UTC().Format(time.RFC3339),
	}
	return data, m, nil
}

// ComputeDeltaFile reads both binaries, writes the delta to out and its
// manifest next to it.
func ComputeDeltaFile(sourcePath, targetPath, out, version string, opt bsdiff.EncodeOptions) (*DeltaManifest, error) {
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source binary: %w", err)
	}
	target, err := os.ReadFile(targetPath)
	if err != nil {
		return nil, fmt.Errorf("read target binary: %w", err)
	}
	data, m, err := ComputeDelta(source, target, version, opt)
	if err != nil {
		return nil, err
	}
	if err := cache.WriteFileAtomic(out, data, 0o644); err != nil {
		return nil, fmt.Errorf("write delta: %w", err)
	}
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := cache.WriteFileAtomic(ManifestPath(out), append(mb, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write delta manifest: %w", err)
	}
	return m, nil
}

// ApplyDelta decodes delta and applies it to source. When m is non-nil the
// source, delta and output are checked against it.
func ApplyDelta(source, delta []byte, m *DeltaManifest) ([]byte, error) {
	if m != nil {
		if m.DeltaSHA256 != "" {
			if got := cache.HashBytes(delta); got != m.DeltaSHA256 {
				return nil, &MismatchError{What: "delta sha256", Want: m.DeltaSHA256, Got: got}
			}
		}
		if m.SourceSHA256 != "" {
			if got := cache.HashBytes(source); got != m.SourceSHA256 {
				return nil, &MismatchError{What: "source sha256", Want: m.SourceSHA256, Got: got}
			}
		}
	}
	d, err := bsdiff.Unmarshal(delta)
	if err != nil {
		return nil, err
	}
	out, err := bsdiff.Patch(d, source)
	if err != nil {
		return nil, err
	}
	if m != nil {
		if m.TargetSize > 0 && int64(len(out)) != m.TargetSize {
			return nil, &MismatchError{What: "target size", Want: fmt.Sprint(m.TargetSize), Got: fmt.Sprint(len(out))}
		}
		if m.TargetSHA256 != "" {
			if got := cache.HashBytes(out); got != m.TargetSHA256 {
				return nil, &MismatchError{What: "target sha256", Want: m.TargetSHA256, Got: got}
			}
		}
	}
	return out, nil
}

// ApplyDeltaFile applies the delta at deltaPath to the binary at sourcePath
// and writes the result to out. The manifest next to the delta is honored
// when present.
func ApplyDeltaFile(sourcePath, deltaPath, out string) (*DeltaManifest, error) {
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source binary: %w", err)
	}
	return applyToFile(source, deltaPath, out, "")
}

func applyToFile(source []byte, deltaPath, out, version string) (*DeltaManifest, error) {
	delta, err := os.ReadFile(deltaPath)
	if err != nil {
		return nil, fmt.Errorf("read delta: %w", err)
	}
	m, err := ReadManifest(deltaPath)
	if err != nil {
		return nil, err
	}
	if m != nil && version != "" && m.Version != "" && m.Version != version {
		return nil, &MismatchError{What: "version", Want: m.Version, Got: version}
	}
	result, err := ApplyDelta(source, delta, m)
	if err != nil {
		return nil, err
	}
	if err := cache.WriteFileAtomic(out, result, 0o644); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	return m, nil
}

// Bootstrap reconstructs the patched binary on the consumer side: fetch the
// original for version, apply the delta, verify, and write out.
func (p *Pipeline) Bootstrap(ctx context.Context, version, deltaPath, out string) (*DeltaManifest, error) {
	if p.deps.Fetcher == nil {
		return nil, fmt.Errorf("no baseline fetcher configured")
	}
	start := time.Now()
	source, err := p.deps.Fetcher.FetchBaseline(ctx, version)
	if err != nil {
		return nil, &baseline.UnavailableError{Artifact: version, Stage: "fetch", Err: err}
	}
	p.log.Info().Str("version", version).Int("bytes", len(source)).Msg("original binary fetched")
	m, err := applyToFile(source, deltaPath, out, version)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("out", out).Dur("elapsed", time.Since(start)).Msg("bootstrap complete")
	return m, nil
}
