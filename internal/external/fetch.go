package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"jarpatch/internal/cache"
)

// ErrUnknownVersion is returned for version ids missing from the manifest.
var ErrUnknownVersion = errors.New("unknown version")

// maxDownload caps a single baseline download.
const maxDownload = 1 << 30

// Fetcher obtains the original binary for a version id.
type Fetcher interface {
	FetchBaseline(ctx context.Context, versionID string) ([]byte, error)
}

// Version is one entry of versions.yaml.
type Version struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size,omitempty"`
}

// Manifest lists the downloadable baseline versions.
type Manifest struct {
	Versions []Version `yaml:"versions"`
}

// Lookup finds a version by id.
func (m *Manifest) Lookup(id string) (Version, error) {
	for _, v := range m.Versions {
		if v.ID == id {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w %q", ErrUnknownVersion, id)
}

// ParseManifest decodes versions.yaml content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("versions manifest: %w", err)
	}
	for i, v := range m.Versions {
		if v.ID == "" || v.URL == "" {
			return nil, fmt.Errorf("versions manifest: entry %d needs id and url", i+1)
		}
		m.Versions[i].SHA256 = strings.ToLower(v.SHA256)
	}
	return &m, nil
}

// ChecksumError reports a download whose digest does not match.
type ChecksumError struct {
	URL       string
	Want, Got string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.URL, e.Want, e.Got)
}

// HTTPFetcher downloads baselines listed in a versions manifest and keeps
// verified copies in a blob cache.
type HTTPFetcher struct {
	// ManifestLocation is a local path or an http(s) or file URL of
	// versions.yaml.
	ManifestLocation string
	Client           *http.Client
	Cache            *cache.Store
	Log              zerolog.Logger
}

// NewHTTPFetcher returns a fetcher with a client bounded by timeout.
func NewHTTPFetcher(manifest string, timeout time.Duration, store *cache.Store, log zerolog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		ManifestLocation: manifest,
		Client:           newClient(timeout),
		Cache:            store,
		Log:              log,
	}
}

// newClient returns a client that also serves file:// URLs, so manifests
// and baselines can sit on a local or mounted mirror.
func newClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	return &http.Client{Timeout: timeout, Transport: tr}
}

// FetchBaseline resolves versionID, serves it from the cache when a verified
// copy exists, and otherwise downloads and caches it.
func (f *HTTPFetcher) FetchBaseline(ctx context.Context, versionID string) ([]byte, error) {
	m, err := f.manifest(ctx)
	if err != nil {
		return nil, err
	}
	v, err := m.Lookup(versionID)
	if err != nil {
		return nil, err
	}
	log := f.Log.With().Str("version", v.ID).Logger()

	if v.SHA256 != "" && f.Cache != nil && f.Cache.HasBlob(v.SHA256) {
		if b, err := f.Cache.Blob(v.SHA256); err == nil {
			log.Debug().Str("sha256", v.SHA256).Msg("baseline served from cache")
			return b, nil
		}
		log.Warn().Str("sha256", v.SHA256).Msg("cached baseline unreadable, downloading again")
	}

	b, err := f.get(ctx, v.URL)
	if err != nil {
		return nil, err
	}
	got := cache.HashBytes(b)
	if v.SHA256 != "" && got != v.SHA256 {
		return nil, &ChecksumError{URL: v.URL, Want: v.SHA256, Got: got}
	}
	if v.Size > 0 && int64(len(b)) != v.Size {
		return nil, fmt.Errorf("%s: size %d, manifest says %d", v.URL, len(b), v.Size)
	}
	if f.Cache != nil {
		if _, err := f.Cache.PutBlob(b); err != nil {
			log.Warn().Err(err).Msg("could not cache baseline")
		}
	}
	log.Info().Int("bytes", len(b)).Str("sha256", got).Msg("baseline downloaded")
	return b, nil
}

func (f *HTTPFetcher) manifest(ctx context.Context) (*Manifest, error) {
	loc := f.ManifestLocation
	if loc == "" {
		return nil, errors.New("no versions manifest configured")
	}
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") || strings.HasPrefix(loc, "file://") {
		data, err = f.get(ctx, loc)
	} else {
		data, err = os.ReadFile(loc)
	}
	if err != nil {
		return nil, fmt.Errorf("versions manifest: %w", err)
	}
	return ParseManifest(data)
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = newClient(0)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if len(b) > maxDownload {
		return nil, fmt.Errorf("GET %s: response exceeds %d bytes", url, maxDownload)
	}
	return b, nil
}
