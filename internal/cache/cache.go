// Package cache implements the Artifact Cache (C2): downloading a selected
// FirmwareInfo to a local temp file and reporting its path and size.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zerobytellc/gota/internal/gota"
)

// Cache downloads artifacts to a configured directory. Grounded on the
// teacher's APIClient.DownloadFirmware: GET, status check, MkdirAll,
// io.Copy to a freshly-created file.
type Cache struct {
	httpClient *http.Client
	downloadDir string
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the HTTP client used for artifact downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// WithDownloadDir sets the directory artifacts are materialised into.
// Defaults to the OS temp directory.
func WithDownloadDir(dir string) Option {
	return func(c *Cache) { c.downloadDir = dir }
}

// New returns a Cache with defaults matching the teacher's download
// behaviour: a 30-second-timeout client (artifacts are larger than index
// responses, so a longer timeout than the resolver's is used), temp dir.
func New(options ...Option) *Cache {
	c := &Cache{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		downloadDir: os.TempDir(),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Download performs a GET for info.URL and streams the response to a fresh
// .gbl temp file. Concurrent downloads of different URLs are permitted;
// the cache does not deduplicate by URL (spec.md §4.2) — unlike the
// teacher's DownloadFirmware, which caches by artifact identity in a
// sync.Map, because here each URL is treated as single-use per spec.md §3.
func (c *Cache) Download(ctx context.Context, info gota.FirmwareInfo) (gota.DownloadedArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return gota.DownloadedArtifact{}, gota.ErrUnknown("failed to build download request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gota.DownloadedArtifact{}, gota.ErrBundleUnavailable(fmt.Sprintf("GET %s", info.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gota.DownloadedArtifact{}, gota.ErrBundleUnavailable(fmt.Sprintf("GET %s: HTTP %d", info.URL, resp.StatusCode), nil)
	}

	if err := os.MkdirAll(c.downloadDir, 0700); err != nil {
		return gota.DownloadedArtifact{}, gota.ErrUnknown("failed to create download directory", err)
	}

	file, err := os.CreateTemp(c.downloadDir, "gota-*.gbl")
	if err != nil {
		return gota.DownloadedArtifact{}, gota.ErrUnknown("failed to create temp file", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return gota.DownloadedArtifact{}, gota.ErrBundleUnavailable(fmt.Sprintf("GET %s: stream interrupted", info.URL), err)
	}

	stat, err := os.Stat(file.Name())
	if err != nil {
		return gota.DownloadedArtifact{}, gota.ErrUnknown("failed to stat downloaded artifact", err)
	}

	log.Debugf("downloaded artifact %s (%s) to %s (%d bytes)", info.Name, info.Version, file.Name(), stat.Size())

	return gota.DownloadedArtifact{
		Info:   info,
		Path:   filepath.Clean(file.Name()),
		Length: stat.Size(),
	}, nil
}
