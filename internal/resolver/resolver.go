// Package resolver implements the Firmware Index Resolver (C1): fetching
// the remote JSON index and selecting the latest applicable artifacts for
// a (client, model, channel) tuple.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jdxcode/netrc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zerobytellc/gota/internal/gota"
)

const (
	defaultChannel = "prod"
	defaultMaxBatchWorkers = 10
)

// jsonFirmwareInfo mirrors the wire shape of a non-"latest" DeviceFirmware
// entry. Version is populated from the map key, not a JSON field.
type jsonFirmwareInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MD5       string `json:"md5"`
	Apploader string `json:"apploader,omitempty"`
}

// Resolver fetches and interprets firmware indices. Mirrors the teacher's
// APIClient: a single long-lived HTTP client configured via functional
// options, no package-level state.
type Resolver struct {
	httpClient      *http.Client
	baseURL         string
	netrcPath       string
	fallbackUser    string
	fallbackPass    string
	sem             *semaphore.Weighted
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client used for index/index-adjacent
// requests. Useful for tests (httptest) and for injecting timeouts/proxies.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.httpClient = client }
}

// WithBaseURL sets the default origin used when resolve() is called
// without an explicit base_url.
func WithBaseURL(baseURL string) Option {
	return func(r *Resolver) { r.baseURL = baseURL }
}

// WithNetrcPath overrides the .netrc path consulted for basic-auth
// credentials against an index origin. Empty disables netrc lookup.
func WithNetrcPath(path string) Option {
	return func(r *Resolver) { r.netrcPath = path }
}

// WithCredentials sets a fallback basic-auth pair used when no netrc entry
// matches an index origin (~/.gota.yml's global.credentials, per
// SPEC_FULL.md §10.3). netrc takes precedence when both are configured.
func WithCredentials(user, pass string) Option {
	return func(r *Resolver) { r.fallbackUser, r.fallbackPass = user, pass }
}

// WithMaxBatchWorkers bounds the concurrency of ResolveAll.
func WithMaxBatchWorkers(n int) Option {
	return func(r *Resolver) { r.sem = semaphore.NewWeighted(int64(n)) }
}

// New returns a Resolver with defaults matching the teacher's NewAPIClient:
// a 10-second-timeout HTTP client, no base URL (must be supplied per call
// or via WithBaseURL).
func New(options ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sem:        semaphore.NewWeighted(defaultMaxBatchWorkers),
	}

	for _, option := range options {
		option(r)
	}

	return r
}

// Resolve fetches the index at {baseURL}/{client}/{channel}/index.json and
// selects the plan for model, per spec.md §4.1. channel defaults to "prod"
// when empty; baseURL defaults to the Resolver's configured base when empty.
func (r *Resolver) Resolve(ctx context.Context, client, model, channel, baseURL, currentVersion string) (gota.UpdatePlan, error) {
	if channel == "" {
		channel = defaultChannel
	}
	if baseURL == "" {
		baseURL = r.baseURL
	}

	index, err := r.fetchIndex(ctx, client, channel, baseURL)
	if err != nil {
		return nil, err
	}

	device, ok := index[model]
	if !ok {
		return nil, gota.ErrDeviceUnknown(model)
	}

	return selectPlan(device, model, currentVersion)
}

// ResolveAll resolves plans for many models concurrently, bounded by the
// Resolver's configured worker limit. A supplementary batch convenience
// (spec.md §12.2); resolve() itself remains single-model and untouched.
func (r *Resolver) ResolveAll(ctx context.Context, client string, models []string, channel, baseURL, currentVersion string) (map[string]gota.UpdatePlan, error) {
	results := make(map[string]gota.UpdatePlan, len(models))
	errs := make(map[string]error, len(models))

	type outcome struct {
		model string
		plan  gota.UpdatePlan
		err   error
	}

	outcomes := make(chan outcome, len(models))

	for _, model := range models {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		go func(model string) {
			defer r.sem.Release(1)

			plan, err := r.Resolve(ctx, client, model, channel, baseURL, currentVersion)
			outcomes <- outcome{model: model, plan: plan, err: err}
		}(model)
	}

	for range models {
		o := <-outcomes
		if o.err != nil {
			errs[o.model] = o.err
			log.Debugf("resolve failed for model %s: %v", o.model, o.err)
			continue
		}
		results[o.model] = o.plan
	}

	if len(errs) > 0 && len(results) == 0 {
		for _, err := range errs {
			return nil, err
		}
	}

	return results, nil
}

func (r *Resolver) fetchIndex(ctx context.Context, client, channel, baseURL string) (gota.FirmwareIndex, error) {
	url := fmt.Sprintf("%s/%s/%s/index.json", baseURL, client, channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, gota.ErrUnknown("failed to build index request", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	if user, pass, ok := r.credentialsFor(baseURL); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, gota.ErrIndexUnavailable(fmt.Sprintf("GET %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, gota.ErrIndexUnavailable(fmt.Sprintf("GET %s: HTTP %d", url, resp.StatusCode), nil)
	}

	raw := map[string]map[string]json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, gota.ErrIndexMalformed(fmt.Sprintf("GET %s", url), err)
	}

	index := make(gota.FirmwareIndex, len(raw))
	for model, rawDevice := range raw {
		device := make(gota.DeviceFirmware, len(rawDevice))
		for key, value := range rawDevice {
			if key == gota.LatestKey {
				var latest string
				if err := json.Unmarshal(value, &latest); err != nil {
					return nil, gota.ErrIndexMalformed(fmt.Sprintf("model %s: latest is not a string", model), err)
				}
				// Stored under LatestKey itself; selectPlan reads it back out.
				device[gota.LatestKey] = gota.FirmwareInfo{Version: latest}
				continue
			}

			var info jsonFirmwareInfo
			if err := json.Unmarshal(value, &info); err != nil {
				return nil, gota.ErrIndexMalformed(fmt.Sprintf("model %s version %s", model, key), err)
			}

			device[key] = gota.FirmwareInfo{
				Name:      info.Name,
				Version:   key,
				URL:       info.URL,
				MD5:       info.MD5,
				Apploader: info.Apploader,
			}
		}
		index[model] = device
	}

	return index, nil
}

func (r *Resolver) credentialsFor(baseURL string) (user, pass string, ok bool) {
	if r.netrcPath != "" && baseURL != "" {
		if n, err := netrc.Parse(r.netrcPath); err == nil {
			if machine := n.Machine(hostOf(baseURL)); machine != nil {
				return machine.Get("login"), machine.Get("password"), true
			}
		}
	}

	if r.fallbackUser != "" || r.fallbackPass != "" {
		return r.fallbackUser, r.fallbackPass, true
	}

	return "", "", false
}

func hostOf(baseURL string) string {
	// Strip scheme and path; a minimal parse is enough for netrc lookup.
	s := baseURL
	if i := indexOfScheme(s); i >= 0 {
		s = s[i:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == ':' {
			return s[:i]
		}
	}
	return s
}

func indexOfScheme(s string) int {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}

// selectPlan implements spec.md §4.1 steps 2-5. It never compares two
// version strings by inequality (Testable Property 3) — the only
// comparisons performed are string equality against "latest" and against
// currentVersion.
func selectPlan(device gota.DeviceFirmware, model, currentVersion string) (gota.UpdatePlan, error) {
	latestVersion, err := determineLatest(device, model)
	if err != nil {
		return nil, err
	}

	if currentVersion == latestVersion {
		return gota.UpdatePlan{}, nil
	}

	latestInfo, ok := device[latestVersion]
	if !ok {
		return nil, gota.ErrLatestUnknown(model)
	}
	latestInfo.Version = latestVersion

	plan := gota.UpdatePlan{}
	if latestInfo.Apploader != "" {
		prereq, ok := device[latestInfo.Apploader]
		if ok {
			prereq.Version = latestInfo.Apploader
			plan = append(plan, prereq)
		}
	}
	plan = append(plan, latestInfo)

	return plan, nil
}

func determineLatest(device gota.DeviceFirmware, model string) (string, error) {
	if marker, ok := device[gota.LatestKey]; ok {
		return marker.Version, nil
	}

	// No "latest" field: tolerated only when the model has exactly one
	// version key. The resolver must not order version strings to guess.
	var only string
	count := 0
	for key := range device {
		if key == gota.LatestKey {
			continue
		}
		only = key
		count++
		if count > 1 {
			break
		}
	}

	if count != 1 {
		return "", gota.ErrLatestUnknown(model)
	}

	return only, nil
}
