// Package fetch retrieves and caches the MITRE ATT&CK STIX bundle:
// conditional GET against the upstream source, an on-disk cache with a
// daily archive, and a periodic update scheduler.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/config"
	"github.com/mitreval/attackscore/internal/retry"
)

const (
	latestFile    = "latest.json"
	metadataFile  = "metadata.json"
	archiveDir    = "archive"
	maxBundleSize = 200 << 20
)

type cacheMetadata struct {
	Version      string `json:"version"`
	Timestamp    string `json:"timestamp"`
	Source       string `json:"source"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// Fetcher retrieves the STIX bundle from cfg.SourceUrl (falling back to
// cfg.BackupSourceUrl), caches it on disk, and can run a periodic update
// schedule.
type Fetcher struct {
	cfg    config.FetcherConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex // guards in-flight fetch state
	inFlight  bool
	timer     *time.Ticker
	timerDone chan struct{}
}

// New constructs a Fetcher. A nil logger falls back to slog.Default().
func New(cfg config.FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// Initialize ensures the cache directory and its archive subdirectory exist.
func (f *Fetcher) Initialize() error {
	if err := os.MkdirAll(filepath.Join(f.cfg.CacheDir, archiveDir), 0o755); err != nil {
		return attackscore.Internal(err, "cache init")
	}
	return nil
}

// Fetch retrieves the current STIX bundle, serving from cache when valid
// unless forceUpdate is set.
func (f *Fetcher) Fetch(ctx context.Context, forceUpdate bool) (attackscore.RawFetchResult, error) {
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return attackscore.RawFetchResult{}, attackscore.Internal(nil, "fetch already in flight")
	}
	f.inFlight = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	cached, meta, cacheErr := f.readCache()
	if !forceUpdate && cacheErr == nil {
		return attackscore.RawFetchResult{
			Bytes:     cached,
			Version:   meta.Version,
			FetchedAt: time.Now().UTC(),
			SourceUrl: f.cfg.SourceURL,
			FromCache: true,
			Changed:   false,
		}, nil
	}

	result, err := f.fetchFrom(ctx, f.cfg.SourceURL, meta)
	if err != nil && f.cfg.BackupSourceURL != "" {
		f.logger.Warn("primary source failed, trying backup", "source", f.cfg.SourceURL, "err", err)
		result, err = f.fetchFrom(ctx, f.cfg.BackupSourceURL, meta)
	}
	if err != nil {
		if cacheErr == nil {
			f.logger.Warn("fetch failed, serving stale cache", "err", err)
			return attackscore.RawFetchResult{
				Bytes:     cached,
				Version:   meta.Version,
				FetchedAt: time.Now().UTC(),
				SourceUrl: f.cfg.SourceURL,
				FromCache: true,
				Changed:   false,
			}, nil
		}
		return attackscore.RawFetchResult{}, attackscore.FetchFailed(err, "fetch %s", f.cfg.SourceURL)
	}
	return result, nil
}

func (f *Fetcher) fetchFrom(ctx context.Context, sourceURL string, prior cacheMetadata) (attackscore.RawFetchResult, error) {
	var result attackscore.RawFetchResult
	err := retry.Do(ctx, f.cfg.MaxRetries+1, time.Second, attackscore.IsTransient, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return attackscore.Invalid("build request: %v", err)
		}
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return attackscore.Transient(err, "request %s", sourceURL)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			cached, meta, cacheErr := f.readCache()
			if cacheErr != nil {
				return attackscore.FetchFailed(cacheErr, "304 received but no cache present")
			}
			result = attackscore.RawFetchResult{
				Bytes:     cached,
				Version:   meta.Version,
				FetchedAt: time.Now().UTC(),
				SourceUrl: sourceURL,
				FromCache: false,
				Changed:   false,
			}
			return nil

		case resp.StatusCode >= 500:
			return attackscore.Transient(nil, "HTTP %d from %s", resp.StatusCode, sourceURL)

		case resp.StatusCode >= 400:
			return attackscore.FetchFailed(nil, "HTTP %d from %s", resp.StatusCode, sourceURL)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
		if err != nil {
			return attackscore.Transient(err, "read body")
		}

		version, err := extractVersion(body)
		if err != nil {
			return attackscore.InvalidBundle("extract version: %v", err)
		}

		if err := f.writeCache(body, cacheMetadata{
			Version:      version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Source:       sourceURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}); err != nil {
			return attackscore.Internal(err, "write cache")
		}

		result = attackscore.RawFetchResult{
			Bytes:     body,
			Version:   version,
			FetchedAt: time.Now().UTC(),
			SourceUrl: sourceURL,
			FromCache: false,
			Changed:   prior.Version != version,
		}
		return nil
	})
	return result, err
}

// LatestVersion reports the version recorded in metadata.json, if any.
func (f *Fetcher) LatestVersion() (string, error) {
	_, meta, err := f.readCache()
	if err != nil {
		return "", err
	}
	return meta.Version, nil
}

func (f *Fetcher) readCache() ([]byte, cacheMetadata, error) {
	data, err := os.ReadFile(filepath.Join(f.cfg.CacheDir, latestFile))
	if err != nil {
		return nil, cacheMetadata{}, attackscore.Internal(err, "read cache")
	}
	metaBytes, err := os.ReadFile(filepath.Join(f.cfg.CacheDir, metadataFile))
	if err != nil {
		return nil, cacheMetadata{}, attackscore.Internal(err, "read cache metadata")
	}
	var meta cacheMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, cacheMetadata{}, attackscore.Internal(err, "parse cache metadata")
	}
	return data, meta, nil
}

// writeCache atomically replaces latest.json and metadata.json, and writes
// today's archive entry if one doesn't already exist.
func (f *Fetcher) writeCache(body []byte, meta cacheMetadata) error {
	if err := writeAtomic(filepath.Join(f.cfg.CacheDir, latestFile), body); err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(f.cfg.CacheDir, metadataFile), metaBytes); err != nil {
		return err
	}

	archivePath := filepath.Join(f.cfg.CacheDir, archiveDir, time.Now().UTC().Format("20060102")+".json")
	if _, err := os.Stat(archivePath); os.IsNotExist(err) {
		return writeAtomic(archivePath, body)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var versionPattern = regexp.MustCompile(`(?i)version\s+(\d+(\.\d+)*)`)

// extractVersion applies the documented fallback chain: the
// x-mitre-collection object's version, a marking-definition statement
// matching the version pattern, the bundle's spec_version, and finally a
// UTC timestamp.
func extractVersion(body []byte) (string, error) {
	var b struct {
		SpecVersion string            `json:"spec_version"`
		Objects     []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return "", err
	}

	for _, raw := range b.Objects {
		var obj struct {
			Type          string `json:"type"`
			XMitreVersion string `json:"x_mitre_version"`
			Definition    struct {
				Statement string `json:"statement"`
			} `json:"definition"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if obj.Type == "x-mitre-collection" && obj.XMitreVersion != "" {
			return obj.XMitreVersion, nil
		}
	}
	for _, raw := range b.Objects {
		var obj struct {
			Type       string `json:"type"`
			Definition struct {
				Statement string `json:"statement"`
			} `json:"definition"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if obj.Type != "marking-definition" {
			continue
		}
		if m := versionPattern.FindStringSubmatch(obj.Definition.Statement); m != nil {
			return m[1], nil
		}
	}
	if b.SpecVersion != "" {
		return "STIX-" + b.SpecVersion, nil
	}
	return time.Now().UTC().Format("200601021504"), nil
}

// CompareVersions orders two version strings per the documented rules:
// dotted-numeric versions compare element-wise; equal "STIX-" prefixes
// compare their numeric suffixes the same way; 12-digit timestamp strings
// compare lexicographically (which is chronological for same-width
// zero-padded digits); anything else falls back to lexicographic order.
// Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	aNum, aOK := dottedParts(a)
	bNum, bOK := dottedParts(b)
	if aOK && bOK {
		return compareParts(aNum, bNum)
	}
	if strings.HasPrefix(a, "STIX-") && strings.HasPrefix(b, "STIX-") {
		return CompareVersions(strings.TrimPrefix(a, "STIX-"), strings.TrimPrefix(b, "STIX-"))
	}
	if len(a) == 12 && len(b) == 12 && isAllDigits(a) && isAllDigits(b) {
		return strings.Compare(a, b)
	}
	return strings.Compare(a, b)
}

func dottedParts(v string) ([]int, bool) {
	fields := strings.Split(v, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func compareParts(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ScheduleUpdates starts a periodic fetch every cfg.UpdateInterval. A tick
// that arrives while a fetch is still in flight is dropped.
func (f *Fetcher) ScheduleUpdates(ctx context.Context) {
	f.mu.Lock()
	if f.timer != nil {
		f.mu.Unlock()
		return
	}
	f.timer = time.NewTicker(f.cfg.UpdateInterval)
	f.timerDone = make(chan struct{})
	ticker := f.timer
	done := f.timerDone
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				f.mu.Lock()
				busy := f.inFlight
				f.mu.Unlock()
				if busy {
					f.logger.Warn("scheduled fetch dropped: previous fetch still in flight")
					continue
				}
				if _, err := f.Fetch(ctx, false); err != nil {
					f.logger.Warn("scheduled fetch failed", "err", err)
				}
			}
		}
	}()
}

// StopScheduledUpdates cancels the periodic timer.
func (f *Fetcher) StopScheduledUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer == nil {
		return
	}
	f.timer.Stop()
	close(f.timerDone)
	f.timer = nil
	f.timerDone = nil
}
