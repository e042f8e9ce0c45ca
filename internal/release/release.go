// ABOUTME: Release checker that fetches published version metadata and renders the changelog
// ABOUTME: Results are cached on disk so the remote endpoint is hit at most once per TTL

package release

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
)

// maxRedirects bounds how many "url" indirections a metadata document may chain
const maxRedirects = 3

// maxBodyBytes caps metadata and changelog downloads
const maxBodyBytes = 1 << 20

// Errors returned by Checker
var (
	ErrNoURL          = errors.New("no release url configured")
	ErrNoRelease      = errors.New("release metadata has no tag")
	ErrTooManyHops    = errors.New("release metadata redirects too many times")
	ErrUnexpectedCode = errors.New("unexpected status from release endpoint")
)

// Info describes the newest published release relative to the running build
type Info struct {
	Tag           string    `json:"tag"`
	AgentURL      string    `json:"agent_url"`
	ServerURL     string    `json:"server_url"`
	ChangelogURL  string    `json:"changelog_url,omitempty"`
	ChangelogHTML string    `json:"changelog_html,omitempty"`
	Current       string    `json:"current"`
	Upgrade       bool      `json:"upgrade"`
	CheckedAt     time.Time `json:"checked_at"`
}

// document is the remote metadata format. A document without a tag may
// point at another document through URL.
type document struct {
	TagName      string `json:"tagName"`
	AgentURL     string `json:"agentUrl"`
	ServerURL    string `json:"serverUrl"`
	ChangelogURL string `json:"changelogUrl"`
	URL          string `json:"url"`
}

func (d document) complete() bool {
	return d.TagName != "" && d.AgentURL != "" && d.ServerURL != ""
}

// Config for a Checker
type Config struct {
	URL       string
	CacheFile string // optional; empty keeps the cache in memory only
	CacheTTL  time.Duration
	Current   string // running version; "dev" never reports an upgrade
	Client    *http.Client
	Logger    *slog.Logger
}

// Checker fetches and caches release information
type Checker struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *Info
}

// NewChecker creates a Checker
func NewChecker(cfg Config) *Checker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "release"),
		now:    time.Now,
	}
}

// Check returns cached release information when it is younger than the TTL,
// otherwise fetches it. force skips the cache.
func (c *Checker) Check(ctx context.Context, force bool) (*Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force {
		if info := c.fresh(); info != nil {
			return info, nil
		}
	}

	info, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = info
	if err := c.writeCache(info); err != nil {
		c.logger.Warn("writing release cache", "path", c.cfg.CacheFile, "error", err)
	}
	c.logger.Info("release checked", "tag", info.Tag, "current", info.Current, "upgrade", info.Upgrade)
	return info, nil
}

// fresh returns the in-memory or on-disk cache if it has not expired
func (c *Checker) fresh() *Info {
	if c.cached == nil {
		c.cached = c.readCache()
	}
	if c.cached == nil {
		return nil
	}
	if c.now().Sub(c.cached.CheckedAt) >= c.cfg.CacheTTL {
		return nil
	}
	return c.cached
}

func (c *Checker) fetch(ctx context.Context) (*Info, error) {
	if c.cfg.URL == "" {
		return nil, ErrNoURL
	}

	target := c.cfg.URL
	var doc document
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, fmt.Errorf("%w: stopped at %s", ErrTooManyHops, target)
		}
		var err error
		doc, err = c.fetchDocument(ctx, target)
		if err != nil {
			return nil, err
		}
		if doc.complete() {
			break
		}
		if doc.URL == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoRelease, target)
		}
		c.logger.Debug("following release redirect", "from", target, "to", doc.URL)
		target = doc.URL
	}

	info := &Info{
		Tag:          doc.TagName,
		AgentURL:     doc.AgentURL,
		ServerURL:    doc.ServerURL,
		ChangelogURL: doc.ChangelogURL,
		Current:      c.cfg.Current,
		CheckedAt:    c.now().UTC(),
	}
	info.Upgrade = c.cfg.Current != "" && c.cfg.Current != "dev" &&
		CompareVersions(c.cfg.Current, doc.TagName) < 0

	if doc.ChangelogURL != "" {
		html, err := c.changelog(ctx, doc.ChangelogURL)
		if err != nil {
			// The release is still reported without its notes
			c.logger.Warn("fetching changelog", "url", doc.ChangelogURL, "error", err)
		} else {
			info.ChangelogHTML = html
		}
	}
	return info, nil
}

func (c *Checker) fetchDocument(ctx context.Context, url string) (document, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return document{}, fmt.Errorf("decoding release metadata from %s: %w", url, err)
	}
	return doc, nil
}

// changelog downloads markdown release notes and renders them to HTML
func (c *Checker) changelog(ctx context.Context, url string) (string, error) {
	md, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		return "", fmt.Errorf("rendering changelog: %w", err)
	}
	return buf.String(), nil
}

func (c *Checker) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedCode, url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

func (c *Checker) readCache() *Info {
	if c.cfg.CacheFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.CacheFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("reading release cache", "path", c.cfg.CacheFile, "error", err)
		}
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		c.logger.Warn("decoding release cache", "path", c.cfg.CacheFile, "error", err)
		return nil
	}
	// A cache written by another build reports against this one
	info.Current = c.cfg.Current
	info.Upgrade = c.cfg.Current != "" && c.cfg.Current != "dev" &&
		CompareVersions(c.cfg.Current, info.Tag) < 0
	return &info
}

// writeCache replaces the cache file atomically
func (c *Checker) writeCache(info *Info) error {
	if c.cfg.CacheFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.cfg.CacheFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".release-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.cfg.CacheFile)
}

// CompareVersions compares dotted versions segment by segment. A leading
// "v" is ignored, numeric segments compare as numbers and anything else
// compares as text. Missing segments count as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(trimV(a), ".")
	bs := strings.Split(trimV(b), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func trimV(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		return s[1:]
	}
	return s
}

func compareSegment(x, y string) int {
	xn, xerr := strconv.ParseUint(x, 10, 64)
	yn, yerr := strconv.ParseUint(y, 10, 64)
	if xerr == nil && yerr == nil {
		switch {
		case xn < yn:
			return -1
		case xn > yn:
			return 1
		}
		return 0
	}
	return strings.Compare(x, y)
}
