package acquire

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog/log"
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// Release is the subset of the release API payload the strategy reads.
type Release struct {
	Tag    string  `json:"tag_name"`
	Assets []Asset `json:"assets"`
}

// ReleaseSource resolves and downloads release assets.
type ReleaseSource interface {
	Latest(ctx context.Context, repo string) (Release, error)
	Download(ctx context.Context, asset Asset, dest string) (int64, error)
}

// statusError is an HTTP response outside 2xx.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

func (e *statusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// GitHubReleases talks to a GitHub-compatible release API.
type GitHubReleases struct {
	BaseURL  string
	Client   *http.Client
	Clock    clock.Clock
	Attempts int
	Delay    time.Duration
}

func NewGitHubReleases(baseURL string) *GitHubReleases {
	return &GitHubReleases{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: 5 * time.Minute},
		Clock:    clock.WallClock,
		Attempts: 3,
		Delay:    2 * time.Second,
	}
}

func (g *GitHubReleases) Latest(ctx context.Context, repo string) (Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(g.BaseURL, "/"), strings.Trim(repo, "/"))
	var rel Release
	err := g.call(ctx, url, func() error {
		body, err := g.get(ctx, url, "application/vnd.github+json")
		if err != nil {
			return err
		}
		defer body.Close()
		rel = Release{}
		return json.NewDecoder(body).Decode(&rel)
	})
	if err != nil {
		return Release{}, err
	}
	return rel, nil
}

// Download writes asset to dest, truncating it on every attempt.
func (g *GitHubReleases) Download(ctx context.Context, asset Asset, dest string) (int64, error) {
	var written int64
	err := g.call(ctx, asset.URL, func() error {
		body, err := g.get(ctx, asset.URL, "application/octet-stream")
		if err != nil {
			return err
		}
		defer body.Close()
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		written, err = io.Copy(out, body)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	return written, err
}

func (g *GitHubReleases) call(ctx context.Context, url string, fn func() error) error {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := g.Delay
	if delay <= 0 {
		delay = time.Second
	}
	clk := g.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			var se *statusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return false
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().Str("url", url).Int("attempt", attempt).Err(err).Msg("acquire.release_retry")
		},
		Attempts:    attempts,
		Delay:       delay,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		return retry.LastError(err)
	}
	return err
}

func (g *GitHubReleases) get(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &statusError{URL: url, Status: resp.StatusCode}
	}
	return resp.Body, nil
}

var osAliases = map[string][]string{
	"linux":   {"linux"},
	"darwin":  {"darwin", "macos", "apple"},
	"freebsd": {"freebsd"},
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x86-64", "x64"},
	"arm64": {"arm64", "aarch64"},
	"arm":   {"armhf", "armv7", "armv6", "arm32", "armel"},
	"386":   {"i386", "i686"},
}

var sidecarSuffixes = []string{".sha256", ".sha256sum", ".sha512", ".asc", ".sig", ".pem", ".sbom", ".txt", ".json"}

// SelectAsset picks the asset whose name contains every include token, no
// exclude token, an OS token and an arch alias. Ties resolve lexically.
// The remaining candidates are returned so callers can log them.
func SelectAsset(assets []Asset, include, exclude []string, goos, goarch string) (Asset, []Asset, error) {
	osTokens := osAliases[goos]
	if len(osTokens) == 0 {
		osTokens = []string{goos}
	}
	archTokens := archAliases[goarch]
	if len(archTokens) == 0 {
		archTokens = []string{goarch}
	}

	var matches []Asset
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if hasSuffixAny(name, sidecarSuffixes) {
			continue
		}
		if !containsAll(name, include) || containsAny(name, exclude) {
			continue
		}
		if !containsAny(name, osTokens) || !containsAny(name, archTokens) {
			continue
		}
		matches = append(matches, asset)
	}
	if len(matches) == 0 {
		return Asset{}, nil, fmt.Errorf("%w: include=%v exclude=%v os=%s arch=%s", ErrNoMatchingReleaseAsset, include, exclude, goos, goarch)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches[0], matches[1:], nil
}

func containsAll(name string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(name, strings.ToLower(tok)) {
			return false
		}
	}
	return true
}

func containsAny(name string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(name, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}

func hasSuffixAny(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// ReleaseStrategy downloads a prebuilt binary from the latest release.
type ReleaseStrategy struct {
	Repo    string
	Match   []string
	Exclude []string
	Binary  string
	Source  ReleaseSource
	GOOS    string
	GOARCH  string
	Timeout time.Duration
}

func (s ReleaseStrategy) Name() string { return "release" }

func (s ReleaseStrategy) Budget() time.Duration { return s.Timeout }

func (s ReleaseStrategy) Acquire(ctx context.Context, req Request) (string, error) {
	if s.Source == nil {
		return "", fmt.Errorf("%w: release source is not configured", ErrInvalidTarget)
	}
	goos, goarch := s.GOOS, s.GOARCH
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}

	rel, err := s.Source.Latest(ctx, s.Repo)
	if err != nil {
		return "", fmt.Errorf("resolve latest release %s: %w", s.Repo, err)
	}
	asset, rejected, err := SelectAsset(rel.Assets, s.Match, s.Exclude, goos, goarch)
	if err != nil {
		return "", fmt.Errorf("release %s %s: %w", s.Repo, rel.Tag, err)
	}
	for _, other := range rejected {
		log.Info().Str("target", req.Target).Str("asset", other.Name).Msg("acquire.release_candidate_skipped")
	}

	downloaded := filepath.Join(req.WorkDir, path.Base(asset.Name))
	n, err := s.Source.Download(ctx, asset, downloaded)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", asset.Name, err)
	}
	log.Info().
		Str("target", req.Target).
		Str("tag", rel.Tag).
		Str("asset", asset.Name).
		Str("size", humanize.Bytes(uint64(n))).
		Msg("acquire.release_downloaded")

	binary := downloaded
	if isTarball(asset.Name) {
		member := s.Binary
		if member == "" {
			member = req.Target
		}
		binary, err = extractMember(downloaded, member, req.WorkDir)
		if err != nil {
			return "", err
		}
	}
	if err := InstallFile(binary, req.Dest); err != nil {
		return "", fmt.Errorf("install %s: %w", req.Dest, err)
	}
	return req.Dest, nil
}

func isTarball(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}

// extractMember pulls the first regular file named member out of a tar.gz.
func extractMember(archive, member, dir string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: %s not found in %s", ErrArtifactMissing, member, filepath.Base(archive))
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != member {
			continue
		}
		out := filepath.Join(dir, "extracted-"+member)
		w, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(w, tr); err != nil {
			w.Close()
			return "", err
		}
		if err := w.Close(); err != nil {
			return "", err
		}
		return out, nil
	}
}
