// Package fetcher implements C3: downloading a padded time range of a
// source video via yt-dlp, with retry/backoff and on-disk caching.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/hodaa/videostitch/internal/pipeline"
)

// maxAttempts caps a fetch at three yt-dlp attempts (§4.3); the backoff
// between them doubles from 1s (capped at 4s), so the waits are 1s then 2s.
const maxAttempts = 3

// perAttemptTimeout bounds a single fetch attempt (§5, T_fetch <= 60s).
const perAttemptTimeout = 60 * time.Second

// AuthMode selects how cookies are supplied to yt-dlp (§4.3).
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBrowser
	AuthCookieFile
)

// Config is the fetcher's process-wide configuration, set once at startup.
type Config struct {
	Auth        AuthMode
	BrowserName string // used when Auth == AuthBrowser, e.g. "chrome"
	CookieFile  string // used when Auth == AuthCookieFile
	CacheDir    string // where downloaded ranges are cached/deduplicated
	YtDlpPath   string // defaults to "yt-dlp"
}

// Fetcher downloads padded time ranges of source videos, deduplicating on
// (videoId, start, end) across and within jobs.
type Fetcher struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Once // cacheKey -> download-once guard
}

func New(cfg Config, log zerolog.Logger) *Fetcher {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	return &Fetcher{cfg: cfg, log: log, inFlight: make(map[string]*sync.Once)}
}

// Fetch produces a locally cached file covering [start-paddingStart,
// end+paddingEnd] of videoId, clamped to [0, +inf) (videoDuration is not
// known ahead of the download, so the upper clamp is enforced by yt-dlp's
// own end-of-stream behavior).
func (f *Fetcher) Fetch(ctx context.Context, videoID string, start, end, paddingStart, paddingEnd float64) (string, error) {
	clampedStart := start - paddingStart
	if clampedStart < 0 {
		clampedStart = 0
	}
	clampedEnd := end + paddingEnd

	key := cacheKey(videoID, clampedStart, clampedEnd)
	path := filepath.Join(f.cfg.CacheDir, key+".mp4")

	// Collapse concurrent requests for the same range (within and across
	// jobs, §4.3) onto a single download.
	once := f.onceFor(key)
	var downloadErr error
	once.Do(func() {
		downloadErr = f.downloadWithRetry(ctx, videoID, key, path, clampedStart, clampedEnd)
	})
	if downloadErr != nil {
		f.clearOnce(key)
		return "", downloadErr
	}
	return path, nil
}

func (f *Fetcher) onceFor(key string) *sync.Once {
	f.mu.Lock()
	defer f.mu.Unlock()
	once, ok := f.inFlight[key]
	if !ok {
		once = &sync.Once{}
		f.inFlight[key] = once
	}
	return once
}

func (f *Fetcher) clearOnce(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, key)
}

func (f *Fetcher) downloadWithRetry(ctx context.Context, videoID, key, path string, clampedStart, clampedEnd float64) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		return pipeline.Wrap(pipeline.KindInternal, fmt.Errorf("fetcher: create cache dir: %w", err))
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(1*time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(4*time.Second),
	)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, f.downloadOnce(ctx, videoID, clampedStart, clampedEnd, path)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxAttempts),
	)
	return err
}

// downloadOnce runs a single yt-dlp attempt, classifying the resulting error
// as permanent or transient per §4.3/§7.
func (f *Fetcher) downloadOnce(ctx context.Context, videoID string, start, end float64, destPath string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	tmp := destPath + ".part"
	args := f.buildArgs(videoID, start, end, tmp)

	cmd := exec.CommandContext(attemptCtx, f.cfg.YtDlpPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		kind := classifyError(stderr.String(), err)
		wrapped := pipeline.Wrap(kind, fmt.Errorf("yt-dlp %s: %w: %s", videoID, err, strings.TrimSpace(stderr.String())))
		if kind == pipeline.KindFetchPermanent {
			return backoff.Permanent(wrapped)
		}
		return wrapped
	}

	if err := os.Rename(tmp, destPath); err != nil {
		return backoff.Permanent(pipeline.Wrap(pipeline.KindInternal, fmt.Errorf("fetcher: finalize download: %w", err)))
	}
	return nil
}

func (f *Fetcher) buildArgs(videoID string, start, end float64, outPath string) []string {
	section := fmt.Sprintf("*%s-%s", formatSeconds(start), formatSeconds(end))
	args := []string{
		"--no-playlist",
		"--quiet",
		"--download-sections", section,
		"--force-keyframes-at-cuts",
		"-f", "bestvideo+bestaudio/best",
		"-o", outPath,
	}
	switch f.cfg.Auth {
	case AuthBrowser:
		args = append(args, "--cookies-from-browser", f.cfg.BrowserName)
	case AuthCookieFile:
		args = append(args, "--cookies", f.cfg.CookieFile)
	}
	args = append(args, videoURL(videoID))
	return args
}

func videoURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func cacheKey(videoID string, start, end float64) string {
	return fmt.Sprintf("%s_%s_%s", videoID, formatSeconds(start), formatSeconds(end))
}

var permanentPattern = regexp.MustCompile(`(?i)(video unavailable|private video|removed|has been deleted|not available|HTTP Error 404|HTTP Error 403|HTTP Error 410|copyright|forbidden)`)

// classifyError decides whether a yt-dlp failure is permanent (not
// retried) or transient (retried with backoff), per §4.3/§7. Anything that
// doesn't match a known permanent pattern defaults to transient, including
// context deadline/cancellation during the subprocess.
func classifyError(stderr string, _ error) pipeline.Kind {
	if permanentPattern.MatchString(stderr) {
		return pipeline.KindFetchPermanent
	}
	return pipeline.KindFetchTransient
}
