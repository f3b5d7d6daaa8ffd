package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// writeFakeYtDlp writes a tiny script standing in for yt-dlp: it writes an
// empty file at the -o path and exits 0, or (if FAKE_YTDLP_STDERR is set in
// its environment) prints that value to stderr and exits 1. This lets the
// retry/classification logic be exercised without real network access.
func writeFakeYtDlp(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp script is a POSIX shell script")
	}
	script := filepath.Join(dir, "yt-dlp")
	content := `#!/bin/sh
out=""
while [ "$#" -gt 0 ]; do
  if [ "$1" = "-o" ]; then
    out="$2"
  fi
  shift
done
if [ -n "$FAKE_YTDLP_STDERR" ]; then
  echo "$FAKE_YTDLP_STDERR" 1>&2
  exit 1
fi
touch "$out"
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestFetchCachesOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	script := writeFakeYtDlp(t, dir)

	f := New(Config{CacheDir: filepath.Join(dir, "cache"), YtDlpPath: script}, zerolog.Nop())

	path1, err := f.Fetch(context.Background(), "abc12345678", 1.0, 2.0, 0.1, 0.1)
	require.NoError(t, err)
	require.FileExists(t, path1)

	info1, err := os.Stat(path1)
	require.NoError(t, err)

	path2, err := f.Fetch(context.Background(), "abc12345678", 1.0, 2.0, 0.1, 0.1)
	require.NoError(t, err)
	require.Equal(t, path1, path2)

	info2, err := os.Stat(path2)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime(), "second call must be served from cache, not re-downloaded")
}

func TestFetchClampsNegativeStart(t *testing.T) {
	dir := t.TempDir()
	script := writeFakeYtDlp(t, dir)
	f := New(Config{CacheDir: filepath.Join(dir, "cache"), YtDlpPath: script}, zerolog.Nop())

	path, err := f.Fetch(context.Background(), "abc12345678", 0.05, 1.0, 0.5, 0.0)
	require.NoError(t, err)
	require.FileExists(t, path)
	// clampedStart = 0.05 - 0.5 -> clamped to 0, so the cache key should
	// encode a start of 0.000, not a negative number.
	require.Contains(t, path, "_0.000_")
}

func TestFetchPermanentErrorIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	script := writeFakeYtDlp(t, dir)
	f := New(Config{CacheDir: filepath.Join(dir, "cache"), YtDlpPath: script}, zerolog.Nop())

	t.Setenv("FAKE_YTDLP_STDERR", "ERROR: Video unavailable")

	_, err := f.Fetch(context.Background(), "deadbeef123", 0, 1, 0, 0)
	require.Error(t, err)
}

func TestBuildArgsIncludesAuth(t *testing.T) {
	f := New(Config{Auth: AuthBrowser, BrowserName: "chrome"}, zerolog.Nop())
	args := f.buildArgs("abc12345678", 1.0, 2.5, "/tmp/out.mp4")
	require.Contains(t, args, "--cookies-from-browser")
	require.Contains(t, args, "chrome")
	require.Contains(t, args, "https://www.youtube.com/watch?v=abc12345678")
}

func TestCacheKeyDeterministic(t *testing.T) {
	require.Equal(t, cacheKey("vid", 1.0, 2.0), cacheKey("vid", 1.0, 2.0))
	require.NotEqual(t, cacheKey("vid", 1.0, 2.0), cacheKey("vid", 1.0, 3.0))
}
