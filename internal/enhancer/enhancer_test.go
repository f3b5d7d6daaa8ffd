package enhancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeFakeFfmpeg(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script is a POSIX shell script")
	}
	script := filepath.Join(dir, "ffmpeg")
	content := `#!/bin/sh
for last; do :; done
touch "$last"
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestEnhanceDisabledWithoutToken(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	require.False(t, e.Enabled())

	res, err := e.Enhance(context.Background(), "/tmp/video.mp4", false)
	require.NoError(t, err)
	require.Equal(t, "/tmp/video.mp4", res.OutputPath)
	require.Empty(t, res.Warning)
}

func TestEnhanceFullRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeFakeFfmpeg(t, dir)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	video := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video"), 0o644))

	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/productions.json":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"uuid": "job-123"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/production/job-123.json":
			polls++
			w.Header().Set("Content-Type", "application/json")
			if polls < 2 {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{"status": 1},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"status":       statusDone,
					"output_files": []map[string]any{{"download_url": "http://" + r.Host + "/download/audio.wav"}},
				},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/download/audio.wav":
			_, _ = w.Write([]byte("processed audio bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	e := New(Config{
		APIToken:   "test-token",
		BaseURL:    server.URL,
		FfmpegPath: ffmpeg,
		ScratchDir: scratch,
	}, zerolog.Nop())
	require.True(t, e.Enabled())

	res, err := e.Enhance(context.Background(), video, true)
	require.NoError(t, err)
	require.NotEqual(t, video, res.OutputPath)
	require.FileExists(t, res.OutputPath)
	require.FileExists(t, originalSidePath(res.OutputPath))
}

func TestEnhanceFallsBackOnRemoteError(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeFakeFfmpeg(t, dir)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	video := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := New(Config{
		APIToken:   "test-token",
		BaseURL:    server.URL,
		FfmpegPath: ffmpeg,
		ScratchDir: scratch,
	}, zerolog.Nop())
	e.client.RetryMax = 0 // keep the test fast: no retries against the failing server

	res, err := e.Enhance(context.Background(), video, false)
	require.NoError(t, err) // enhancement failure is never fatal (§4.6)
	require.Equal(t, video, res.OutputPath)
	require.NotEmpty(t, res.Warning)
}

func TestOriginalSidePathNaming(t *testing.T) {
	require.Equal(t, "/out/job_original.mp4", originalSidePath("/out/job.mp4"))
}
