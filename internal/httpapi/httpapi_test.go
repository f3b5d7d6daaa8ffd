package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hodaa/videostitch/internal/orchestrator"
	"github.com/hodaa/videostitch/internal/pipeline"
)

type fakeRunner struct {
	result pipeline.Result
	err    error
	lastOpts orchestrator.Options
}

func (f *fakeRunner) Run(_ context.Context, opts orchestrator.Options) (pipeline.Result, error) {
	f.lastOpts = opts
	return f.result, f.err
}

func TestHealth(t *testing.T) {
	s := New(&fakeRunner{}, t.TempDir(), Config{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestSearchStubIs501(t *testing.T) {
	s := New(&fakeRunner{}, t.TempDir(), Config{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/search?q=hello", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGenerateVideoEmptyTextIsBadRequest(t *testing.T) {
	s := New(&fakeRunner{}, t.TempDir(), Config{}, zerolog.Nop())

	body, _ := json.Marshal(map[string]string{"text": "  "})
	req := httptest.NewRequest(http.MethodPost, "/generate-video", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateVideoInvalidAspectIsBadRequest(t *testing.T) {
	s := New(&fakeRunner{}, t.TempDir(), Config{}, zerolog.Nop())

	body, _ := json.Marshal(map[string]string{"text": "hello world", "aspectRatio": "4:3"})
	req := httptest.NewRequest(http.MethodPost, "/generate-video", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateVideoSuccess(t *testing.T) {
	outDir := t.TempDir()
	runner := &fakeRunner{result: pipeline.Result{
		Status:     pipeline.StatusSuccess,
		OutputPath: filepath.Join(outDir, "job-abc123.mp4"),
		WordTimings: []pipeline.WordTiming{
			{Word: "hello world", Start: 0, End: 1.1},
		},
	}}
	s := New(runner, outDir, Config{}, zerolog.Nop())

	body, _ := json.Marshal(map[string]any{"text": "hello world", "addSubtitles": true})
	req := httptest.NewRequest(http.MethodPost, "/generate-video", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateVideoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "/videos/job-abc123.mp4", resp.VideoURL)
	require.Equal(t, 10, runner.lastOpts.MaxPhraseLength)
	require.Equal(t, 0.15, runner.lastOpts.ClipPaddingStart)
	require.True(t, runner.lastOpts.AddSubtitles)
}

func TestGenerateVideoPassesAspectRatioThrough(t *testing.T) {
	runner := &fakeRunner{result: pipeline.Result{Status: pipeline.StatusSuccess}}
	s := New(runner, t.TempDir(), Config{}, zerolog.Nop())

	body, _ := json.Marshal(map[string]any{"text": "hello world", "aspectRatio": "9:16"})
	req := httptest.NewRequest(http.MethodPost, "/generate-video", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pipeline.Aspect9x16, runner.lastOpts.Aspect)
}

func TestGenerateVideoFailedMapsTo500(t *testing.T) {
	runner := &fakeRunner{result: pipeline.Result{Status: pipeline.StatusFailed, Message: "no segment could be rendered"}}
	s := New(runner, t.TempDir(), Config{}, zerolog.Nop())

	body, _ := json.Marshal(map[string]any{"text": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/generate-video", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeVideoRejectsPathEscape(t *testing.T) {
	outDir := t.TempDir()
	s := New(&fakeRunner{}, outDir, Config{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/videos/..%2F..%2Fetc%2Fpasswd", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeVideoServesExistingFile(t *testing.T) {
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "clip.mp4"), []byte("fake mp4"), 0o644))
	s := New(&fakeRunner{}, outDir, Config{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/videos/clip.mp4", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fake mp4", rec.Body.String())
}

func TestServeVideoMissingFileIs404(t *testing.T) {
	outDir := t.TempDir()
	s := New(&fakeRunner{}, outDir, Config{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/videos/missing.mp4", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
