// Package enhancer implements C6: an optional round trip to a remote
// loudness/noise-reduction service, reattaching the processed audio track.
// Any failure here is non-fatal: the caller always gets back at least the
// pre-enhancement video.
package enhancer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// pollInterval and totalBudget implement §5's T_poll = 5s / T_enh <= 600s.
const pollInterval = 5 * time.Second
const totalBudget = 600 * time.Second

// Config is the enhancer's process-wide configuration. Enhancement is
// enabled only when APIToken is non-empty (§6 AUPHONIC_API_TOKEN).
type Config struct {
	APIToken   string
	BaseURL    string // defaults to the Auphonic production API
	FfmpegPath string // defaults to "ffmpeg"
	ScratchDir string
}

// Enhancer submits extracted audio to a remote enhancement service and
// remuxes the result back into the source video (§4.6).
type Enhancer struct {
	cfg    Config
	log    zerolog.Logger
	client *retryablehttp.Client
}

func New(cfg Config, log zerolog.Logger) *Enhancer {
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://auphonic.com/api"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // zerolog is used directly instead of the library's own logger

	return &Enhancer{cfg: cfg, log: log, client: client}
}

// Enabled reports whether enhancement is configured (§6).
func (e *Enhancer) Enabled() bool {
	return strings.TrimSpace(e.cfg.APIToken) != ""
}

// Result is the outcome of an enhancement attempt.
type Result struct {
	OutputPath string // the remuxed file; equals the input path if enhancement was skipped/failed
	Warning    string // non-empty if enhancement failed and the original was returned
}

// Enhance runs the five-step round trip described in §4.6. On any failure
// it returns the original videoPath unchanged plus a warning; it never
// returns an error that should fail the job.
func (e *Enhancer) Enhance(ctx context.Context, videoPath string, keepOriginalAudio bool) (Result, error) {
	if !e.Enabled() {
		return Result{OutputPath: videoPath}, nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	audioPath, err := e.extractAudio(budgetCtx, videoPath)
	if err != nil {
		return e.fallback(videoPath, fmt.Sprintf("extract audio: %v", err)), nil
	}
	defer os.Remove(audioPath)

	jobID, err := e.submit(budgetCtx, audioPath)
	if err != nil {
		return e.fallback(videoPath, fmt.Sprintf("submit: %v", err)), nil
	}

	processedAudio, err := e.pollUntilDone(budgetCtx, jobID)
	if err != nil {
		return e.fallback(videoPath, fmt.Sprintf("poll: %v", err)), nil
	}
	defer os.Remove(processedAudio)

	outPath := e.scratchFile("enhanced", strings.TrimPrefix(filepath.Ext(videoPath), "."))
	if err := e.remux(budgetCtx, videoPath, processedAudio, outPath); err != nil {
		return e.fallback(videoPath, fmt.Sprintf("remux: %v", err)), nil
	}

	result := Result{OutputPath: outPath}
	if keepOriginalAudio {
		sidePath := originalSidePath(outPath)
		if err := copyFile(videoPath, sidePath); err != nil {
			result.Warning = fmt.Sprintf("enhancement succeeded but keepOriginalAudio side file failed: %v", err)
		}
	}
	return result, nil
}

func (e *Enhancer) fallback(videoPath, reason string) Result {
	e.log.Warn().Str("reason", reason).Msg("audio enhancement failed, returning pre-enhancement output")
	return Result{OutputPath: videoPath, Warning: "audio enhancement failed: " + reason}
}

// originalSidePath implements the keepOriginalAudio naming convention
// (§4.6): "<output>_original.<ext>".
func originalSidePath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	base := strings.TrimSuffix(outputPath, ext)
	return base + "_original" + ext
}

func (e *Enhancer) extractAudio(ctx context.Context, videoPath string) (string, error) {
	out := e.scratchFile("audio", "wav")
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-vn", "-acodec", "pcm_s16le", "-ar", "48000", "-ac", "2",
		out,
	}
	cmd := exec.CommandContext(ctx, e.cfg.FfmpegPath, args...)
	combined, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg extract audio: %w: %s", err, string(combined))
	}
	return out, nil
}

// submitResponse is the subset of the enhancement API's create-job
// response this client needs.
type submitResponse struct {
	Data struct {
		UUID string `json:"uuid"`
	} `json:"data"`
}

// submit uploads the extracted audio with the fixed processing preset
// (noise reduction, hum removal, -16 LUFS target, §4.6 step 2).
func (e *Enhancer) submit(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("denoise", "medium")
	_ = mw.WriteField("hum_reduction", "true")
	_ = mw.WriteField("loudnesstarget", "-16")
	part, err := mw.CreateFormFile("input_file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/productions.json", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	if parsed.Data.UUID == "" {
		return "", fmt.Errorf("submit: response missing job id")
	}
	return parsed.Data.UUID, nil
}

// statusResponse is the subset of the poll response this client needs.
type statusResponse struct {
	Data struct {
		Status      int    `json:"status"`
		OutputFiles []struct {
			DownloadURL string `json:"download_url"`
		} `json:"output_files"`
		ErrorMessage string `json:"error_message"`
	} `json:"data"`
}

// Auphonic's numeric job-status codes relevant here.
const (
	statusDone  = 3
	statusError = 9
)

// pollUntilDone polls the remote job at pollInterval until it reports done
// or error, bounded by ctx's deadline (the caller's totalBudget, §4.6 step 3).
func (e *Enhancer) pollUntilDone(ctx context.Context, jobID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.pollOnce(ctx, jobID)
		if err != nil {
			return "", err
		}
		switch status.Data.Status {
		case statusDone:
			if len(status.Data.OutputFiles) == 0 {
				return "", fmt.Errorf("poll: done but no output files")
			}
			return e.download(ctx, status.Data.OutputFiles[0].DownloadURL)
		case statusError:
			return "", fmt.Errorf("poll: remote job failed: %s", status.Data.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Enhancer) pollOnce(ctx context.Context, jobID string) (*statusResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/production/"+jobID+".json", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("poll: decode response: %w", err)
	}
	return &parsed, nil
}

// download fetches the processed audio (§4.6 step 4).
func (e *Enhancer) download(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	out := e.scratchFile("enhanced-audio", "wav")
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return out, nil
}

// remux replaces videoPath's audio track with processedAudio (§4.6 step 5).
func (e *Enhancer) remux(ctx context.Context, videoPath, processedAudio, outPath string) error {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-i", processedAudio,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac", "-b:a", "192k",
		"-shortest",
		outPath,
	}
	cmd := exec.CommandContext(ctx, e.cfg.FfmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg remux: %w: %s", err, string(out))
	}
	return nil
}

func (e *Enhancer) scratchFile(prefix, ext string) string {
	return filepath.Join(e.cfg.ScratchDir, fmt.Sprintf("%s-%s.%s", prefix, uuid.NewString(), ext))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
