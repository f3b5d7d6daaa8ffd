// Package concat implements C5: joining per-pick intermediates into a
// single output container, in batch (concat-manifest) or incremental
// (fold-left) mode.
package concat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hodaa/videostitch/internal/pipeline"
)

// incrementalThreshold is the intermediate count above which concatenation
// switches from one manifest pass to fold-left to bound memory (§4.5).
const incrementalThreshold = 50

// concatTimeout bounds a single ffmpeg concat invocation.
const concatTimeout = 180 * time.Second

// Config is the concatenator's process-wide configuration.
type Config struct {
	FfmpegPath  string // defaults to "ffmpeg"
	FfprobePath string // defaults to "ffprobe"
	ScratchDir  string // working directory for manifests and fold intermediates
}

type Concatenator struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Concatenator {
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	if cfg.FfprobePath == "" {
		cfg.FfprobePath = "ffprobe"
	}
	return &Concatenator{cfg: cfg, log: log}
}

// WithScratchDir returns a shallow copy of c that writes manifests and fold
// intermediates to dir instead of its originally configured scratch
// directory, so a caller can scope one job's working files to that job's
// own scratch directory.
func (c *Concatenator) WithScratchDir(dir string) *Concatenator {
	cfg := c.cfg
	cfg.ScratchDir = dir
	return &Concatenator{cfg: cfg, log: c.log}
}

// Concatenate joins intermediates, in order, into a single file at
// outputPath and returns the resulting duration in seconds (§4.5, §6).
func (c *Concatenator) Concatenate(ctx context.Context, intermediates []string, outputPath string) (float64, error) {
	if len(intermediates) == 0 {
		return 0, pipeline.Wrap(pipeline.KindConcatFailed, fmt.Errorf("concat: no intermediates to join"))
	}
	if len(intermediates) == 1 {
		if err := copyFile(intermediates[0], outputPath); err != nil {
			return 0, pipeline.Wrap(pipeline.KindConcatFailed, err)
		}
		return c.probeDuration(ctx, outputPath)
	}

	var err error
	if len(intermediates) > incrementalThreshold {
		err = c.concatenateIncremental(ctx, intermediates, outputPath)
	} else {
		err = c.concatenateBatch(ctx, intermediates, outputPath)
	}
	if err != nil {
		return 0, pipeline.Wrap(pipeline.KindConcatFailed, err)
	}

	return c.probeDuration(ctx, outputPath)
}

// concatenateBatch writes one concat-demuxer manifest and stream-copies the
// whole list in a single ffmpeg invocation (§4.5 "Batch").
func (c *Concatenator) concatenateBatch(ctx context.Context, intermediates []string, outputPath string) error {
	manifest, err := c.writeManifest(intermediates)
	if err != nil {
		return fmt.Errorf("concat: write manifest: %w", err)
	}
	defer os.Remove(manifest)

	return c.runConcatFromManifest(ctx, manifest, outputPath)
}

// concatenateIncremental folds the intermediates two at a time, so memory
// use stays bounded regardless of how many segments there are (§4.5
// "Incremental", used when len > 50).
func (c *Concatenator) concatenateIncremental(ctx context.Context, intermediates []string, outputPath string) error {
	running := intermediates[0]
	firstInput := running

	for _, next := range intermediates[1:] {
		foldOut := c.scratchFile("fold", "mp4")
		if err := c.foldPair(ctx, running, next, foldOut); err != nil {
			os.Remove(foldOut)
			return err
		}
		// Only remove running if it was itself a fold intermediate we
		// created, never the caller's original first input.
		if running != firstInput {
			os.Remove(running)
		}
		running = foldOut
	}

	if err := os.Rename(running, outputPath); err != nil {
		if err2 := copyFile(running, outputPath); err2 != nil {
			return err2
		}
		os.Remove(running)
	}
	return nil
}

// foldPair concat-demuxes exactly two files into out (one incremental fold
// step, §4.5 "Incremental").
func (c *Concatenator) foldPair(ctx context.Context, a, b, out string) error {
	manifest, err := c.writeManifest([]string{a, b})
	if err != nil {
		return fmt.Errorf("concat: write fold manifest: %w", err)
	}
	defer os.Remove(manifest)

	return c.runConcatFromManifest(ctx, manifest, out)
}

// runConcatFromManifest invokes ffmpeg's concat demuxer in stream-copy mode
// against a prebuilt manifest file.
func (c *Concatenator) runConcatFromManifest(ctx context.Context, manifest, outputPath string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, concatTimeout)
	defer cancel()

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", manifest,
		"-c", "copy",
		outputPath,
	}
	cmd := exec.CommandContext(attemptCtx, c.cfg.FfmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, string(out))
	}
	return nil
}

// writeManifest writes a concat-demuxer file list, one absolute path per
// line, and returns its path.
func (c *Concatenator) writeManifest(intermediates []string) (string, error) {
	var b strings.Builder
	for _, p := range intermediates {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\n", escapeManifestPath(abs))
	}

	path := c.scratchFile("manifest", "txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func escapeManifestPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

// probeDuration reads the output file's duration via ffprobe, for the
// orchestrator's word-timing derivation (§4.7, §6).
func (c *Concatenator) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	cmd := exec.CommandContext(ctx, c.cfg.FfprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse duration %q: %w", string(out), err)
	}
	return d, nil
}

func (c *Concatenator) scratchFile(prefix, ext string) string {
	return filepath.Join(c.cfg.ScratchDir, fmt.Sprintf("%s-%s.%s", prefix, uuid.NewString(), ext))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
