// Package transcoder implements C4: re-encoding a single time range of a
// fetched source file to the fixed intermediate profile, and rendering
// placeholder title cards for tokens with no clip.
package transcoder

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/hodaa/videostitch/internal/pipeline"
)

// perClipTimeout bounds a single transcode invocation (§5, T_proc <= 120s).
const perClipTimeout = 120 * time.Second

// defaultPlaceholderDuration is used when renderPlaceholder's duration is
// zero or negative (§4.4).
const defaultPlaceholderDuration = 1.0

// Config is the transcoder's process-wide configuration.
type Config struct {
	FfmpegPath string // defaults to "ffmpeg"
	ScratchDir string // where intermediates are written
	Profile    pipeline.Profile
	FontPath   string // optional TTF path for placeholder cards; falls back to a built-in face
	FontSize   float64
}

// Transcoder encodes source ranges and renders placeholder cards to the
// fixed intermediate profile (§4.4, §6).
type Transcoder struct {
	cfg      Config
	log      zerolog.Logger
	fontFace font.Face
}

func New(cfg Config, log zerolog.Logger) (*Transcoder, error) {
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	if cfg.FontSize == 0 {
		cfg.FontSize = 36
	}

	face, err := loadFontFace(cfg.FontPath, cfg.FontSize)
	if err != nil {
		return nil, fmt.Errorf("transcoder: load font face: %w", err)
	}

	return &Transcoder{cfg: cfg, log: log, fontFace: face}, nil
}

// WithScratchDir returns a shallow copy of t that writes intermediates to
// dir instead of its originally configured scratch directory, so a caller
// can scope one job's output files to that job's own scratch directory
// without re-parsing the font face.
func (t *Transcoder) WithScratchDir(dir string) *Transcoder {
	cfg := t.cfg
	cfg.ScratchDir = dir
	return &Transcoder{cfg: cfg, log: t.log, fontFace: t.fontFace}
}

// WithProfile returns a shallow copy of t that encodes to profile instead of
// its originally configured one, so a caller can select the per-job
// resolution a request's aspectRatio calls for (§6) without re-parsing the
// font face. The NormalizeAudio setting of t's own profile is kept, so a
// process-wide loudness-normalization choice survives per-job re-profiling.
func (t *Transcoder) WithProfile(profile pipeline.Profile) *Transcoder {
	cfg := t.cfg
	profile.NormalizeAudio = t.cfg.Profile.NormalizeAudio
	cfg.Profile = profile
	return &Transcoder{cfg: cfg, log: t.log, fontFace: t.fontFace}
}

// loadFontFace parses a TTF at path, or falls back to the stdlib-adjacent
// basicfont.Face7x13 when no custom font is configured.
func loadFontFace(path string, size float64) (font.Face, error) {
	if path == "" {
		return basicfont.Face7x13, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse TTF: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}

// Transcode extracts [inStart,inEnd) of sourceFile and re-encodes it to the
// fixed intermediate profile (§4.4, §6).
func (t *Transcoder) Transcode(ctx context.Context, sourceFile string, inStart, inEnd float64) (string, error) {
	if inEnd <= inStart {
		return "", pipeline.Wrap(pipeline.KindTranscodeFailed, fmt.Errorf("transcoder: inEnd (%.3f) <= inStart (%.3f)", inEnd, inStart))
	}

	outPath := t.scratchPath("clip")
	duration := inEnd - inStart

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-ss", formatSeconds(inStart),
		"-i", sourceFile,
		"-t", formatSeconds(duration),
	}
	args = append(args, t.videoArgs()...)
	args = append(args, t.audioArgs()...)
	args = append(args, outPath)

	if err := t.run(ctx, args); err != nil {
		return "", pipeline.Wrap(pipeline.KindTranscodeFailed, err)
	}
	return outPath, nil
}

// RenderPlaceholder produces a silent intermediate of the given duration
// showing a centered title card with text (§4.4).
func (t *Transcoder) RenderPlaceholder(ctx context.Context, text string, duration float64) (string, error) {
	if duration <= 0 {
		duration = defaultPlaceholderDuration
	}

	cardPath, err := t.renderCardImage(text)
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindTranscodeFailed, fmt.Errorf("render card image: %w", err))
	}
	defer os.Remove(cardPath)

	outPath := t.scratchPath("placeholder")
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-loop", "1", "-i", cardPath,
		"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", t.cfg.Profile.AudioSampleRate),
		"-t", formatSeconds(duration),
		"-shortest",
	}
	args = append(args, t.videoArgs()...)
	args = append(args, t.audioArgs()...)
	args = append(args, outPath)

	if err := t.run(ctx, args); err != nil {
		return "", pipeline.Wrap(pipeline.KindTranscodeFailed, err)
	}
	return outPath, nil
}

// renderCardImage draws text centered on a solid background at the
// profile's resolution and returns the path to the written PNG.
func (t *Transcoder) renderCardImage(text string) (string, error) {
	w, h := t.cfg.Profile.Width, t.cfg.Profile.Height
	if w == 0 || h == 0 {
		w, h = 1280, 720
	}

	dc := gg.NewContext(w, h)
	dc.SetColor(color.NRGBA{R: 20, G: 20, B: 24, A: 255})
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()

	dc.SetFontFace(t.fontFace)
	dc.SetColor(color.White)
	dc.DrawStringWrapped(text, float64(w)/2, float64(h)/2, 0.5, 0.5, float64(w)*0.8, 1.4, gg.AlignCenter)

	path := t.scratchFile("card", "png")
	if err := dc.SavePNG(path); err != nil {
		return "", err
	}
	return path, nil
}

// videoArgs enforces the fixed video profile (§6): H.264 High 3.1, yuv420p,
// the aspect ratio's fixed resolution, 30fps CFR.
func (t *Transcoder) videoArgs() []string {
	p := t.cfg.Profile
	w, h := p.Width, p.Height
	if w == 0 || h == 0 {
		w, h = 1280, 720
	}
	return []string{
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d", w, h, w, h, profileFrameRate(p)),
		"-c:v", "libx264",
		"-profile:v", "high",
		"-level:v", "3.1",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(profileFrameRate(p)),
		"-vsync", "cfr",
	}
}

// audioArgs enforces the fixed audio profile (§6): AAC-LC, 48kHz, stereo,
// with loudness normalization applied when the profile calls for it.
func (t *Transcoder) audioArgs() []string {
	p := t.cfg.Profile
	sampleRate := p.AudioSampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	channels := p.AudioChannels
	if channels == 0 {
		channels = 2
	}

	args := []string{"-c:a", "aac", "-profile:a", "aac_low", "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels)}
	if p.NormalizeAudio {
		lufs := p.LoudnessLUFS
		if lufs == 0 {
			lufs = -16.0
		}
		args = append([]string{"-af", fmt.Sprintf("loudnorm=I=%.1f:TP=-1.5:LRA=11", lufs)}, args...)
	}
	return args
}

func profileFrameRate(p pipeline.Profile) int {
	if p.FrameRate == 0 {
		return 30
	}
	return p.FrameRate
}

func (t *Transcoder) scratchPath(prefix string) string {
	return t.scratchFile(prefix, "mp4")
}

func (t *Transcoder) scratchFile(prefix, ext string) string {
	return filepath.Join(t.cfg.ScratchDir, fmt.Sprintf("%s-%s.%s", prefix, uuid.NewString(), ext))
}

func (t *Transcoder) run(ctx context.Context, args []string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, perClipTimeout)
	defer cancel()

	cmd := exec.CommandContext(attemptCtx, t.cfg.FfmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, string(out))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
