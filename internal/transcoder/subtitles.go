package transcoder

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hodaa/videostitch/internal/pipeline"
)

// WriteSRT renders timings as SubRip subtitle text, one cue per word or
// phrase timing, and writes it to a scratch file (§1 "subtitle burn-in",
// §6's wordTimings response shape is the data source).
func (t *Transcoder) WriteSRT(timings []pipeline.WordTiming) (string, error) {
	var b strings.Builder
	for i, tm := range timings {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(tm.Start), srtTimestamp(tm.End), tm.Word)
	}

	path := t.scratchFile("subs", "srt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("transcoder: write srt: %w", err)
	}
	return path, nil
}

// BurnSubtitles re-encodes videoPath with srtPath's cues burned into the
// video stream, producing a new intermediate file (§1). The video track
// cannot be stream-copied: applying the subtitles filter requires decoding
// and re-encoding it. The audio track is copied unchanged.
func (t *Transcoder) BurnSubtitles(ctx context.Context, videoPath, srtPath string) (string, error) {
	outPath := t.scratchPath("subtitled")

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("subtitles=%s", escapeSubtitlesFilterPath(srtPath)),
		"-c:a", "copy",
	}
	args = append(args, videoCodecArgs()...)
	args = append(args, outPath)

	if err := t.run(ctx, args); err != nil {
		return "", pipeline.Wrap(pipeline.KindTranscodeFailed, err)
	}
	return outPath, nil
}

// videoCodecArgs re-applies the fixed video codec settings (§6) without the
// scale/pad/fps filter chain, which burn-in leaves untouched since its
// input is already profile-conformant.
func videoCodecArgs() []string {
	return []string{
		"-c:v", "libx264",
		"-profile:v", "high",
		"-level:v", "3.1",
		"-pix_fmt", "yuv420p",
	}
}

// escapeSubtitlesFilterPath escapes characters ffmpeg's filtergraph parser
// would otherwise treat specially in a subtitles= filter argument.
func escapeSubtitlesFilterPath(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(path)
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMillis := int64(seconds*1000 + 0.5)
	h := totalMillis / 3600000
	totalMillis %= 3600000
	m := totalMillis / 60000
	totalMillis %= 60000
	s := totalMillis / 1000
	ms := totalMillis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
