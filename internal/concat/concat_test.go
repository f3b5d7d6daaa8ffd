package concat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// writeFakeTools writes stand-ins for ffmpeg (concat demuxer: sums up the
// byte lengths of the manifest's listed files into the output, so
// durations-as-bytes can be asserted on) and ffprobe (reports the output
// file's size, in a fixed ratio, as its "duration").
func writeFakeTools(t *testing.T, dir string) (ffmpeg, ffprobe string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts are POSIX shell scripts")
	}

	ffmpeg = filepath.Join(dir, "ffmpeg")
	ffmpegScript := `#!/bin/sh
manifest=""
out=""
prev=""
for arg; do
  if [ "$prev" = "-i" ]; then manifest="$arg"; fi
  prev="$arg"
  out="$arg"
done
: > "$out"
while IFS= read -r line; do
  path=$(echo "$line" | sed -n "s/^file '\\(.*\\)'$/\\1/p")
  if [ -n "$path" ] && [ -f "$path" ]; then
    cat "$path" >> "$out"
  fi
done < "$manifest"
exit 0
`
	require.NoError(t, os.WriteFile(ffmpeg, []byte(ffmpegScript), 0o755))

	ffprobe = filepath.Join(dir, "ffprobe")
	// Duration in seconds = byte count of the last arg (the file) / 10.
	ffprobeScript := `#!/bin/sh
for last; do :; done
size=$(wc -c < "$last" | tr -d ' ')
echo "$size / 10" | bc -l
exit 0
`
	require.NoError(t, os.WriteFile(ffprobe, []byte(ffprobeScript), 0o755))
	return ffmpeg, ffprobe
}

func writeIntermediate(t *testing.T, dir string, i, size int) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("intermediate-%d.mp4", i))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
	return path
}

func TestConcatenateBatchJoinsInOrder(t *testing.T) {
	if _, err := lookBcPath(); err != nil {
		t.Skip("bc not available in this environment for the fake ffprobe script")
	}

	dir := t.TempDir()
	ffmpeg, ffprobe := writeFakeTools(t, dir)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	c := New(Config{FfmpegPath: ffmpeg, FfprobePath: ffprobe, ScratchDir: scratch}, zerolog.Nop())

	a := writeIntermediate(t, dir, 1, 100)
	b := writeIntermediate(t, dir, 2, 200)
	out := filepath.Join(dir, "final.mp4")

	duration, err := c.Concatenate(context.Background(), []string{a, b}, out)
	require.NoError(t, err)
	require.FileExists(t, out)
	require.InDelta(t, 30.0, duration, 0.01) // (100+200)/10
}

func TestConcatenateSingleIntermediateCopiesFile(t *testing.T) {
	if _, err := lookBcPath(); err != nil {
		t.Skip("bc not available in this environment for the fake ffprobe script")
	}
	dir := t.TempDir()
	ffmpeg, ffprobe := writeFakeTools(t, dir)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	c := New(Config{FfmpegPath: ffmpeg, FfprobePath: ffprobe, ScratchDir: scratch}, zerolog.Nop())
	a := writeIntermediate(t, dir, 1, 50)
	out := filepath.Join(dir, "final.mp4")

	duration, err := c.Concatenate(context.Background(), []string{a}, out)
	require.NoError(t, err)
	require.FileExists(t, out)
	require.InDelta(t, 5.0, duration, 0.01)
}

func TestConcatenateNoIntermediatesErrors(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{ScratchDir: dir}, zerolog.Nop())
	_, err := c.Concatenate(context.Background(), nil, filepath.Join(dir, "out.mp4"))
	require.Error(t, err)
}

func TestConcatenateIncrementalUsedAboveThreshold(t *testing.T) {
	if _, err := lookBcPath(); err != nil {
		t.Skip("bc not available in this environment for the fake ffprobe script")
	}
	dir := t.TempDir()
	ffmpeg, ffprobe := writeFakeTools(t, dir)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	c := New(Config{FfmpegPath: ffmpeg, FfprobePath: ffprobe, ScratchDir: scratch}, zerolog.Nop())

	var paths []string
	expectedBytes := 0
	for i := 0; i < incrementalThreshold+1; i++ {
		paths = append(paths, writeIntermediate(t, dir, i, 10))
		expectedBytes += 10
	}
	out := filepath.Join(dir, "final.mp4")

	duration, err := c.Concatenate(context.Background(), paths, out)
	require.NoError(t, err)
	require.FileExists(t, out)
	require.InDelta(t, float64(expectedBytes)/10.0, duration, 0.1)

	// No fold intermediates should be left behind in scratch.
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func lookBcPath() (string, error) {
	return exec.LookPath("bc")
}
