package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunMainMissingTextIsExitCode2(t *testing.T) {
	require.Equal(t, 2, runMain([]string{}))
}

func TestRunMainInvalidMaxPhraseLengthIsExitCode2(t *testing.T) {
	require.Equal(t, 2, runMain([]string{"--text", "hello", "--max-phrase-length", "0"}))
}

func TestRunMainMissingCatalogIsExitCode1(t *testing.T) {
	// ffmpeg is expected to be present on PATH in CI; a nonexistent
	// database path fails the catalog.Open step, which is a pipeline
	// failure (exit code 1), not a usage error.
	dir := t.TempDir()
	code := runMain([]string{
		"--text", "hello world",
		"--database", dir + "/does-not-exist/catalog.db",
	})
	require.Equal(t, 1, code)
}
