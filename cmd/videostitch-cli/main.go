// Command videostitch-cli is the thin batch wrapper around the pipeline
// described in spec §6 ("CLI surface"): it runs exactly one job against a
// given catalog database and writes the result to a file, with no HTTP
// server involved.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hodaa/videostitch/internal/catalog"
	"github.com/hodaa/videostitch/internal/concat"
	"github.com/hodaa/videostitch/internal/enhancer"
	"github.com/hodaa/videostitch/internal/fetcher"
	"github.com/hodaa/videostitch/internal/orchestrator"
	"github.com/hodaa/videostitch/internal/pipeline"
	"github.com/hodaa/videostitch/internal/transcoder"
)

// cliFlags holds the --text/--database/--output/... flags from spec §6.
type cliFlags struct {
	text            string
	database        string
	output          string
	outputDir       string
	verbose         bool
	noNormalize     bool
	noCleanup       bool
	enhanceAudio    bool
	maxPhraseLength int
}

func main() {
	os.Exit(runMain(os.Args[1:]))
}

// runMain returns the process exit code per spec §6: 0 success, 1 fatal
// pipeline failure, 2 bad arguments.
func runMain(args []string) int {
	var flags cliFlags

	root := &cobra.Command{
		Use:           "videostitch-cli",
		Short:         "Generate a single stitched video from a sentence and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeJob(cmd.Context(), flags)
		},
	}

	root.Flags().StringVar(&flags.text, "text", "", "sentence to render (required)")
	root.Flags().StringVar(&flags.database, "database", "catalog.db", "path to the clip catalog database")
	root.Flags().StringVar(&flags.output, "output", "", "explicit output file path; overrides --output-dir's generated name")
	root.Flags().StringVar(&flags.outputDir, "output-dir", "output", "directory to write the output video into")
	root.Flags().BoolVar(&flags.verbose, "verbose", false, "enable debug-level logging")
	root.Flags().BoolVar(&flags.noNormalize, "no-normalize", false, "skip per-clip loudness normalization")
	root.Flags().BoolVar(&flags.noCleanup, "no-cleanup", false, "keep the job's scratch directory instead of removing it")
	root.Flags().BoolVar(&flags.enhanceAudio, "enhance-audio", false, "run the optional audio enhancement round-trip")
	root.Flags().IntVar(&flags.maxPhraseLength, "max-phrase-length", 10, "maximum phrase span (1-50) the planner will try")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "videostitch-cli:", err)
		if isUsageError(err) {
			return 2
		}
		return 1
	}
	return 0
}

// usageError marks an error as a bad-arguments error (exit code 2) rather
// than a pipeline failure (exit code 1).
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func isUsageError(err error) bool {
	var u *usageError
	return errors.As(err, &u)
}

func executeJob(ctx context.Context, flags cliFlags) error {
	if flags.text == "" {
		return &usageError{fmt.Errorf("--text is required")}
	}
	if flags.maxPhraseLength < 1 || flags.maxPhraseLength > 50 {
		return &usageError{fmt.Errorf("--max-phrase-length must be in [1,50], got %d", flags.maxPhraseLength)}
	}

	level := zerolog.InfoLevel
	if flags.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found on PATH: %w", err)
	}

	if err := os.MkdirAll(flags.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tempDir, err := os.MkdirTemp("", "videostitch-cli-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	if !flags.noCleanup {
		defer os.RemoveAll(tempDir)
	}

	store, err := catalog.Open(flags.database, log)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", flags.database, err)
	}
	defer store.Close()

	profile := pipeline.DefaultProfile(pipeline.Aspect16x9)
	profile.NormalizeAudio = !flags.noNormalize

	txc, err := transcoder.New(transcoder.Config{ScratchDir: tempDir, Profile: profile}, log)
	if err != nil {
		return fmt.Errorf("init transcoder: %w", err)
	}

	deps := orchestrator.Dependencies{
		Catalog:    store,
		Fetcher:    fetcher.New(fetcher.Config{CacheDir: filepath.Join(tempDir, "fetch-cache")}, log),
		Transcoder: txc,
		Concat:     concat.New(concat.Config{ScratchDir: tempDir}, log),
		Enhancer:   enhancer.New(enhancer.Config{ScratchDir: tempDir}, log),
	}
	orch := orchestrator.New(deps, tempDir, flags.outputDir, log)

	result, err := orch.Run(ctx, orchestrator.Options{
		Text:             flags.text,
		MaxPhraseLength:  flags.maxPhraseLength,
		ClipPaddingStart: 0.15,
		ClipPaddingEnd:   0.15,
		Aspect:           pipeline.Aspect16x9,
		EnhanceAudio:     flags.enhanceAudio,
		KeepScratch:      flags.noCleanup,
		Progress: func(completed, total int) {
			log.Info().Int("completed", completed).Int("total", total).Msg("progress")
		},
	})
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	if result.Status == pipeline.StatusFailed || result.Status == pipeline.StatusCancelled {
		return fmt.Errorf("job finished with status %s: %s", result.Status, result.Message)
	}

	finalPath := result.OutputPath
	if flags.output != "" {
		if err := os.Rename(result.OutputPath, flags.output); err != nil {
			return fmt.Errorf("move output to %s: %w", flags.output, err)
		}
		finalPath = flags.output
	}

	log.Info().
		Str("status", string(result.Status)).
		Str("output", finalPath).
		Strs("missing", result.MissingTokens).
		Msg("videostitch-cli: done")

	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}

	return nil
}
