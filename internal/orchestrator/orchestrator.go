// Package orchestrator implements C7: it drives plan→fetch→transcode→
// concat→(enhance) for one job, with bounded worker pools for fetch and
// transcode, in plan-order assembly, progress reporting, and a
// scratch-directory lifecycle scoped to the job.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hodaa/videostitch/internal/catalog"
	"github.com/hodaa/videostitch/internal/concat"
	"github.com/hodaa/videostitch/internal/enhancer"
	"github.com/hodaa/videostitch/internal/fetcher"
	"github.com/hodaa/videostitch/internal/normalize"
	"github.com/hodaa/videostitch/internal/pipeline"
	"github.com/hodaa/videostitch/internal/planner"
	"github.com/hodaa/videostitch/internal/transcoder"
)

const (
	defaultFetchWorkers     = 3
	defaultTranscodeWorkers = 4
	defaultPlaceholderSecs  = 1.0
)

// Options configures one run of the pipeline (§4.7, §6 POST /generate-video).
type Options struct {
	Text                 string
	MaxPhraseLength      int
	ClipPaddingStart     float64
	ClipPaddingEnd       float64
	Aspect               pipeline.AspectRatio
	AddSubtitles         bool
	EnhanceAudio         bool
	KeepOriginalAudio    bool
	MaxDownloadWorkers   int
	MaxProcessingWorkers int
	FailOnAny            bool
	KeepScratch          bool // CLI --no-cleanup

	// Progress is invoked after each pick finishes its fetch+transcode
	// stage with (completed, total). May be nil.
	Progress func(completed, total int)
}

// Dependencies bundles the components the orchestrator drives.
type Dependencies struct {
	Catalog    *catalog.Store
	Fetcher    *fetcher.Fetcher
	Transcoder *transcoder.Transcoder
	Concat     *concat.Concatenator
	Enhancer   *enhancer.Enhancer
}

// Orchestrator runs jobs against a fixed set of dependencies and a
// configured temp/output root (§5 "process-wide state").
type Orchestrator struct {
	deps      Dependencies
	log       zerolog.Logger
	tempRoot  string
	outputDir string
}

func New(deps Dependencies, tempRoot, outputDir string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{deps: deps, log: log, tempRoot: tempRoot, outputDir: outputDir}
}

// pickOutcome is one pick's fetch+transcode result, keyed by its plan index
// so the concat stage can read in plan order regardless of completion
// order (§4.7, §5).
type pickOutcome struct {
	index            int
	pick             pipeline.Pick
	intermediatePath string
	skipped          bool
	isPlaceholder    bool // true if this pick rendered as a placeholder card, whether by plan or by fetch-failure substitution
}

// Run executes one full job: plan, fetch, transcode, concat, optionally
// enhance. ctx's cancellation is the job's cooperative cancel flag (§4.7,
// §5): it is checked at every stage boundary and inside the fetcher's own
// retry loop.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (pipeline.Result, error) {
	if err := validateOptions(opts); err != nil {
		return pipeline.Result{}, err
	}

	jobID := uuid.NewString()
	scratchDir := filepath.Join(o.tempRoot, jobID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return pipeline.Result{}, pipeline.Wrap(pipeline.KindInternal, fmt.Errorf("orchestrator: create scratch dir: %w", err))
	}
	cleanupScratch := func() {
		if !opts.KeepScratch {
			_ = os.RemoveAll(scratchDir)
		}
	}
	defer cleanupScratch()

	tokens := normalize.TokenizeText(opts.Text)
	picks, err := planner.Plan(ctx, o.deps.Catalog, tokens, opts.MaxPhraseLength)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledResult(), nil
		}
		return pipeline.Result{}, pipeline.Wrap(pipeline.KindInternal, fmt.Errorf("orchestrator: plan: %w", err))
	}

	if ctx.Err() != nil {
		return cancelledResult(), nil
	}

	// Scope this job's intermediate/manifest output to its own scratch
	// directory, so cleanupScratch actually removes everything the job
	// produced (§8). The fetcher's cache is intentionally left shared and
	// unscoped: it deduplicates downloads across jobs by design (§4.3).
	// The transcoder is also re-profiled per job from opts.Aspect, since the
	// process-wide instance is only a template: aspectRatio (§6) selects the
	// intermediate profile's resolution on a per-request basis.
	profile := pipeline.DefaultProfile(opts.Aspect)
	txc := o.deps.Transcoder.WithScratchDir(scratchDir).WithProfile(profile)
	cc := o.deps.Concat.WithScratchDir(scratchDir)

	outcomes, warnings, failOnAnyHit, err := o.runPools(ctx, txc, picks, opts)
	if err != nil {
		return pipeline.Result{}, err
	}
	if ctx.Err() != nil {
		return cancelledResult(), nil
	}
	if failOnAnyHit {
		return pipeline.Result{
			Status:  pipeline.StatusFailed,
			Message: "one or more segments failed to transcode and failOnAny is set",
		}, nil
	}

	intermediates, wordTimings, missingTokens := assembleOrdered(outcomes)
	if len(intermediates) == 0 {
		return pipeline.Result{
			Status:        pipeline.StatusFailed,
			MissingTokens: missingTokens,
			Warnings:      warnings,
			Message:       "no segment could be rendered",
		}, nil
	}

	outPath := filepath.Join(o.outputDir, fmt.Sprintf("%s-%s.mp4", jobID, shortSuffix()))
	totalDuration, err := cc.Concatenate(ctx, intermediates, outPath)
	if err != nil {
		return pipeline.Result{}, err // ConcatFailed -> job fails (§7)
	}
	wordTimings = rescaleTimings(wordTimings, totalDuration)

	if ctx.Err() != nil {
		_ = os.Remove(outPath)
		return cancelledResult(), nil
	}

	result := pipeline.Result{
		Status:        pipeline.StatusSuccess,
		OutputPath:    outPath,
		WordTimings:   wordTimings,
		MissingTokens: missingTokens,
		Warnings:      warnings,
	}
	if len(missingTokens) > 0 {
		result.Status = pipeline.StatusPartial
	}

	if opts.AddSubtitles {
		if _, warn := o.burnSubtitles(ctx, txc, outPath, wordTimings); warn != "" {
			result.Warnings = append(result.Warnings, warn)
			if result.Status == pipeline.StatusSuccess {
				result.Status = pipeline.StatusPartial
			}
		}
	}

	if opts.EnhanceAudio && o.deps.Enhancer.Enabled() {
		enhanceResult, err := o.deps.Enhancer.Enhance(ctx, outPath, opts.KeepOriginalAudio)
		if err != nil {
			return pipeline.Result{}, err
		}
		if enhanceResult.Warning != "" {
			result.Warnings = append(result.Warnings, enhanceResult.Warning)
			if result.Status == pipeline.StatusSuccess {
				result.Status = pipeline.StatusPartial
			}
		}
		if enhanceResult.OutputPath != outPath {
			if opts.KeepOriginalAudio {
				result.OriginalOutputPath = outPath
			}
			result.OutputPath = enhanceResult.OutputPath
		}
	}

	return result, nil
}

// burnSubtitles renders wordTimings to an SRT file and burns it into
// outPath, replacing outPath in o.outputDir with the subtitled version (the
// burned file is produced in the job's scratch directory by txc, so it
// must be moved into the output root before the scratch directory is
// cleaned up). On any failure it leaves outPath unchanged plus a warning,
// matching the non-fatal error policy this spec uses for every other
// optional stage (§1 "optional ... subtitle burn-in", §7).
func (o *Orchestrator) burnSubtitles(ctx context.Context, txc *transcoder.Transcoder, outPath string, wordTimings []pipeline.WordTiming) (string, string) {
	srtPath, err := txc.WriteSRT(wordTimings)
	if err != nil {
		return outPath, fmt.Sprintf("subtitle burn-in skipped: %v", err)
	}
	burned, err := txc.BurnSubtitles(ctx, outPath, srtPath)
	if err != nil {
		return outPath, fmt.Sprintf("subtitle burn-in skipped: %v", err)
	}

	if err := os.Rename(burned, outPath); err != nil {
		// Rename fails across filesystems (e.g. temp root on a different
		// mount than the output root); fall back to a copy.
		if copyErr := copyFile(burned, outPath); copyErr != nil {
			return outPath, fmt.Sprintf("subtitle burn-in skipped: move result: %v", copyErr)
		}
		os.Remove(burned)
	}
	return outPath, ""
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func validateOptions(opts Options) error {
	if len(normalize.TokenizeText(opts.Text)) == 0 {
		return pipeline.Wrap(pipeline.KindBadRequest, fmt.Errorf("orchestrator: text must not be empty"))
	}
	return nil
}

func cancelledResult() pipeline.Result {
	return pipeline.Result{Status: pipeline.StatusCancelled, Message: "job cancelled"}
}

// runPools drives the fetch and transcode worker pools. Fetch and
// transcode for different picks may run concurrently (pipelined); only the
// final assembly respects plan order (§4.7, §5).
func (o *Orchestrator) runPools(ctx context.Context, txc *transcoder.Transcoder, picks []pipeline.Pick, opts Options) ([]pickOutcome, []string, bool, error) {
	fetchWorkers := opts.MaxDownloadWorkers
	if fetchWorkers <= 0 {
		fetchWorkers = defaultFetchWorkers
	}
	transcodeWorkers := opts.MaxProcessingWorkers
	if transcodeWorkers <= 0 {
		transcodeWorkers = defaultTranscodeWorkers
	}

	fetchSem := make(chan struct{}, fetchWorkers)
	transcodeSem := make(chan struct{}, transcodeWorkers)

	outcomes := make([]pickOutcome, len(picks))
	var warningsMu sync.Mutex
	var warnings []string
	addWarning := func(w string) {
		warningsMu.Lock()
		warnings = append(warnings, w)
		warningsMu.Unlock()
	}

	var completed int32
	total := len(picks)
	reportProgress := func() {
		if opts.Progress == nil {
			return
		}
		n := incrementCounter(&completed)
		opts.Progress(n, total)
	}

	var failOnAnyHit boolFlag

	g, gctx := errgroup.WithContext(ctx)
	for i, pick := range picks {
		i, pick := i, pick
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			outcome := pickOutcome{index: i, pick: pick}

			var sourceFile string
			var fetchErr error
			if pick.Kind == pipeline.PickClip {
				fetchErr = o.withSemaphore(gctx, fetchSem, func() error {
					var err error
					sourceFile, err = o.deps.Fetcher.Fetch(gctx, pick.VideoID, pick.Start, pick.End, opts.ClipPaddingStart, opts.ClipPaddingEnd)
					return err
				})
				if fetchErr != nil && gctx.Err() == nil {
					addWarning(fmt.Sprintf("fetch failed for %q, substituting placeholder: %v", pick.Text, fetchErr))
				}
			}

			transcodeErr := o.withSemaphore(gctx, transcodeSem, func() error {
				var err error
				if pick.Kind == pipeline.PickClip && fetchErr == nil {
					duration := pick.Duration() + opts.ClipPaddingStart + opts.ClipPaddingEnd
					outcome.intermediatePath, err = txc.Transcode(gctx, sourceFile, 0, duration)
				} else {
					outcome.isPlaceholder = true
					outcome.intermediatePath, err = txc.RenderPlaceholder(gctx, pick.Text, placeholderDuration(pick))
				}
				return err
			})

			if transcodeErr != nil {
				if opts.FailOnAny {
					failOnAnyHit.set()
				} else {
					addWarning(fmt.Sprintf("transcode failed for %q, skipping: %v", pick.Text, transcodeErr))
					outcome.skipped = true
				}
			}

			outcomes[i] = outcome
			reportProgress()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, false, pipeline.Wrap(pipeline.KindInternal, err)
	}

	return outcomes, warnings, failOnAnyHit.get(), nil
}

func placeholderDuration(pipeline.Pick) float64 {
	return defaultPlaceholderSecs
}

// withSemaphore bounds fn's concurrency to sem's capacity, aborting early
// if ctx is cancelled while waiting for a slot (grounds the fetch/transcode
// pool sizing in §4.7).
func (o *Orchestrator) withSemaphore(ctx context.Context, sem chan struct{}, fn func() error) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn()
}

// assembleOrdered walks outcomes in plan order, building the concat input
// list, the placeholder-derived wordTimings schedule, and the missing-token
// report (§4.7, §6, §8).
func assembleOrdered(outcomes []pickOutcome) ([]string, []pipeline.WordTiming, []string) {
	var intermediates []string
	var timings []pipeline.WordTiming
	var missing []string

	cursor := 0.0
	for _, oc := range outcomes {
		if oc.skipped || oc.intermediatePath == "" {
			if oc.isPlaceholder || oc.pick.Kind == pipeline.PickPlaceholder {
				missing = append(missing, oc.pick.Text)
			}
			continue
		}

		dur := estimatedDuration(oc)
		timings = append(timings, pipeline.WordTiming{Word: oc.pick.Text, Start: cursor, End: cursor + dur})
		cursor += dur
		intermediates = append(intermediates, oc.intermediatePath)

		if oc.isPlaceholder {
			missing = append(missing, oc.pick.Text)
		}
	}

	return intermediates, timings, missing
}

func estimatedDuration(oc pickOutcome) float64 {
	if oc.isPlaceholder {
		return defaultPlaceholderSecs
	}
	p := oc.pick
	d := p.Duration()
	if d <= 0 {
		return defaultPlaceholderSecs
	}
	return d
}

// rescaleTimings stretches the estimated schedule so its final End exactly
// matches the concatenator's measured total duration (§8: wordTimings'
// union must equal [0, outputDuration]).
func rescaleTimings(timings []pipeline.WordTiming, actualTotal float64) []pipeline.WordTiming {
	if len(timings) == 0 || actualTotal <= 0 {
		return timings
	}
	estimatedTotal := timings[len(timings)-1].End
	if estimatedTotal <= 0 {
		return timings
	}
	scale := actualTotal / estimatedTotal
	out := make([]pipeline.WordTiming, len(timings))
	for i, t := range timings {
		out[i] = pipeline.WordTiming{Word: t.Word, Start: t.Start * scale, End: t.End * scale}
	}
	// Force the last entry's End to the exact measured total, avoiding
	// floating point drift at the boundary.
	out[len(out)-1].End = actualTotal
	return out
}

func shortSuffix() string {
	return uuid.NewString()[:8]
}

// boolFlag is a data race-free "did this happen at least once" latch.
type boolFlag struct {
	mu  sync.Mutex
	hit bool
}

func (b *boolFlag) set() {
	b.mu.Lock()
	b.hit = true
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hit
}

func incrementCounter(c *int32) int {
	return int(atomic.AddInt32(c, 1))
}
