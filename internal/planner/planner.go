// Package planner turns a normalized token sequence into a covering
// sequence of segment picks (C2), using greedy longest-phrase matching with
// a word-level fallback.
package planner

import (
	"context"
	"fmt"

	"github.com/hodaa/videostitch/internal/catalog"
	"github.com/hodaa/videostitch/internal/normalize"
	"github.com/hodaa/videostitch/internal/pipeline"
)

// maxPhraseIndexSpan is the largest k the phrase index itself covers
// (2-5-grams, §3); longer matches only succeed via transcript scan.
const maxPhraseIndexSpan = 5

// minPhraseSpan is the smallest phrase lookup attempted; single tokens
// always go through lookupWord instead.
const minPhraseSpan = 2

// Lookup is the subset of catalog.Store the planner depends on, so tests
// can substitute a fake without standing up sqlite.
type Lookup interface {
	LookupPhrase(ctx context.Context, phrase string, opts catalog.LookupOptions) (*catalog.PhraseHit, error)
	LookupWord(ctx context.Context, word string, opts catalog.LookupOptions) (*catalog.WordClip, error)
}

// Plan runs the greedy longest-match algorithm over tokens (§4.2). tokens
// must already be normalized (e.g. via normalize.Tokens). maxPhraseLen is
// clamped to [1,50].
func Plan(ctx context.Context, store Lookup, tokens []string, maxPhraseLen int) ([]pipeline.Pick, error) {
	if maxPhraseLen < 1 {
		maxPhraseLen = 1
	}
	if maxPhraseLen > 50 {
		maxPhraseLen = 50
	}

	n := len(tokens)
	picks := make([]pipeline.Pick, 0, n)
	usedVideos := make(map[string]struct{})

	i := 0
	for i < n {
		l := maxPhraseLen
		if n-i < l {
			l = n - i
		}

		pick, advance, err := tryPhraseMatches(ctx, store, tokens, i, l, usedVideos)
		if err != nil {
			return nil, fmt.Errorf("planner: phrase match at token %d: %w", i, err)
		}
		if advance > 0 {
			picks = append(picks, pick)
			usedVideos[pick.VideoID] = struct{}{}
			i += advance
			continue
		}

		wordPick, err := tryWordMatch(ctx, store, tokens, i, usedVideos)
		if err != nil {
			return nil, fmt.Errorf("planner: word match at token %d: %w", i, err)
		}
		picks = append(picks, wordPick)
		if wordPick.Kind == pipeline.PickClip {
			usedVideos[wordPick.VideoID] = struct{}{}
		}
		i++
	}

	return picks, nil
}

// tryPhraseMatches attempts phrase lookups for spans of length k = l down to
// 2, returning the first hit. advance is 0 if no phrase matched.
func tryPhraseMatches(ctx context.Context, store Lookup, tokens []string, i, l int, usedVideos map[string]struct{}) (pipeline.Pick, int, error) {
	if l < minPhraseSpan {
		return pipeline.Pick{}, 0, nil
	}

	opts := catalog.LookupOptions{ExcludeVideos: cloneSet(usedVideos)}
	for k := l; k >= minPhraseSpan; k-- {
		phrase := normalize.Join(tokens[i : i+k])
		hit, err := store.LookupPhrase(ctx, phrase, opts)
		if err != nil {
			return pipeline.Pick{}, 0, err
		}
		if hit == nil {
			continue
		}
		pick := pipeline.Pick{
			Kind:    pipeline.PickClip,
			Text:    hit.Text,
			Span:    pipeline.WordSpan{Start: i, End: i + k},
			VideoID: hit.VideoID,
			Start:   hit.Start,
			End:     hit.End,
		}
		return pick, k, nil
	}
	return pipeline.Pick{}, 0, nil
}

// tryWordMatch resolves a single token to a clip pick, falling back to a
// placeholder pick if the catalog has no clip for it.
func tryWordMatch(ctx context.Context, store Lookup, tokens []string, i int, usedVideos map[string]struct{}) (pipeline.Pick, error) {
	token := tokens[i]
	opts := catalog.LookupOptions{ExcludeVideos: cloneSet(usedVideos)}

	clip, err := store.LookupWord(ctx, token, opts)
	if err != nil {
		return pipeline.Pick{}, err
	}
	if clip == nil {
		return pipeline.Pick{
			Kind: pipeline.PickPlaceholder,
			Text: token,
			Span: pipeline.WordSpan{Start: i, End: i + 1},
		}, nil
	}

	return pipeline.Pick{
		Kind:    pipeline.PickClip,
		Text:    token,
		Span:    pipeline.WordSpan{Start: i, End: i + 1},
		VideoID: clip.VideoID,
		Start:   clip.Start,
		End:     clip.Start + clip.Duration,
	}, nil
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// MissingTokens returns the text of every placeholder pick, in order, for
// reporting as a job's missingWords (§6).
func MissingTokens(picks []pipeline.Pick) []string {
	var out []string
	for _, p := range picks {
		if p.Kind == pipeline.PickPlaceholder {
			out = append(out, p.Text)
		}
	}
	return out
}
