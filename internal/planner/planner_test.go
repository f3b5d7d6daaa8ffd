package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hodaa/videostitch/internal/catalog"
	"github.com/hodaa/videostitch/internal/normalize"
	"github.com/hodaa/videostitch/internal/pipeline"
)

// fakeLookup is an in-memory stand-in for catalog.Store, keyed on exact
// normalized phrase/word text, so tests can control exactly which lookups
// succeed without standing up sqlite. Unlike catalog.Store it applies
// ExcludeVideos strictly, with no exclusion-waiver fallback, so tests can see
// which videos the planner asked to exclude.
type fakeLookup struct {
	phrases map[string]catalog.PhraseHit
	words   map[string]catalog.WordClip
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		phrases: make(map[string]catalog.PhraseHit),
		words:   make(map[string]catalog.WordClip),
	}
}

func (f *fakeLookup) withPhrase(text, videoID string, start, end float64) *fakeLookup {
	f.phrases[normalize.Text(text)] = catalog.PhraseHit{VideoID: videoID, Start: start, End: end, Text: normalize.Text(text)}
	return f
}

func (f *fakeLookup) withWord(word, videoID string, start, duration float64) *fakeLookup {
	f.words[normalize.Text(word)] = catalog.WordClip{Word: normalize.Text(word), VideoID: videoID, Start: start, Duration: duration}
	return f
}

func (f *fakeLookup) LookupPhrase(_ context.Context, phrase string, opts catalog.LookupOptions) (*catalog.PhraseHit, error) {
	hit, ok := f.phrases[normalize.Text(phrase)]
	if !ok {
		return nil, nil
	}
	if opts.ExcludeVideos != nil {
		if _, excluded := opts.ExcludeVideos[hit.VideoID]; excluded {
			return nil, nil
		}
	}
	cp := hit
	return &cp, nil
}

func (f *fakeLookup) LookupWord(_ context.Context, word string, opts catalog.LookupOptions) (*catalog.WordClip, error) {
	clip, ok := f.words[normalize.Text(word)]
	if !ok {
		return nil, nil
	}
	if opts.ExcludeVideos != nil {
		if _, excluded := opts.ExcludeVideos[clip.VideoID]; excluded {
			return nil, nil
		}
	}
	cp := clip
	return &cp, nil
}

func tokensOf(s string) []string { return normalize.TokenizeText(s) }

func assertPartitionsExactly(t *testing.T, picks []pipeline.Pick, n int) {
	t.Helper()
	pos := 0
	for _, p := range picks {
		require.Equal(t, pos, p.Span.Start, "gap or overlap before span")
		require.Less(t, p.Span.Start, p.Span.End, "span must be non-empty")
		pos = p.Span.End
	}
	require.Equal(t, n, pos, "picks must partition [0,n) exactly")
}

func TestPlanPrefersLongestPhraseMatch(t *testing.T) {
	store := newFakeLookup().
		withPhrase("good morning everyone", "vidLong", 1.0, 3.0).
		withPhrase("good morning", "vidShort", 5.0, 6.0).
		withWord("good", "vidWord", 0, 0.3)

	tokens := tokensOf("good morning everyone")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.Equal(t, pipeline.PickClip, picks[0].Kind)
	require.Equal(t, "vidLong", picks[0].VideoID)
	assertPartitionsExactly(t, picks, len(tokens))
}

func TestPlanFallsBackToShorterPhraseThenWord(t *testing.T) {
	store := newFakeLookup().
		withPhrase("good morning", "vidA", 1.0, 2.0).
		withWord("everyone", "vidB", 3.0, 0.5)

	tokens := tokensOf("good morning everyone")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	require.Len(t, picks, 2)
	require.Equal(t, pipeline.WordSpan{Start: 0, End: 2}, picks[0].Span)
	require.Equal(t, "vidA", picks[0].VideoID)
	require.Equal(t, pipeline.WordSpan{Start: 2, End: 3}, picks[1].Span)
	require.Equal(t, "vidB", picks[1].VideoID)
	assertPartitionsExactly(t, picks, len(tokens))
}

func TestPlanEmitsPlaceholderWhenNothingMatches(t *testing.T) {
	store := newFakeLookup()
	tokens := tokensOf("nowhere")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.Equal(t, pipeline.PickPlaceholder, picks[0].Kind)
	require.Equal(t, "nowhere", picks[0].Text)
	assertPartitionsExactly(t, picks, len(tokens))
}

func TestPlanMaxPhraseLengthOneForcesWordOnlyPlanning(t *testing.T) {
	store := newFakeLookup().
		withPhrase("good morning", "vidPhrase", 1.0, 2.0).
		withWord("good", "vidWordGood", 0, 0.3).
		withWord("morning", "vidWordMorning", 1, 0.4)

	tokens := tokensOf("good morning")
	picks, err := Plan(context.Background(), store, tokens, 1)
	require.NoError(t, err)
	require.Len(t, picks, 2)
	require.Equal(t, "vidWordGood", picks[0].VideoID)
	require.Equal(t, "vidWordMorning", picks[1].VideoID)
}

func TestPlanUsedVideosDiversityAcrossPicks(t *testing.T) {
	// "hello" and "there" both only have clips in vidShared; the second
	// lookup must be asked to exclude vidShared, and since the fake does not
	// waive exclusions, it falls to a placeholder.
	store := newFakeLookup().
		withWord("hello", "vidShared", 0, 0.3).
		withWord("there", "vidShared", 1, 0.3)

	tokens := tokensOf("hello there")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	require.Len(t, picks, 2)
	require.Equal(t, pipeline.PickClip, picks[0].Kind)
	require.Equal(t, "vidShared", picks[0].VideoID)
	require.Equal(t, pipeline.PickPlaceholder, picks[1].Kind, "second occurrence excluded from the already-used video")
}

func TestPlanPartitionsExactlyForLongerInput(t *testing.T) {
	store := newFakeLookup().
		withPhrase("to be or not to be", "vidShakespeare", 0, 4.0).
		withWord("that", "vidA", 0, 0.2).
		withWord("is", "vidB", 0, 0.15).
		withWord("the", "vidC", 0, 0.1).
		withWord("question", "vidD", 0, 0.5)

	tokens := tokensOf("to be or not to be, that is the question")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	assertPartitionsExactly(t, picks, len(tokens))
	require.Equal(t, "vidShakespeare", picks[0].VideoID)
	require.Equal(t, pipeline.WordSpan{Start: 0, End: 6}, picks[0].Span)
}

func TestMissingTokensCollectsPlaceholders(t *testing.T) {
	store := newFakeLookup().withWord("known", "vid1", 0, 0.3)
	tokens := tokensOf("known unknown also unreal")
	picks, err := Plan(context.Background(), store, tokens, 10)
	require.NoError(t, err)
	missing := MissingTokens(picks)
	require.Equal(t, []string{"unknown", "also", "unreal"}, missing)
}
