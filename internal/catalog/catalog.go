// Package catalog implements the read-only Clip Catalog (C1): per-word
// clips, per-video transcripts, and the 2-5-word phrase index, plus the
// selection policy that resolves a lookup to a single best candidate.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hodaa/videostitch/internal/normalize"
)

// transcriptCacheSize bounds the in-process parsed-transcript LRU (§4.1).
const transcriptCacheSize = 256

// Store is the catalog's read-only handle on the four-table schema (§6). A
// single Store may be shared across concurrent jobs; its only mutable state
// is the transcript LRU, guarded by its own mutex (§5, §9).
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	cacheMu sync.Mutex
	cache   *lru.Cache // videoId -> *Transcript
}

// Open opens (and, if absent, creates) the sqlite-backed catalog at path.
// path may be ":memory:" for tests.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer-safe pooling
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	c, err := lru.New(transcriptCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init transcript cache: %w", err)
	}
	return &Store{db: db, log: log, cache: c}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Stats reports summary counts of the catalog's contents (§4.1).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT word) FROM word_clips`).Scan(&st.Words); err != nil {
		return st, fmt.Errorf("catalog: stats words: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&st.Videos); err != nil {
		return st, fmt.Errorf("catalog: stats videos: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM video_transcripts`).Scan(&n); err != nil {
		return st, fmt.Errorf("catalog: stats transcripts: %w", err)
	}
	st.HasTranscripts = n > 0
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phrase_index`).Scan(&n); err != nil {
		return st, fmt.Errorf("catalog: stats phrase index: %w", err)
	}
	st.HasPhraseIndex = n > 0
	return st, nil
}

// channelFilter resolves PreferredChannels into a set of eligible video IDs,
// or nil if no preference was given (meaning: no restriction).
func (s *Store) channelFilter(ctx context.Context, channels []string) (map[string]struct{}, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(channels))
	args := make([]any, len(channels))
	for i, c := range channels {
		placeholders[i] = "?"
		args[i] = c
	}
	q := fmt.Sprintf(`SELECT videoId FROM videos WHERE channelId IN (%s)`, joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: channel filter: %w", err)
	}
	defer rows.Close()
	set := make(map[string]struct{})
	for rows.Next() {
		var vid string
		if err := rows.Scan(&vid); err != nil {
			return nil, err
		}
		set[vid] = struct{}{}
	}
	return set, rows.Err()
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// LookupWord implements lookupWord (§4.1): returns the best word clip under
// the selection policy, or (nil, nil) if none is found.
func (s *Store) LookupWord(ctx context.Context, word string, opts LookupOptions) (*WordClip, error) {
	normWord := normalize.Text(word)
	if normWord == "" {
		return nil, nil
	}

	candidates, err := s.wordCandidates(ctx, normWord)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen, ok, err := s.applyPolicyWord(ctx, candidates, opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &chosen, nil
}

func (s *Store) wordCandidates(ctx context.Context, normWord string) ([]WordClip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT word, videoId, start, duration FROM word_clips WHERE word = ?`, normWord)
	if err != nil {
		return nil, fmt.Errorf("catalog: word candidates: %w", err)
	}
	defer rows.Close()

	var out []WordClip
	for rows.Next() {
		var c WordClip
		if err := rows.Scan(&c.Word, &c.VideoID, &c.Start, &c.Duration); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// applyPolicyWord applies the four-step selection policy (§4.1) to word
// clip candidates, retrying once with excludeVideos waived if every
// candidate was filtered out.
func (s *Store) applyPolicyWord(ctx context.Context, candidates []WordClip, opts LookupOptions) (WordClip, bool, error) {
	allowed, err := s.channelFilter(ctx, opts.PreferredChannels)
	if err != nil {
		return WordClip{}, false, err
	}

	filtered := filterWordClips(candidates, allowed, opts.ExcludeVideos)
	if len(filtered) == 0 && len(opts.ExcludeVideos) > 0 {
		// Exclusion-waiver rule (§4.1): ignore excludeVideos if it ate
		// every candidate.
		filtered = filterWordClips(candidates, allowed, nil)
	}
	if len(filtered) == 0 {
		return WordClip{}, false, nil
	}

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Duration != b.Duration {
			return a.Duration > b.Duration // prefer larger duration
		}
		if a.VideoID != b.VideoID {
			return a.VideoID < b.VideoID
		}
		return a.Start < b.Start
	})
	return filtered[0], true, nil
}

func filterWordClips(in []WordClip, allowed map[string]struct{}, exclude map[string]struct{}) []WordClip {
	var out []WordClip
	for _, c := range in {
		if allowed != nil {
			if _, ok := allowed[c.VideoID]; !ok {
				continue
			}
		}
		if exclude != nil {
			if _, ok := exclude[c.VideoID]; ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// LookupPhrase implements lookupPhrase (§4.1): tries the phrase index
// first, falling back to a transcript scan if the index has no entry.
func (s *Store) LookupPhrase(ctx context.Context, phrase string, opts LookupOptions) (*PhraseHit, error) {
	normPhrase := normalize.Text(phrase)
	tokens := normalize.Tokens(normPhrase)
	if len(tokens) < 2 {
		return nil, fmt.Errorf("catalog: lookupPhrase requires >=2 tokens, got %d", len(tokens))
	}

	hit, err := s.lookupIndexedPhrase(ctx, normPhrase, opts)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return hit, nil
	}

	return s.lookupPhraseByScan(ctx, tokens, opts)
}

func (s *Store) lookupIndexedPhrase(ctx context.Context, normPhrase string, opts LookupOptions) (*PhraseHit, error) {
	hash := normalize.PhraseHash(normPhrase)
	rows, err := s.db.QueryContext(ctx,
		`SELECT phraseText, videoId, start, end FROM phrase_index WHERE phraseHash = ?`, hash)
	if err != nil {
		return nil, fmt.Errorf("catalog: phrase index lookup: %w", err)
	}
	defer rows.Close()

	var candidates []PhraseHit
	for rows.Next() {
		var h PhraseHit
		if err := rows.Scan(&h.Text, &h.VideoID, &h.Start, &h.End); err != nil {
			return nil, err
		}
		candidates = append(candidates, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen, ok, err := s.applyPolicyPhrase(ctx, candidates, opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &chosen, nil
}

func (s *Store) applyPolicyPhrase(ctx context.Context, candidates []PhraseHit, opts LookupOptions) (PhraseHit, bool, error) {
	allowed, err := s.channelFilter(ctx, opts.PreferredChannels)
	if err != nil {
		return PhraseHit{}, false, err
	}

	filtered := filterPhraseHits(candidates, allowed, opts.ExcludeVideos)
	if len(filtered) == 0 && len(opts.ExcludeVideos) > 0 {
		filtered = filterPhraseHits(candidates, allowed, nil)
	}
	if len(filtered) == 0 {
		return PhraseHit{}, false, nil
	}

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		da, db := a.End-a.Start, b.End-b.Start
		if da != db {
			return da > db
		}
		if a.VideoID != b.VideoID {
			return a.VideoID < b.VideoID
		}
		return a.Start < b.Start
	})
	return filtered[0], true, nil
}

func filterPhraseHits(in []PhraseHit, allowed map[string]struct{}, exclude map[string]struct{}) []PhraseHit {
	var out []PhraseHit
	for _, h := range in {
		if allowed != nil {
			if _, ok := allowed[h.VideoID]; !ok {
				continue
			}
		}
		if exclude != nil {
			if _, ok := exclude[h.VideoID]; ok {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// lookupPhraseByScan is the fallback when the phrase index has no entry: it
// loads transcripts of videos containing every word of the phrase and scans
// each for a contiguous normalized match (§4.1).
func (s *Store) lookupPhraseByScan(ctx context.Context, tokens []string, opts LookupOptions) (*PhraseHit, error) {
	videoIDs, err := s.videosContainingAllWords(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if len(videoIDs) == 0 {
		return nil, nil
	}

	allowed, err := s.channelFilter(ctx, opts.PreferredChannels)
	if err != nil {
		return nil, err
	}

	tryExclude := func(exclude map[string]struct{}) (*PhraseHit, error) {
		var candidates []PhraseHit
		for _, vid := range videoIDs {
			if allowed != nil {
				if _, ok := allowed[vid]; !ok {
					continue
				}
			}
			if exclude != nil {
				if _, ok := exclude[vid]; ok {
					continue
				}
			}
			tr, err := s.GetTranscript(ctx, vid)
			if err != nil {
				return nil, err
			}
			if tr == nil {
				continue
			}
			if hit, ok := scanTranscriptForPhrase(tr, tokens); ok {
				candidates = append(candidates, hit)
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			da, db := a.End-a.Start, b.End-b.Start
			if da != db {
				return da > db
			}
			if a.VideoID != b.VideoID {
				return a.VideoID < b.VideoID
			}
			return a.Start < b.Start
		})
		return &candidates[0], nil
	}

	hit, err := tryExclude(opts.ExcludeVideos)
	if err != nil {
		return nil, err
	}
	if hit == nil && len(opts.ExcludeVideos) > 0 {
		hit, err = tryExclude(nil)
		if err != nil {
			return nil, err
		}
	}
	return hit, nil
}

// videosContainingAllWords uses the word table to narrow candidate videos
// before paying the cost of parsing transcripts.
func (s *Store) videosContainingAllWords(ctx context.Context, tokens []string) ([]string, error) {
	var sets []map[string]struct{}
	for _, t := range tokens {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT videoId FROM word_clips WHERE word = ?`, t)
		if err != nil {
			return nil, fmt.Errorf("catalog: videos for word %q: %w", t, err)
		}
		set := make(map[string]struct{})
		for rows.Next() {
			var vid string
			if err := rows.Scan(&vid); err != nil {
				rows.Close()
				return nil, err
			}
			set[vid] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(set) == 0 {
			return nil, nil // at least one word has no clips anywhere
		}
		sets = append(sets, set)
	}

	result := sets[0]
	for _, s := range sets[1:] {
		next := make(map[string]struct{})
		for vid := range result {
			if _, ok := s[vid]; ok {
				next[vid] = struct{}{}
			}
		}
		result = next
	}

	out := make([]string, 0, len(result))
	for vid := range result {
		out = append(out, vid)
	}
	sort.Strings(out)
	return out, nil
}

// scanTranscriptForPhrase looks for a contiguous run of normalized tokens
// matching phrase tokens within tr's word list.
func scanTranscriptForPhrase(tr *Transcript, tokens []string) (PhraseHit, bool) {
	n := len(tr.Words)
	k := len(tokens)
	for i := 0; i+k <= n; i++ {
		match := true
		for j := 0; j < k; j++ {
			if normalize.Text(tr.Words[i+j].Text) != tokens[j] {
				match = false
				break
			}
		}
		if match {
			return PhraseHit{
				VideoID: tr.VideoID,
				Start:   tr.Words[i].Start,
				End:     tr.Words[i+k-1].End,
				Text:    normalize.Join(tokens),
			}, true
		}
	}
	return PhraseHit{}, false
}

// GetTranscript returns videoId's parsed transcript, using the in-process
// LRU to avoid re-parsing the JSON blob on every lookup (§4.1, §9).
func (s *Store) GetTranscript(ctx context.Context, videoID string) (*Transcript, error) {
	s.cacheMu.Lock()
	if v, ok := s.cache.Get(videoID); ok {
		s.cacheMu.Unlock()
		return v.(*Transcript), nil
	}
	s.cacheMu.Unlock()

	var blob string
	var wordCount int
	var duration float64
	err := s.db.QueryRowContext(ctx,
		`SELECT transcriptJson, wordCount, duration FROM video_transcripts WHERE videoId = ?`, videoID,
	).Scan(&blob, &wordCount, &duration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get transcript %s: %w", videoID, err)
	}

	var words []TranscriptWord
	if err := json.Unmarshal([]byte(blob), &words); err != nil {
		return nil, fmt.Errorf("catalog: parse transcript %s: %w", videoID, err)
	}
	tr := &Transcript{VideoID: videoID, Words: words, Duration: duration}

	s.cacheMu.Lock()
	s.cache.Add(videoID, tr)
	s.cacheMu.Unlock()

	return tr, nil
}
