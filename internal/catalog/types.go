package catalog

import (
	"encoding/json"
	"fmt"
)

// Video is a source video's metadata (§3). Immutable once ingested.
type Video struct {
	VideoID      string
	Title        string
	ChannelID    string
	ChannelTitle string
}

// WordClip is one occurrence of a spoken word within a source video (§3).
type WordClip struct {
	Word     string
	VideoID  string
	Start    float64
	Duration float64
}

// TranscriptWord is one word of a video transcript (§3). It marshals to and
// from the `[word, start, end]` tuple array form spec.md documents for
// video_transcripts.transcriptJson, not a `{"text":...}` object, so this
// store stays interoperable with the (out-of-scope) external ingester that
// writes the column.
type TranscriptWord struct {
	Text  string
	Start float64
	End   float64
}

func (w TranscriptWord) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{w.Text, w.Start, w.End})
}

func (w *TranscriptWord) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("transcript word: expected a [word, start, end] tuple: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &w.Text); err != nil {
		return fmt.Errorf("transcript word: word: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &w.Start); err != nil {
		return fmt.Errorf("transcript word: start: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &w.End); err != nil {
		return fmt.Errorf("transcript word: end: %w", err)
	}
	return nil
}

// Transcript is a whole video's word-level transcript (§3).
type Transcript struct {
	VideoID  string
	Words    []TranscriptWord
	Duration float64
}

// PhraseHit is the result of a successful phrase lookup, whether served
// from the phrase index or the transcript-scan fallback (§4.1).
type PhraseHit struct {
	VideoID string
	Start   float64
	End     float64
	Text    string
}

// LookupOptions carries the selection-policy filters shared by lookupWord
// and lookupPhrase (§4.1).
type LookupOptions struct {
	ExcludeVideos     map[string]struct{}
	PreferredChannels []string
}

// Stats summarizes the catalog's content (§4.1).
type Stats struct {
	Words            int
	Videos           int
	HasTranscripts   bool
	HasPhraseIndex   bool
}
