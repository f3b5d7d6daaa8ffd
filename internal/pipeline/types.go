// Package pipeline holds the domain types shared by every stage of the
// video-composition pipeline: segment picks, the intermediate media
// profile, and job-level results. Keeping them here (rather than in any one
// stage's package) avoids import cycles between catalog, planner, fetcher,
// transcoder, concat, enhancer and orchestrator.
package pipeline

import "fmt"

// AspectRatio is one of the three supported output frame shapes (§6).
type AspectRatio string

const (
	Aspect16x9 AspectRatio = "16:9"
	Aspect9x16 AspectRatio = "9:16"
	Aspect1x1  AspectRatio = "1:1"
)

// Resolution returns the fixed width/height for the aspect ratio per the
// intermediate media profile (§6).
func (a AspectRatio) Resolution() (width, height int, ok bool) {
	switch a {
	case Aspect16x9:
		return 1280, 720, true
	case Aspect9x16:
		return 720, 1280, true
	case Aspect1x1:
		return 720, 720, true
	default:
		return 0, 0, false
	}
}

// Profile is the fixed container/codec/pixel/sample parameter set that makes
// intermediates concat-compatible (§6).
type Profile struct {
	Aspect          AspectRatio
	Width           int
	Height          int
	FrameRate       int // 30 fps CFR
	AudioSampleRate int // 48 kHz
	AudioChannels   int // stereo
	LoudnessLUFS    float64
	NormalizeAudio  bool
}

// DefaultProfile returns the fixed profile for the given aspect ratio,
// defaulting to 16:9 if aspect is empty or unrecognized.
func DefaultProfile(aspect AspectRatio) Profile {
	if aspect == "" {
		aspect = Aspect16x9
	}
	w, h, ok := aspect.Resolution()
	if !ok {
		aspect = Aspect16x9
		w, h, _ = aspect.Resolution()
	}
	return Profile{
		Aspect:          aspect,
		Width:           w,
		Height:          h,
		FrameRate:       30,
		AudioSampleRate: 48000,
		AudioChannels:   2,
		LoudnessLUFS:    -16.0,
	}
}

// PickKind distinguishes a clip pick from a placeholder pick.
type PickKind string

const (
	PickClip        PickKind = "clip"
	PickPlaceholder PickKind = "placeholder"
)

// WordSpan is a half-open token range [Start, End) covered by one pick.
type WordSpan struct {
	Start int
	End   int
}

func (w WordSpan) Len() int { return w.End - w.Start }

// Pick is one element of the planner's output: either a clip reference into
// a source video, or a placeholder card for a token with no clip (§3).
type Pick struct {
	Kind  PickKind
	Text  string // the (normalized) word or phrase text this pick covers
	Span  WordSpan

	// Populated only when Kind == PickClip.
	VideoID string
	Start   float64
	End     float64
}

func (p Pick) String() string {
	if p.Kind == PickPlaceholder {
		return fmt.Sprintf("placeholder(%q)", p.Text)
	}
	return fmt.Sprintf("clip(%q video=%s %.2f-%.2f)", p.Text, p.VideoID, p.Start, p.End)
}

// Duration is the source-timeline length of a clip pick. Placeholders have
// no intrinsic source duration; the transcoder assigns them one.
func (p Pick) Duration() float64 {
	if p.Kind != PickClip {
		return 0
	}
	return p.End - p.Start
}

// WordTiming is one entry of a job's result: the output-timeline interval
// during which a given word or phrase is audible/visible (§6, §8).
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Status is a pipeline job's terminal state (§3, §7).
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial_failure"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of running one pipeline job end to end (§4.7).
type Result struct {
	Status              Status
	OutputPath          string
	OriginalOutputPath  string // set only when keepOriginalAudio was requested and enhancement replaced OutputPath; names the pre-enhancement file
	WordTimings         []WordTiming
	MissingTokens       []string
	Warnings            []string
	Message             string
}
