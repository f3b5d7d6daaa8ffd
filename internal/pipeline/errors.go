package pipeline

import "errors"

// Kind classifies an error per the table in spec §7, so the HTTP layer can
// map it to a status code without string-sniffing messages.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindCatalogMiss     Kind = "catalog_miss"
	KindFetchTransient  Kind = "fetch_transient"
	KindFetchPermanent  Kind = "fetch_permanent"
	KindTranscodeFailed Kind = "transcode_failed"
	KindConcatFailed    Kind = "concat_failed"
	KindEnhanceFailed   Kind = "enhance_failed"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error wraps an underlying error with a Kind so callers up the stack can
// decide policy (retry, substitute placeholder, fail job, map to HTTP
// status) without inspecting message text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// otherwise KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsPermanent reports whether a fetch error should not be retried (§4.3,
// §7: not-found, removed, forbidden).
func IsPermanent(err error) bool {
	return KindOf(err) == KindFetchPermanent
}
