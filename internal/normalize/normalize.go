// Package normalize implements the canonical word/phrase transform used
// everywhere a word or phrase is hashed or compared: at ingest time by the
// (out-of-scope) loader and at lookup time by the catalog and planner. Both
// sides must agree, so this is the single place the transform lives.
package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"
)

// Text lowercases, collapses whitespace to single spaces, strips punctuation
// except intra-word apostrophes, and trims. It is idempotent:
// Text(Text(x)) == Text(x).
func Text(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		case r == '\'' && i > 0 && i < len(runes)-1 &&
			isWordRune(runes[i-1]) && isWordRune(runes[i+1]):
			// intra-word apostrophe, e.g. "don't"
			b.WriteRune(r)
		default:
			// punctuation: drop, but preserve word boundaries by
			// substituting a space so adjacent tokens don't fuse.
			b.WriteRune(' ')
		}
	}

	return collapseSpace(b.String())
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}

// Tokens splits a normalized string on whitespace. Callers should pass the
// result of Text, or call TokenizeText directly.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// TokenizeText normalizes s and returns its tokens in one step.
func TokenizeText(s string) []string {
	return Tokens(Text(s))
}

// Join re-assembles a normalized phrase from a contiguous token slice.
func Join(tokens []string) string {
	return strings.Join(tokens, " ")
}

// PhraseHash is the hex MD5 of the normalized phrase text. The ingester and
// every lookup path must call this same function so hashes agree.
func PhraseHash(phraseText string) string {
	sum := md5.Sum([]byte(Text(phraseText)))
	return hex.EncodeToString(sum[:])
}

// WordCount returns the number of whitespace-separated tokens in a
// normalized phrase. For a raw (non-normalized) phrase, call on Text(p).
func WordCount(normalized string) int {
	return len(Tokens(normalized))
}
