// Package wordbreak tokenizes text on Unicode word boundaries (UAX #29).
//
// The boundary detector is github.com/clipperhouse/uax29/v2/words, and the exact segmentation rules are the
// ones of the version pinned in go.mod (v2.7.0, Unicode 17). Boundaries are never re-derived here.
//
// A Segmenter owns a single, stateful word iterator: setting its text and draining its boundaries happens
// under a mutex, so one Segmenter can be shared by any number of goroutines. The package level functions
// use a process-wide default Segmenter configured for DefaultLocale.
//
// Example:
//
//	tokens := wordbreak.Tokenize("Hello, 世界. Nice dog!")
//	// ["Hello" "," "世" "界" "." "Nice" "dog" "!"]
package wordbreak

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/gomlx/go-textutils/tokenizers/api"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Segmenter computes word boundaries and tokens using one shared word iterator.
//
// Configuration methods (WithLocale, WithJoiners, WithNormalization) are meant to be called once,
// before the Segmenter is shared.
type Segmenter struct {
	// mu guards iter: SetText followed by the full iteration must be atomic.
	mu   sync.Mutex
	iter *words.Iterator[string]

	locale  language.Tag
	joiners *words.Joiners[string]

	normalize bool
	form      norm.Form
}

// Compile time assert that Segmenter implements api.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Segmenter{}

// New creates a Segmenter for DefaultLocale with the default UAX #29 rules.
func New() *Segmenter {
	return &Segmenter{
		iter:   words.FromString(""),
		locale: DefaultLocale,
	}
}

// WithLocale sets the locale the Segmenter reports.
//
// UAX #29 default word boundaries are locale independent: the same rules are applied to every text,
// whatever its language. The tag is kept so callers can report and verify the configuration.
func (s *Segmenter) WithLocale(tag language.Tag) *Segmenter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locale = tag
	return s
}

// WithJoiners sets runes that join words instead of breaking them: middle runes join when they appear
// between word characters (e.g. '-' keeps "foo-bar" together), leading runes join at the start of a word
// (e.g. '#' keeps "#tag").
//
// Calling it with both empty restores the default rules.
func (s *Segmenter) WithJoiners(middle, leading []rune) *Segmenter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(middle) == 0 && len(leading) == 0 {
		s.joiners = nil
		s.iter = words.FromString("")
		return s
	}
	s.joiners = &words.Joiners[string]{
		Middle:  append([]rune(nil), middle...),
		Leading: append([]rune(nil), leading...),
	}
	s.iter = words.FromString("")
	s.iter.Joiners(s.joiners)
	return s
}

// WithNormalization applies the Unicode normalization form to every emitted token.
// Breakpoints and spans always refer to the original, unnormalized text.
func (s *Segmenter) WithNormalization(form norm.Form) *Segmenter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.normalize = true
	s.form = form
	return s
}

// Locale returns the configured locale.
func (s *Segmenter) Locale() language.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locale
}

// Breakpoints returns the byte offsets of the word boundaries of text, in increasing order, excluding the
// implicit boundary at 0. For non-empty text the last offset is len(text); for empty text the result is empty.
//
// Invalid UTF-8 is handed to the detector as is: its output for such input is unspecified but always
// a valid partition of text.
func (s *Segmenter) Breakpoints(text string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.iter.SetText(text)
	breaks := make([]int, 0, utf8.RuneCountInString(text)/2+1)
	for s.iter.Next() {
		breaks = append(breaks, s.iter.End())
	}
	// Don't keep the caller's text alive.
	s.iter.SetText("")
	return breaks
}

// Tokenize splits text at its word boundaries, trims surrounding whitespace of each segment and discards
// the empty ones. Tokens are returned in the order they appear in text.
func (s *Segmenter) Tokenize(text string) []string {
	return s.TokenizeWithSpans(text).Tokens
}

// TokenizeWithSpans is like Tokenize, but also returns the byte span of each (trimmed) token in text.
func (s *Segmenter) TokenizeWithSpans(text string) api.Segmentation {
	breaks := s.Breakpoints(text)
	normalize, form := s.normalization()

	var result api.Segmentation
	p0 := 0
	for _, p1 := range breaks {
		start, end := trimSpan(text, p0, p1)
		if start < end {
			token := text[start:end]
			if normalize {
				token = form.String(token)
			}
			result.Tokens = append(result.Tokens, token)
			result.Spans = append(result.Spans, api.TokenSpan{Start: start, End: end})
		}
		p0 = p1
	}
	return result
}

func (s *Segmenter) normalization() (bool, norm.Form) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalize, s.form
}

// trimSpan returns the sub-span of text[start:end] without leading and trailing white space.
// It returns start == end if the segment is all white space.
func trimSpan(text string, start, end int) (int, int) {
	segment := text[start:end]
	left := strings.TrimLeftFunc(segment, unicode.IsSpace)
	start += len(segment) - len(left)
	return start, start + len(strings.TrimRightFunc(left, unicode.IsSpace))
}
