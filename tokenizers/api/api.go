// Package api defines the word-break tokenizer API.
// It's kept separate so that alternative segmenters (and test fakes) can implement it without importing
// the default implementation in `tokenizers/wordbreak`.
package api

// TokenSpan represents the byte span of a token in the original text.
// Start and End are byte offsets (not rune offsets), suitable for slicing
// Go strings directly: originalText[span.Start:span.End].
type TokenSpan struct {
	Start int // start byte position (inclusive)
	End   int // end byte position (exclusive)
}

// Len returns the number of bytes covered by the span.
func (s TokenSpan) Len() int { return s.End - s.Start }

// Segmentation contains tokens with their spans in the original text.
// Tokens[i] is always the (possibly normalized) content of text[Spans[i].Start:Spans[i].End].
type Segmentation struct {
	Tokens []string
	Spans  []TokenSpan
}

// Breaker computes word boundaries.
type Breaker interface {
	// Breakpoints returns the byte offsets of every boundary in text, except the implicit one at 0.
	// For non-empty text the last element is len(text).
	Breakpoints(text string) []int
}

// Tokenizer splits text into non-empty, whitespace-trimmed tokens.
type Tokenizer interface {
	Breaker
	Tokenize(text string) []string
}

// TokenizerWithSpans extends Tokenizer with span tracking capability.
// This is useful when token predictions (NER, chunking) need to be mapped back to
// byte positions in the original text.
type TokenizerWithSpans interface {
	Tokenizer
	// TokenizeWithSpans returns tokens along with their byte spans in the original text.
	TokenizeWithSpans(text string) Segmentation
}
