package wordbreak

import (
	"strings"

	"github.com/gomlx/go-textutils/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
)

// DefaultLocale is the locale of the process-wide Segmenter.
// US English default rules work well for almost all languages: UAX #29 word boundaries don't depend on it.
var DefaultLocale = language.AmericanEnglish

// defaultSegmenter is created once at process start and lives for the whole process.
var defaultSegmenter = New()

// Default returns the process-wide Segmenter used by the package level functions.
func Default() *Segmenter {
	return defaultSegmenter
}

// Breakpoints returns the word boundaries of text using the Default Segmenter. See Segmenter.Breakpoints.
func Breakpoints(text string) []int {
	return defaultSegmenter.Breakpoints(text)
}

// Tokenize splits text into tokens using the Default Segmenter. See Segmenter.Tokenize.
func Tokenize(text string) []string {
	return defaultSegmenter.Tokenize(text)
}

// TokenizeWithSpans tokenizes text with the Default Segmenter, returning the spans of each token.
func TokenizeWithSpans(text string) api.Segmentation {
	return defaultSegmenter.TokenizeWithSpans(text)
}

// ParseLocale parses a locale identifier, either in BCP 47 form ("en-US") or ICU form ("en_US").
// An empty identifier returns DefaultLocale.
func ParseLocale(id string) (language.Tag, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultLocale, nil
	}
	tag, err := language.Parse(strings.ReplaceAll(id, "_", "-"))
	if err != nil {
		return language.Und, errors.Wrapf(err, "invalid locale identifier %q", id)
	}
	return tag, nil
}
