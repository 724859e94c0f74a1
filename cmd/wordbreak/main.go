// wordbreak splits text files (or stdin) into words, following Unicode word boundaries.
//
// By default it prints one token per line. With -breaks it prints the breakpoints (byte offsets) of each
// input, and with -spans it prints "start<TAB>end<TAB>token" for each token.
//
// Usage:
//
//	wordbreak [-breaks|-spans] [-locale en-US] [-joiners "-@"] [-nfc] [-v] [files...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-textutils/tokenizers/wordbreak"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

var (
	flagBreaks  = flag.Bool("breaks", false, "Print the breakpoints (byte offsets) of each input instead of tokens.")
	flagSpans   = flag.Bool("spans", false, "Print the byte span of each token: start, end and token separated by tabs.")
	flagLocale  = flag.String("locale", "en-US", "Locale of the word segmenter, in BCP 47 (\"en-US\") or ICU (\"en_US\") form.")
	flagJoiners = flag.String("joiners", "", "Characters that join words when in the middle of a word (e.g. \"-@\").")
	flagNFC     = flag.Bool("nfc", false, "Normalize tokens to Unicode NFC.")
	flagVerbose = flag.Bool("v", false, "Print a summary per input on stderr.")
)

// outputMode selects what is printed for each input.
type outputMode int

const (
	modeTokens outputMode = iota
	modeBreaks
	modeSpans
)

// summary of one processed input.
type summary struct {
	Name        string
	Bytes       int
	Breakpoints int
	Tokens      int
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [files...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if *flagBreaks && *flagSpans {
		klog.Exitf("Flags -breaks and -spans are mutually exclusive")
	}
	mode := modeTokens
	if *flagBreaks {
		mode = modeBreaks
	} else if *flagSpans {
		mode = modeSpans
	}

	locale, err := wordbreak.ParseLocale(*flagLocale)
	if err != nil {
		klog.Exitf("%+v\nUse a BCP 47 language tag like \"en-US\", \"pt-BR\" or \"zh-Hant\" (ICU style \"en_US\" also works).", err)
	}
	segmenter := wordbreak.New().WithLocale(locale)
	if *flagJoiners != "" {
		segmenter.WithJoiners([]rune(*flagJoiners), nil)
	}
	if *flagNFC {
		segmenter.WithNormalization(norm.NFC)
	}

	out := bufio.NewWriter(os.Stdout)
	var summaries []summary
	if flag.NArg() == 0 {
		text, err := io.ReadAll(os.Stdin)
		if err != nil {
			klog.Exitf("Failed to read stdin: %+v", err)
		}
		summaries = append(summaries, process(out, segmenter, mode, "<stdin>", string(text)))
	}
	for _, path := range flag.Args() {
		text, err := readFile(path)
		if err != nil {
			klog.Exitf("%+v", err)
		}
		summaries = append(summaries, process(out, segmenter, mode, path, text))
	}
	if err := out.Flush(); err != nil {
		klog.Exitf("Failed to write output: %v", err)
	}
	if *flagVerbose {
		_, _ = fmt.Fprintln(os.Stderr, renderSummaries(summaries))
	}
}

// readFile reads the whole file with a memory map.
func readFile(path string) (string, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to mmap %s", path)
	}
	defer func() { _ = reader.Close() }()
	data := make([]byte, reader.Len())
	if _, err := reader.ReadAt(data, 0); err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}
	return string(data), nil
}

// process segments text and writes it to w in the given mode.
func process(w io.Writer, segmenter *wordbreak.Segmenter, mode outputMode, name, text string) summary {
	s := summary{Name: name, Bytes: len(text)}
	switch mode {
	case modeBreaks:
		breaks := segmenter.Breakpoints(text)
		s.Breakpoints = len(breaks)
		parts := make([]string, len(breaks))
		for ii, b := range breaks {
			parts[ii] = strconv.Itoa(b)
		}
		_, _ = fmt.Fprintln(w, strings.Join(parts, " "))
		return s
	case modeSpans:
		seg := segmenter.TokenizeWithSpans(text)
		s.Tokens = len(seg.Tokens)
		for ii, token := range seg.Tokens {
			_, _ = fmt.Fprintf(w, "%d\t%d\t%s\n", seg.Spans[ii].Start, seg.Spans[ii].End, token)
		}
	default:
		tokens := segmenter.Tokenize(text)
		s.Tokens = len(tokens)
		for _, token := range tokens {
			_, _ = fmt.Fprintln(w, token)
		}
	}
	return s
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	countStyle = lipgloss.NewStyle().Faint(true)
)

// renderSummaries formats one line per input.
func renderSummaries(summaries []summary) string {
	lines := []string{titleStyle.Render("wordbreak summary")}
	for _, s := range summaries {
		counts := fmt.Sprintf("%d bytes, %d tokens", s.Bytes, s.Tokens)
		if s.Breakpoints > 0 {
			counts = fmt.Sprintf("%d bytes, %d breakpoints", s.Bytes, s.Breakpoints)
		}
		lines = append(lines, "  "+nameStyle.Render(s.Name)+": "+countStyle.Render(counts))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
