// Package dataframe defines the small surface this module needs from a distributed dataframe engine:
// a Dataset that can write itself as CSV part files under a directory.
//
// The engine itself (sessions, query execution) is external: see package session for the configuration
// glue, package local for an in-process engine, and package export to merge the CSV parts into one local file.
package dataframe

import (
	"context"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// WriteMode defines what happens when the output directory of a write already exists.
type WriteMode int

const (
	// ModeErrorIfExists fails the write if the output directory exists.
	ModeErrorIfExists WriteMode = iota
	// ModeOverwrite replaces the output directory.
	ModeOverwrite
)

// String implements fmt.Stringer.
func (m WriteMode) String() string {
	switch m {
	case ModeErrorIfExists:
		return "errorifexists"
	case ModeOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// CSVOptions configures CSV writing.
type CSVOptions struct {
	// Separator between fields. Defaults to ','.
	Separator rune

	// Header writes the column names as the first line.
	Header bool

	Mode WriteMode
}

// DefaultCSVOptions returns comma separated output with a header.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{Separator: ',', Header: true}
}

// Validate checks that the separator can be used as a CSV delimiter.
func (o CSVOptions) Validate() error {
	sep := o.Separator
	if sep == 0 {
		sep = ','
	}
	if sep == '"' || sep == '\r' || sep == '\n' || sep == utf8.RuneError || !utf8.ValidRune(sep) {
		return errors.Errorf("invalid CSV separator %q", sep)
	}
	return nil
}

// Dataset is a tabular dataset handle.
type Dataset interface {
	// Columns returns the column names, in order.
	Columns() []string

	// WriteCSV writes the dataset as one or more CSV part files ("part-NNNNN.csv") under dir.
	WriteCSV(ctx context.Context, dir string, opts CSVOptions) error
}
