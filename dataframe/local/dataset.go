package local

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/go-textutils/dataframe"
	"github.com/gomlx/go-textutils/internal/files"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// SuccessMarker is the empty file written to the output directory once all parts are written.
const SuccessMarker = "_SUCCESS"

// rowBatchSize is the number of rows read from a row group at a time.
const rowBatchSize = 256

// ParquetDataset is a dataset backed by one or more Parquet files.
// It implements dataframe.Dataset.
type ParquetDataset struct {
	columns     []string
	rowGroups   []parquet.RowGroup
	files       []*os.File
	numRows     int64
	parallelism int
}

// Compile time assert that ParquetDataset implements dataframe.Dataset.
var _ dataframe.Dataset = &ParquetDataset{}

// Columns implements dataframe.Dataset.
func (ds *ParquetDataset) Columns() []string {
	return append([]string(nil), ds.columns...)
}

// NumRows returns the total number of rows.
func (ds *ParquetDataset) NumRows() int64 { return ds.numRows }

// NumPartitions returns the number of part files WriteCSV writes: one per row group (at least one).
func (ds *ParquetDataset) NumPartitions() int { return max(len(ds.rowGroups), 1) }

// Close closes the underlying files.
func (ds *ParquetDataset) Close() error {
	var firstErr error
	for _, f := range ds.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close %q", f.Name())
		}
	}
	ds.files = nil
	ds.rowGroups = nil
	return firstErr
}

// PartFileName returns the name of the part file with the given index.
func PartFileName(index int) string {
	return fmt.Sprintf("part-%05d.csv", index)
}

// WriteCSV implements dataframe.Dataset. It writes one part file per row group, in parallel.
//
// The header (if requested) is only written to the first part, so concatenating the parts in name order
// yields a valid CSV file. Null values are written as empty fields.
func (ds *ParquetDataset) WriteCSV(ctx context.Context, dir string, opts dataframe.CSVOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if ds.files == nil {
		return errors.New("dataset is closed")
	}
	if files.Exists(dir) {
		if opts.Mode != dataframe.ModeOverwrite {
			return errors.Errorf("output directory %q already exists (mode %s)", dir, opts.Mode)
		}
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to remove %q before overwriting it", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", dir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ds.parallelism)
	if len(ds.rowGroups) == 0 {
		g.Go(func() error {
			return ds.writePart(gctx, filepath.Join(dir, PartFileName(0)), nil, opts, opts.Header)
		})
	}
	for ii, rowGroup := range ds.rowGroups {
		g.Go(func() error {
			return ds.writePart(gctx, filepath.Join(dir, PartFileName(ii)), rowGroup, opts, opts.Header && ii == 0)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithMessagef(err, "while writing CSV parts to %q", dir)
	}

	if err := os.WriteFile(filepath.Join(dir, SuccessMarker), nil, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s marker in %q", SuccessMarker, dir)
	}
	klog.V(1).Infof("Wrote %d rows in %d CSV parts to %q", ds.numRows, ds.NumPartitions(), dir)
	return nil
}

// writePart writes rowGroup (which may be nil) as CSV to partPath.
func (ds *ParquetDataset) writePart(ctx context.Context, partPath string, rowGroup parquet.RowGroup,
	opts dataframe.CSVOptions, header bool) (err error) {
	f, err := os.Create(partPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create part file %q", partPath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close part file %q", partPath)
		}
	}()

	buffered := bufio.NewWriter(f)
	w := csv.NewWriter(buffered)
	if opts.Separator != 0 {
		w.Comma = opts.Separator
	}
	if header {
		if err := w.Write(ds.columns); err != nil {
			return errors.Wrapf(err, "failed to write header to %q", partPath)
		}
	}
	if rowGroup != nil {
		if err := ds.writeRows(ctx, w, rowGroup); err != nil {
			return errors.WithMessagef(err, "while writing %q", partPath)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "failed to write CSV to %q", partPath)
	}
	if err := buffered.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %q", partPath)
	}
	return nil
}

func (ds *ParquetDataset) writeRows(ctx context.Context, w *csv.Writer, rowGroup parquet.RowGroup) (err error) {
	rows := rowGroup.Rows()
	defer func() {
		closeErr := rows.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close row reader")
		}
	}()

	batch := make([]parquet.Row, rowBatchSize)
	record := make([]string, len(ds.columns))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := rows.ReadRows(batch)
		for _, row := range batch[:n] {
			if err := rowToRecord(row, record); err != nil {
				return err
			}
			if err := w.Write(record); err != nil {
				return errors.Wrap(err, "failed to write CSV record")
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "failed to read Parquet rows")
		}
	}
}

// rowToRecord converts one flat Parquet row into record, one field per column.
func rowToRecord(row parquet.Row, record []string) error {
	clear(record)
	seen := make([]bool, len(record))
	for _, value := range row {
		column := value.Column()
		if column < 0 || column >= len(record) {
			return errors.Errorf("value for unknown column %d", column)
		}
		if seen[column] {
			return errors.Errorf("column %d has repeated values, only flat schemas can be written as CSV", column)
		}
		seen[column] = true
		if !value.IsNull() {
			record[column] = value.String()
		}
	}
	return nil
}
