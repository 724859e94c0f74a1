// Package local implements an in-process dataframe engine: it reads Parquet files and writes them back as
// CSV part files, the same layout a distributed engine writes to its staging directory.
//
// It serves as the default engine of cmd/df2csv, and lets the export path be exercised without a cluster.
package local

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/go-textutils/dataframe/session"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EngineName is returned by Engine.Name.
const EngineName = "local"

// Engine is a local, single process, dataframe engine.
// It implements session.Engine.
type Engine struct {
	config      *session.Config
	parallelism int

	mu       sync.Mutex
	datasets []*ParquetDataset
	closed   bool
}

// Compile time assert that Engine implements session.Engine.
var _ session.Engine = &Engine{}

// NewBuilder returns a session.Builder that starts local engines.
func NewBuilder() session.Builder {
	return func(ctx context.Context, config *session.Config) (session.Engine, error) {
		return New(config)
	}
}

// New creates a local engine.
//
// The number of part files written in parallel is "spark.default.parallelism" if set, otherwise
// "spark.executor.instances" × "spark.executor.cores", and at least 1.
func New(config *session.Config) (*Engine, error) {
	if config == nil {
		config = session.NewConfig("", nil)
	}
	parallelism, err := config.Int("spark.default.parallelism", 0)
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		instances, err := config.Int("spark.executor.instances", 1)
		if err != nil {
			return nil, err
		}
		cores, err := config.Int("spark.executor.cores", 1)
		if err != nil {
			return nil, err
		}
		parallelism = instances * cores
	}
	parallelism = max(parallelism, 1)
	klog.V(1).Infof("Local engine for %q: parallelism=%d", config.AppName, parallelism)
	return &Engine{config: config, parallelism: parallelism}, nil
}

// Name implements session.Engine.
func (e *Engine) Name() string { return EngineName }

// Parallelism returns the maximum number of part files written concurrently.
func (e *Engine) Parallelism() int { return e.parallelism }

// ReadParquet opens the given Parquet files as one dataset.
// All files must have the same (flat) columns. Files stay open until the dataset or the engine is closed.
func (e *Engine) ReadParquet(paths ...string) (*ParquetDataset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("local engine is closed")
	}
	if len(paths) == 0 {
		return nil, errors.New("no Parquet files given")
	}

	ds := &ParquetDataset{parallelism: e.parallelism}
	for _, path := range paths {
		if err := ds.open(path); err != nil {
			_ = ds.Close()
			return nil, err
		}
	}
	e.datasets = append(e.datasets, ds)
	return ds, nil
}

// Close closes all datasets read by the engine. The engine can't be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	for _, ds := range e.datasets {
		if err := ds.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.datasets = nil
	return firstErr
}

// open adds the row groups of the Parquet file in path to the dataset.
func (ds *ParquetDataset) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open Parquet file %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to stat Parquet file %q", path)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to read Parquet file %q", path)
	}
	ds.files = append(ds.files, f)

	columns := columnNames(pf.Schema())
	if ds.columns == nil {
		ds.columns = columns
	} else if !slices.Equal(ds.columns, columns) {
		return errors.Errorf("Parquet file %q has columns %q, expected %q", path, columns, ds.columns)
	}
	ds.rowGroups = append(ds.rowGroups, pf.RowGroups()...)
	ds.numRows += pf.NumRows()
	klog.V(2).Infof("Opened %q: %d rows in %d row groups", path, pf.NumRows(), len(pf.RowGroups()))
	return nil
}

// columnNames returns the dotted paths of the leaf columns of schema, in column order.
func columnNames(schema *parquet.Schema) []string {
	paths := schema.Columns()
	names := make([]string, len(paths))
	for ii, path := range paths {
		names[ii] = strings.Join(path, ".")
	}
	return names
}
