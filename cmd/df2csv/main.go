// df2csv exports Parquet files to a single local CSV file.
//
// The session configuration is built from the defaults, then the optional YAML file given with -config, then
// DF2CSV_* environment variables and finally -conf key=value flags. The dataset is written in parts to a
// staging directory by the local engine, merged into the output file and the staging directory is removed.
//
// Usage:
//
//	df2csv -o out.csv [-config session.yaml] [-app NAME] [-sep ,] [-header=false] [-staging DIR] [-unique]
//	       [-conf key=value ...] [-metrics metrics.prom] input.parquet...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/go-textutils/dataframe"
	"github.com/gomlx/go-textutils/dataframe/export"
	"github.com/gomlx/go-textutils/dataframe/local"
	"github.com/gomlx/go-textutils/dataframe/session"
	"github.com/gomlx/go-textutils/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// EnvPrefix of the environment variables that configure the session.
const EnvPrefix = "DF2CSV"

// confFlags collects repeated -conf key=value flags.
type confFlags map[string]string

func (c confFlags) String() string {
	parts := make([]string, 0, len(c))
	for key, value := range c {
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, ",")
}

func (c confFlags) Set(s string) error {
	key, value, found := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return errors.Errorf("invalid -conf %q, expected key=value", s)
	}
	c[key] = value
	return nil
}

// options of one df2csv run.
type options struct {
	ConfigPath    string
	AppName       string
	Conf          confFlags
	Output        string
	Separator     string
	Header        bool
	StagingDir    string
	UniqueStaging bool
	MetricsPath   string
	Inputs        []string
	Environ       []string
}

// registerFlags defines the df2csv flags in fs, storing their values in opts.
func registerFlags(fs *flag.FlagSet, opts *options) {
	if opts.Conf == nil {
		opts.Conf = confFlags{}
	}
	fs.StringVar(&opts.ConfigPath, "config", "", "YAML file with the session configuration (app_name and options).")
	fs.StringVar(&opts.AppName, "app", "", "Application name of the session, overrides the configuration.")
	fs.Var(opts.Conf, "conf", "Session option as key=value. Can be repeated. Keys like executor_memory are normalized to executor.memory.")
	fs.StringVar(&opts.Output, "o", "", "Output CSV file (required).")
	fs.StringVar(&opts.Separator, "sep", ",", "CSV field separator, a single character. Use \"\\t\" for tabs.")
	fs.BoolVar(&opts.Header, "header", true, "Write the column names as the first line. Use -header=false to omit it.")
	fs.StringVar(&opts.StagingDir, "staging", filepath.Join(os.TempDir(), "df2csv"), "Directory where the parts are written before merging.")
	fs.BoolVar(&opts.UniqueStaging, "unique", false, "Use a unique staging path for each export.")
	fs.StringVar(&opts.MetricsPath, "metrics", "", "If set, write the export metrics to this file in the Prometheus text format.")
}

func main() {
	klog.InitFlags(nil)
	var opts options
	registerFlags(flag.CommandLine, &opts)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -o out.csv [flags] input.parquet...\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()
	opts.Inputs = flag.Args()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts); err != nil {
		klog.Exitf("df2csv failed: %+v", err)
	}
}

// buildConfig layers the defaults, the YAML file, the environment, the -conf flags and the -app flag.
func buildConfig(opts options) (*session.Config, error) {
	config := session.NewConfig("", nil)
	if opts.ConfigPath != "" {
		var err error
		config, err = session.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(EnvPrefix, opts.Environ)
	for key, value := range opts.Conf {
		config.Set(key, value)
	}
	if opts.AppName != "" {
		config.AppName = opts.AppName
	}
	return config, nil
}

// parseSeparator accepts a single character, or the escape "\t".
func parseSeparator(sep string) (rune, error) {
	if sep == `\t` {
		return '\t', nil
	}
	if utf8.RuneCountInString(sep) != 1 {
		return 0, errors.Errorf("separator must be a single character, got %q", sep)
	}
	r, _ := utf8.DecodeRuneInString(sep)
	return r, nil
}

func run(ctx context.Context, opts options) error {
	if opts.Output == "" {
		return errors.New("no output file given, use -o")
	}
	if len(opts.Inputs) == 0 {
		return errors.New("no input Parquet files given")
	}
	sep, err := parseSeparator(opts.Separator)
	if err != nil {
		return err
	}
	config, err := buildConfig(opts)
	if err != nil {
		return err
	}

	s, err := session.New(ctx, local.NewBuilder(), config)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Errorf("%+v", err)
		}
	}()
	engine, ok := s.Engine.(*local.Engine)
	if !ok {
		return errors.Errorf("unexpected engine %s", s.Engine.Name())
	}
	ds, err := engine.ReadParquet(opts.Inputs...)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Read %d rows with columns %v from %d files", ds.NumRows(), ds.Columns(), len(opts.Inputs))

	reg := prometheus.NewRegistry()
	exporter := &export.Exporter{
		FS:            export.LocalFS{},
		StagingDir:    opts.StagingDir,
		UniqueStaging: opts.UniqueStaging,
		Metrics:       metrics.NewExport(reg),
	}
	exportErr := exporter.ToCSV(ctx, ds, opts.Output, dataframe.CSVOptions{Separator: sep, Header: opts.Header})
	if opts.MetricsPath != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsPath, reg); err != nil {
			klog.Errorf("Failed to write metrics to %q: %v", opts.MetricsPath, err)
		}
	}
	if exportErr != nil {
		return exportErr
	}
	klog.Infof("Exported %d rows to %q", ds.NumRows(), opts.Output)
	return nil
}
