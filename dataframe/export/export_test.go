package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/go-textutils/dataframe"
	"github.com/gomlx/go-textutils/dataframe/local"
	"github.com/gomlx/go-textutils/dataframe/session"
	"github.com/gomlx/go-textutils/internal/metrics"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	lockRetryDelay = func() time.Duration { return 10 * time.Millisecond }
}

// fakeDataset writes two fixed parts, or fails after writing a partial part.
type fakeDataset struct {
	err  error
	opts dataframe.CSVOptions
}

func (d *fakeDataset) Columns() []string { return []string{"a", "b"} }

func (d *fakeDataset) WriteCSV(_ context.Context, dir string, opts dataframe.CSVOptions) error {
	d.opts = opts
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "part-00000.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		return err
	}
	if d.err != nil {
		return d.err
	}
	return os.WriteFile(filepath.Join(dir, "part-00001.csv"), []byte("3,4\n"), 0o644)
}

// recordingFS is a LocalFS that records removals and can be made to fail.
type recordingFS struct {
	LocalFS
	mergeErr  error
	removeErr error

	mu      sync.Mutex
	removed []string
}

func (fs *recordingFS) GetMerge(ctx context.Context, src, dst string) error {
	if fs.mergeErr != nil {
		return fs.mergeErr
	}
	return fs.LocalFS.GetMerge(ctx, src, dst)
}

func (fs *recordingFS) Remove(ctx context.Context, path string) error {
	fs.mu.Lock()
	fs.removed = append(fs.removed, path)
	fs.mu.Unlock()
	if fs.removeErr != nil {
		return fs.removeErr
	}
	return fs.LocalFS.Remove(ctx, path)
}

type exportFixture struct {
	exporter  *Exporter
	fs        *recordingFS
	metrics   *metrics.Export
	localPath string
	crcPath   string
	staging   string
}

func newFixture(t *testing.T) *exportFixture {
	t.Helper()
	dir := t.TempDir()
	f := &exportFixture{
		fs:        &recordingFS{},
		metrics:   metrics.NewExport(prometheus.NewRegistry()),
		localPath: filepath.Join(dir, "out", "result.csv"),
	}
	f.exporter = &Exporter{FS: f.fs, StagingDir: filepath.Join(dir, "staging"), Metrics: f.metrics,
		LockDir: filepath.Join(dir, "locks")}
	f.crcPath = CRCPath(f.localPath)
	f.staging = f.exporter.StagingPath("result.csv")

	// Simulate a stale checksum side-file, as written by Hadoop's local filesystem.
	require.NoError(t, os.MkdirAll(filepath.Dir(f.localPath), 0o755))
	require.NoError(t, os.WriteFile(f.crcPath, []byte("crc"), 0o644))
	return f
}

func (f *exportFixture) assertCleanedUp(t *testing.T) {
	t.Helper()
	assert.Equal(t, []string{f.staging}, f.fs.removed)
	assert.NoDirExists(t, f.staging)
	assert.NoFileExists(t, f.crcPath)
	assert.NoFileExists(t, f.localPath+".lock")
}

func TestToCSV(t *testing.T) {
	f := newFixture(t)
	ds := &fakeDataset{}
	opts := dataframe.CSVOptions{Separator: ',', Header: true, Mode: dataframe.ModeErrorIfExists}

	require.NoError(t, f.exporter.ToCSV(context.Background(), ds, f.localPath, opts))
	content, err := os.ReadFile(f.localPath)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n3,4\n", string(content))
	assert.Equal(t, dataframe.ModeOverwrite, ds.opts.Mode)
	assert.True(t, ds.opts.Header)
	f.assertCleanedUp(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CleanupFailures))
}

func TestToCSVWriteFails(t *testing.T) {
	f := newFixture(t)
	err := f.exporter.ToCSV(context.Background(), &fakeDataset{err: errors.New("executor lost")}, f.localPath,
		dataframe.DefaultCSVOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor lost")
	assert.NoFileExists(t, f.localPath)
	f.assertCleanedUp(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues(metrics.ResultError)))
}

func TestToCSVMergeFails(t *testing.T) {
	f := newFixture(t)
	f.fs.mergeErr = errors.New("getmerge: no space left")
	err := f.exporter.ToCSV(context.Background(), &fakeDataset{}, f.localPath, dataframe.DefaultCSVOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
	f.assertCleanedUp(t)
}

func TestToCSVCleanupFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.fs.removeErr = errors.New("permission denied")
	require.NoError(t, f.exporter.ToCSV(context.Background(), &fakeDataset{}, f.localPath, dataframe.DefaultCSVOptions()))
	assert.FileExists(t, f.localPath)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CleanupFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues(metrics.ResultSuccess)))
}

func TestToCSVInvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Error(t, f.exporter.ToCSV(ctx, nil, f.localPath, dataframe.DefaultCSVOptions()))
	assert.Error(t, f.exporter.ToCSV(ctx, &fakeDataset{}, f.localPath, dataframe.CSVOptions{Separator: '\n'}))
	assert.Empty(t, f.fs.removed)
}

func TestStagingPath(t *testing.T) {
	e := &Exporter{}
	assert.Equal(t, "tmp/result.csv", e.StagingPath("result.csv"))

	e = &Exporter{StagingDir: "/data/staging", UniqueStaging: true}
	first, second := e.StagingPath("result.csv"), e.StagingPath("result.csv")
	assert.True(t, strings.HasPrefix(first, "/data/staging/result.csv-"))
	assert.NotEqual(t, first, second)

	assert.Equal(t, "/home/me/.result.csv.crc", CRCPath("/home/me/result.csv"))
}

func TestToCSVWaitsForLock(t *testing.T) {
	f := newFixture(t)
	lock := flock.New(f.localPath + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	done := make(chan error, 1)
	go func() {
		done <- f.exporter.ToCSV(context.Background(), &fakeDataset{}, f.localPath, dataframe.DefaultCSVOptions())
	}()
	select {
	case err := <-done:
		t.Fatalf("export finished while the destination was locked: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, lock.Unlock())
	require.NoError(t, <-done)
	assert.FileExists(t, f.localPath)
}

func TestToCSVLockCancelled(t *testing.T) {
	f := newFixture(t)
	lock := flock.New(f.localPath + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.exporter.ToCSV(ctx, &fakeDataset{}, f.localPath, dataframe.DefaultCSVOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.fs.removed)
}

// slowDataset writes its rows in one part, pausing in between so concurrent writes would overlap.
type slowDataset struct {
	rows string
}

func (d *slowDataset) Columns() []string { return []string{"row"} }

func (d *slowDataset) WriteCSV(_ context.Context, dir string, _ dataframe.CSVOptions) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return os.WriteFile(filepath.Join(dir, "part-00000.csv"), []byte(d.rows), 0o644)
}

func TestToCSVSharedStagingPath(t *testing.T) {
	dir := t.TempDir()
	e := &Exporter{FS: LocalFS{}, StagingDir: filepath.Join(dir, "staging"), LockDir: filepath.Join(dir, "locks")}
	outputs := map[string]string{
		filepath.Join(dir, "a", "out.csv"): "A1\nA2\n",
		filepath.Join(dir, "b", "out.csv"): "B1\nB2\n",
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(outputs))
	for localPath, rows := range outputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.ToCSV(context.Background(), &slowDataset{rows: rows}, localPath, dataframe.DefaultCSVOptions())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for localPath, rows := range outputs {
		content, err := os.ReadFile(localPath)
		require.NoError(t, err)
		assert.Equal(t, rows, string(content), "contents of %q", localPath)
	}
	assert.NoDirExists(t, filepath.Join(dir, "staging", "out.csv"))
}

func TestStagingLockPath(t *testing.T) {
	e := &Exporter{LockDir: "/var/lock/export"}
	lock := e.StagingLockPath("tmp/out.csv")
	assert.Equal(t, "/var/lock/export", filepath.Dir(lock))
	assert.Equal(t, lock, e.StagingLockPath("tmp//out.csv"))
	assert.NotEqual(t, lock, e.StagingLockPath("tmp/other.csv"))

	e = &Exporter{}
	assert.Equal(t, filepath.Join(os.TempDir(), DefaultLockDirName), filepath.Dir(e.StagingLockPath("tmp/out.csv")))
}

func TestToCSVWithHDFS(t *testing.T) {
	var commands []string
	hdfs := &HDFS{Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		commands = append(commands, name+" "+strings.Join(args, " "))
		return nil, nil
	}}
	dir := t.TempDir()
	localPath := filepath.Join(dir, "result.csv")
	e := &Exporter{FS: hdfs, StagingDir: filepath.Join(dir, "tmp")}
	staging := e.StagingPath("result.csv")

	require.NoError(t, e.ToCSV(context.Background(), &fakeDataset{}, localPath, dataframe.DefaultCSVOptions()))
	assert.Equal(t, []string{
		"hdfs dfs -getmerge " + staging + " " + localPath,
		"hdfs dfs -rm -r " + staging,
	}, commands)
}

func TestHDFSErrors(t *testing.T) {
	hdfs := &HDFS{Binary: "/opt/hadoop/bin/hdfs", Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("rm: `tmp/x': No such file or directory\n"), errors.New("exit status 1")
	}}
	err := hdfs.Remove(context.Background(), "tmp/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/opt/hadoop/bin/hdfs dfs -rm -r tmp/x failed")
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestPackageToCSV(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PATH", t.TempDir())
	// There is no hdfs binary in PATH: the merge fails, but cleanup is still attempted.
	err := ToCSV(context.Background(), &fakeDataset{}, "result.csv", ';', false)
	assert.Error(t, err)
	assert.NoFileExists(t, "result.csv")
}

func TestLocalFSGetMerge(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	for name, content := range map[string]string{
		"part-00001.csv":      "second\n",
		"part-00000.csv":      "first\n",
		"part-00002.csv":      "",
		".part-00000.csv.crc": "ignored",
		"_SUCCESS":            "",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	dst := filepath.Join(t.TempDir(), "merged.csv")

	fs := LocalFS{}
	require.NoError(t, fs.GetMerge(ctx, src, dst))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(content))
	assert.NoFileExists(t, dst+".merging")

	// A single file is merged as is.
	require.NoError(t, fs.GetMerge(ctx, filepath.Join(src, "part-00001.csv"), dst))
	content, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(content))

	assert.Error(t, fs.GetMerge(ctx, t.TempDir(), dst))
	assert.Error(t, fs.GetMerge(ctx, filepath.Join(src, "missing"), dst))

	require.NoError(t, fs.Remove(ctx, src))
	assert.NoDirExists(t, src)
	require.NoError(t, fs.Remove(ctx, src))
}

type person struct {
	Name  string `parquet:"name"`
	Score int64  `parquet:"score"`
}

// TestLocalEngineToCSV exports Parquet files through the local engine and LocalFS.
func TestLocalEngineToCSV(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	for ii, rows := range [][]person{
		{{Name: "ana", Score: 10}, {Name: "bob", Score: 7}},
		{{Name: "carla", Score: 12}},
		{{Name: "dan", Score: 3}},
	} {
		path := filepath.Join(dir, "input", "part"+string(rune('a'+ii))+".parquet")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, parquet.WriteFile(path, rows))
		inputs = append(inputs, path)
	}

	s, err := session.Create(context.Background(), local.NewBuilder(), "export_test", map[string]string{
		"spark_default_parallelism": "2",
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ds, err := s.Engine.(*local.Engine).ReadParquet(inputs...)
	require.NoError(t, err)

	localPath := filepath.Join(dir, "out", "scores.csv")
	e := &Exporter{FS: LocalFS{}, StagingDir: filepath.Join(dir, "staging"), UniqueStaging: true}
	require.NoError(t, e.ToCSV(context.Background(), ds, localPath, dataframe.CSVOptions{Separator: '|', Header: true}))

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "name|score\nana|10\nbob|7\ncarla|12\ndan|3\n", string(content))

	entries, err := os.ReadDir(filepath.Join(dir, "staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
