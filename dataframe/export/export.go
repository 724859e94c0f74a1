// Package export writes a dataset to a single local CSV file.
//
// The dataset is written by its engine as CSV parts under a staging path of a (distributed) filesystem,
// which are then merged into the local file. Whatever happens, the staging path and the checksum side-file
// of the local file are removed afterwards.
package export

import (
	"context"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/go-textutils/dataframe"
	"github.com/gomlx/go-textutils/internal/files"
	"github.com/gomlx/go-textutils/internal/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultStagingDir is the staging directory used if Exporter.StagingDir is empty.
// For HDFS it is relative to the user's home directory.
const DefaultStagingDir = "tmp"

// DefaultLockDirName is the directory under os.TempDir() holding the staging path locks, used if
// Exporter.LockDir is empty.
const DefaultLockDirName = "textutils-locks"

// Exporter exports datasets to local CSV files through a staging directory in FS.
type Exporter struct {
	// FS holds the staging directory. Defaults to HDFS.
	FS FileSystem

	// StagingDir where datasets are written before merging. Defaults to DefaultStagingDir.
	StagingDir string

	// UniqueStaging appends a random suffix to the staging path, so exports to different local
	// directories with the same file name don't collide.
	UniqueStaging bool

	// Metrics is optional.
	Metrics *metrics.Export

	// LockDir is the local directory of the staging path lock files.
	// Defaults to DefaultLockDirName under os.TempDir().
	LockDir string
}

// ToCSV writes ds to localPath using HDFS for staging.
func ToCSV(ctx context.Context, ds dataframe.Dataset, localPath string, sep rune, header bool) error {
	e := &Exporter{FS: &HDFS{}}
	return e.ToCSV(ctx, ds, localPath, dataframe.CSVOptions{Separator: sep, Header: header})
}

// StagingPath returns the staging path for a local file with the given base name.
func (e *Exporter) StagingPath(baseName string) string {
	dir := e.StagingDir
	if dir == "" {
		dir = DefaultStagingDir
	}
	if e.UniqueStaging {
		baseName += "-" + uuid.NewString()
	}
	return path.Join(dir, baseName)
}

// CRCPath returns the checksum side-file Hadoop's local filesystem writes next to localPath.
func CRCPath(localPath string) string {
	return filepath.Join(filepath.Dir(localPath), "."+filepath.Base(localPath)+".crc")
}

// StagingLockPath returns the local lock file guarding stagingPath. It's derived from the staging path
// alone, so exports to different local files that share a staging path use the same lock.
func (e *Exporter) StagingLockPath(stagingPath string) string {
	dir := e.LockDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), DefaultLockDirName)
	}
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(path.Clean(stagingPath))).String() + ".lock"
	return filepath.Join(dir, name)
}

// ToCSV writes ds as CSV to the staging path, merges it into localPath, and cleans up.
//
// opts.Mode is ignored: the staging path is always overwritten. Concurrent exports, from this or other
// processes, are serialized with two lock files: one for the staging path (see StagingLockPath), taken
// first, and one for localPath (localPath+".lock").
//
// The staging path and the checksum side-file are removed on every exit path. Cleanup failures are
// logged and counted, but never returned.
func (e *Exporter) ToCSV(ctx context.Context, ds dataframe.Dataset, localPath string, opts dataframe.CSVOptions) (err error) {
	start := time.Now()
	defer func() { e.Metrics.ObserveExport(start, err) }()

	if ds == nil {
		return errors.New("no dataset to export")
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	localPath, err = files.MakeAbsolute(localPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", localPath)
	}

	stagingPath := e.StagingPath(filepath.Base(localPath))
	stagingLock := e.StagingLockPath(stagingPath)
	if err := os.MkdirAll(filepath.Dir(stagingLock), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create lock directory for %q", stagingLock)
	}
	lockPath := localPath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, stagingLock, func() {
		errLock := execOnFileLock(ctx, lockPath, func() {
			mainErr = e.exportLocked(ctx, ds, stagingPath, localPath, opts)
			if err := os.Remove(lockPath); err != nil {
				klog.Warningf("Error removing lock file %q: %v", lockPath, err)
			}
		})
		if mainErr == nil && errLock != nil {
			mainErr = errors.WithMessagef(errLock, "while locking %q", lockPath)
		}
	})
	if mainErr != nil {
		return errors.WithMessagef(mainErr, "while exporting to %q", localPath)
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking staging path %q with %q", stagingPath, stagingLock)
	}
	return nil
}

func (e *Exporter) exportLocked(ctx context.Context, ds dataframe.Dataset, stagingPath, localPath string,
	opts dataframe.CSVOptions) error {
	fs := e.fileSystem()
	defer e.cleanup(context.WithoutCancel(ctx), fs, stagingPath, CRCPath(localPath))

	opts.Mode = dataframe.ModeOverwrite
	klog.V(1).Infof("Writing dataset to staging path %q", stagingPath)
	if err := ds.WriteCSV(ctx, stagingPath, opts); err != nil {
		return errors.WithMessagef(err, "while writing dataset to staging path %q", stagingPath)
	}

	klog.V(1).Infof("Merging %q into local file %q", stagingPath, localPath)
	if err := fs.GetMerge(ctx, stagingPath, localPath); err != nil {
		return errors.WithMessagef(err, "while merging %q into %q", stagingPath, localPath)
	}
	return nil
}

// cleanup removes the checksum side-file and the staging path. Failures are only logged.
func (e *Exporter) cleanup(ctx context.Context, fs FileSystem, stagingPath, crcPath string) {
	if files.IsFile(crcPath) {
		if err := os.Remove(crcPath); err != nil {
			klog.Warningf("Failed removing checksum file %q: %v", crcPath, err)
			e.Metrics.CleanupFailed()
		}
	}
	if err := fs.Remove(ctx, stagingPath); err != nil {
		klog.Warningf("Failed removing staging path %q: %v", stagingPath, err)
		e.Metrics.CleanupFailed()
	}
}

func (e *Exporter) fileSystem() FileSystem {
	if e.FS == nil {
		return &HDFS{}
	}
	return e.FS
}

// lockRetryDelay returns how long to wait before trying again to acquire a lock file.
var lockRetryDelay = func() time.Duration {
	return time.Millisecond * time.Duration(1000+rand.IntN(1000))
}

// execOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes fn.
// If the lockPath is already locked, it polls with a 1 to 2 seconds period (randomly), until it acquires the
// lock or ctx is done.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay()):
		}
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()

	fn()
	return
}
