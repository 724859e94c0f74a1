package export

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/go-textutils/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileSystem is the (distributed) filesystem holding the staging directory written by the engine.
type FileSystem interface {
	// GetMerge concatenates the files of the src directory into the local file dst.
	GetMerge(ctx context.Context, src, dst string) error

	// Remove recursively removes path.
	Remove(ctx context.Context, path string) error
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// DefaultHDFSBinary is the command used by HDFS if no Binary is set.
const DefaultHDFSBinary = "hdfs"

// HDFS implements FileSystem by running the "hdfs dfs" command line tool.
// Arguments are passed directly to the command, no shell is involved.
type HDFS struct {
	// Binary is the hdfs executable, DefaultHDFSBinary if empty.
	Binary string

	// Run executes the commands. If nil, commands are executed with os/exec.
	Run CommandRunner
}

// Compile time assert that HDFS implements FileSystem.
var _ FileSystem = &HDFS{}

// GetMerge implements FileSystem with "hdfs dfs -getmerge src dst".
func (h *HDFS) GetMerge(ctx context.Context, src, dst string) error {
	return h.dfs(ctx, "-getmerge", src, dst)
}

// Remove implements FileSystem with "hdfs dfs -rm -r path".
func (h *HDFS) Remove(ctx context.Context, path string) error {
	return h.dfs(ctx, "-rm", "-r", path)
}

func (h *HDFS) dfs(ctx context.Context, args ...string) error {
	binary := h.Binary
	if binary == "" {
		binary = DefaultHDFSBinary
	}
	run := h.Run
	if run == nil {
		run = runCommand
	}
	args = append([]string{"dfs"}, args...)
	output, err := run(ctx, binary, args...)
	output = []byte(strings.TrimSpace(string(output)))
	if err != nil {
		if len(output) > 0 {
			return errors.Wrapf(err, "%s %s failed: %s", binary, strings.Join(args, " "), output)
		}
		return errors.Wrapf(err, "%s %s failed", binary, strings.Join(args, " "))
	}
	if len(output) > 0 {
		klog.V(2).Infof("%s %s: %s", binary, strings.Join(args, " "), output)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LocalFS implements FileSystem for a staging directory in the local filesystem.
//
// GetMerge only merges the "part-*" files, in name order, skipping markers and checksum files.
type LocalFS struct{}

// Compile time assert that LocalFS implements FileSystem.
var _ FileSystem = LocalFS{}

// GetMerge implements FileSystem. The merged file is written to dst+".merging" and then atomically
// moved to dst.
func (LocalFS) GetMerge(ctx context.Context, src, dst string) (err error) {
	parts, err := partFiles(src)
	if err != nil {
		return err
	}

	tmpPath := dst + ".merging"
	out, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	var outClosed bool
	defer func() {
		// If we exit with an error, make sure to close and remove the unfinished temporary file.
		if !outClosed {
			if closeErr := out.Close(); closeErr != nil {
				klog.Warningf("Failed closing temporary file %q: %v", tmpPath, closeErr)
			}
			if removeErr := os.Remove(tmpPath); removeErr != nil {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, removeErr)
			}
		}
	}()

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := appendFile(out, part); err != nil {
			return err
		}
	}

	outClosed = true
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close merged file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move merged file %q to %q", tmpPath, dst)
	}
	return nil
}

// Remove implements FileSystem.
func (LocalFS) Remove(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to remove %q", path)
	}
	return nil
}

// partFiles lists the part files of dir in name order. If src is a file, it's the only part.
func partFiles(src string) ([]string, error) {
	if files.IsFile(src) {
		return []string{src}, nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list staging directory %q", src)
	}
	var parts []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasPrefix(entry.Name(), "part-") {
			parts = append(parts, filepath.Join(src, entry.Name()))
		}
	}
	if len(parts) == 0 {
		return nil, errors.Errorf("no part files in staging directory %q", src)
	}
	return parts, nil
}

// appendFile copies the contents of path to w, memory-mapping it.
func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open part file %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat part file %q", path)
	}
	if info.Size() == 0 {
		// Empty files can't be mapped.
		return nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to mmap part file %q", path)
	}
	defer func() {
		if err := m.Unmap(); err != nil {
			klog.Warningf("Failed to unmap %q: %v", path, err)
		}
	}()
	if _, err := w.Write(m); err != nil {
		return errors.Wrapf(err, "failed to copy part file %q", path)
	}
	return nil
}
