// Package files implements generic file tools missing from the standard library.
package files

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Exists returns true if file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsFile returns true if path exists and is a regular file.
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve \"~\" in %q", dir)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(dir, "~")), nil
}

// MakeAbsolute replaces a leading "~" and makes the path absolute.
func MakeAbsolute(path string) (string, error) {
	path, err := ReplaceTildeInDir(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to make %q absolute", path)
	}
	return abs, nil
}
