// Package fileutils writes files so that readers never observe partial content.
package fileutils

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ubuntu/decorate"
)

const (
	tempPrefix = "tmp-"
	tempSuffix = ".tmp"
)

// AtomicWrite replaces path with data through a synced temporary file renamed over it.
//
// Rename is not atomic on Windows.
func AtomicWrite(path string, data []byte) (err error) {
	defer decorate.OnError(&err, "could not write %s atomically", filepath.Base(path))

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*"+tempSuffix)
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Warn("Failed to remove temporary file", "file", tmp.Name(), "error", rmErr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// IsTemp reports whether name looks like a file left by AtomicWrite.
func IsTemp(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, tempPrefix) && strings.HasSuffix(base, tempSuffix)
}
