// Package fileutil contains utility functions for dealing with the
// filesystem.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mrtaskman.org/infra/go/sklog"
)

// FileExists returns true if the given path exists and false otherwise.
// If there is an error it will return false and log the error message.
func FileExists(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	} else if err != nil {
		sklog.Errorf("Error getting file info: %s", err)
		return false
	}
	return true
}

// EnsureDirExists checks whether the given path to a directory exists and
// creates it if necessary. Returns the absolute path that corresponds to the
// input path and an error indicating a problem.
func EnsureDirExists(dirPath string) (string, error) {
	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return "", err
	}
	return absPath, os.MkdirAll(absPath, 0700)
}

// MustEnsureDirExists is like EnsureDirExists but fails fatally on error.
func MustEnsureDirExists(dirPath string) string {
	dir, err := EnsureDirExists(dirPath)
	if err != nil {
		sklog.Fatalf("Failed to create directory %q: %s", dirPath, err)
	}
	return dir
}

// DirSize returns the total size in bytes of all regular files under the
// given directory.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("Failed to compute size of %s: %s", dir, err)
	}
	return total, nil
}
