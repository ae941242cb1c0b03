package fileutil

import (
	"errors"
	"fmt"
	"os"
)

// RemoveIfExists deletes path, treating an already-absent file as success.
// Concurrent deleters of the same path both observe success.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove %q: %w", path, err)
}

// FileSize returns the size of path in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("path %q is a directory", path)
	}
	return info.Size(), nil
}
