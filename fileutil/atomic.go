// Package fileutil holds small filesystem helpers shared by the on-disk
// stores.
package fileutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// WriteAtomic replaces path with data, creating the parent directory if
// needed. A reader sees either the old or the new content and never a
// partial write. The file ends up with mode perm.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// New files are created 0600 and replacements keep the old mode, so
	// tighten or set it explicitly.
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}
