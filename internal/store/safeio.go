package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data by creating a temp file in dir, calling fn to
// populate it, then renaming it into place -- the rename is the store's
// linearization point: a reader never observes a partially-written file at
// the final path.
func writeFileAtomic(path string, perm os.FileMode, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpName)
		}
	}()

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	succeeded = true
	return nil
}
