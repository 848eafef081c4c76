//go:build !windows

package cachestore

import (
	"os"
	"path/filepath"
)

// replaceFile moves src over dst and syncs the parent directory so the new
// entry survives a crash.
func replaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	d, err := os.Open(filepath.Dir(dst))
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
