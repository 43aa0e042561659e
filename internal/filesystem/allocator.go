// Package filesystem guards the disk against the two ways a download can
// run it out of space: a final move into the ingest directory that does not
// fit, and a long stream that fills the temp volume partway through.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// safetyMargin keeps the volume from being filled to the last byte.
const safetyMargin = 100 << 20

// EnsureRoom reports an error when dir's volume cannot hold required more
// bytes plus the safety margin.
func EnsureRoom(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("filesystem: checking space under %s: %w", dir, err)
	}
	if int64(usage.Free) < required+safetyMargin {
		return fmt.Errorf("filesystem: not enough space under %s: need %d bytes, %d free", dir, required, usage.Free)
	}
	return nil
}

// Preallocate reserves size bytes for an open download file once the
// response has announced its length, so an over-full temp volume fails the
// job up front instead of after a long stream. A non-positive size (length
// unknown) is a no-op.
func Preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := EnsureRoom(filepath.Dir(f.Name()), size); err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("filesystem: preallocating %d bytes for %s: %w", size, f.Name(), err)
	}
	return nil
}
