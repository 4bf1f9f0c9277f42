package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Sentinel errors for backend I/O. Callers match with errors.Is and can
// choose to disable caching instead of aborting, so each failure kind
// must stay distinguishable.
var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrPermission indicates the process lacks permission for the operation.
	ErrPermission = errors.New("permission denied")

	// ErrDiskFull indicates the underlying filesystem is out of space.
	ErrDiskFull = errors.New("disk full")

	// ErrReadOnlyFS indicates the underlying filesystem is mounted read-only.
	ErrReadOnlyFS = errors.New("read-only filesystem")
)

// classify maps low-level filesystem errors onto the backend error taxonomy,
// preserving the original error text. Errors outside the taxonomy pass
// through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, syscall.EROFS):
		return fmt.Errorf("%w: %v", ErrReadOnlyFS, err)
	case errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}
