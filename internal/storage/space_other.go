//go:build !unix && !windows

package storage

import (
	"errors"
	"runtime"
)

// freeSpace is not available here; EnsureCapacity treats the error as
// unknown free space.
func freeSpace(string) (int64, error) {
	return 0, errors.New("storage: free space not supported on " + runtime.GOOS)
}
