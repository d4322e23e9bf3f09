//go:build windows

package storage

import (
	"golang.org/x/sys/windows"
)

// freeSpace returns the bytes available to the caller on the volume
// holding path.
func freeSpace(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var avail, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &totalFree); err != nil {
		return 0, err
	}
	if avail > 1<<62 {
		avail = 1 << 62
	}
	return int64(avail), nil
}
