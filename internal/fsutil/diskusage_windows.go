//go:build windows

package fsutil

import "golang.org/x/sys/windows"

// DiskUsage returns total and free (available to the caller) bytes for the
// volume containing path.
func DiskUsage(path string) (total uint64, free uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var avail, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return totalBytes, avail, nil
}
