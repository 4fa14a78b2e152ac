//go:build !windows

package fsutil

import "golang.org/x/sys/unix"

// DiskUsage returns total and free (available to unprivileged users) bytes for
// the filesystem containing path.
func DiskUsage(path string) (total uint64, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bs := uint64(st.Bsize)
	return uint64(st.Blocks) * bs, uint64(st.Bavail) * bs, nil
}
