//go:build !windows

package fetcher

import "golang.org/x/sys/unix"

// freeBytes reports the free space available on the filesystem backing
// path, used for the pre-write disk-space check before a chunk's batch is
// handed off for spilling.
func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
