//go:build windows

package fetcher

// freeBytes has no cheap portable implementation via golang.org/x/sys on
// windows; the pre-write check degrades to a no-op there rather than
// failing every fetch.
func freeBytes(path string) (uint64, error) {
	return 1 << 62, nil
}
