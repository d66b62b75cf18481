//go:build unix

package resource

import "golang.org/x/sys/unix"

// mapBacking maps n bytes of private anonymous memory, zero-filled by the
// kernel.
func mapBacking(n int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapBacking(b []byte) error {
	return unix.Munmap(b)
}
