//go:build !unix

package resource

// mapBacking falls back to the Go heap where anonymous mappings are not
// available through x/sys/unix.
func mapBacking(n int64) ([]byte, error) {
	return make([]byte, n), nil
}

func unmapBacking([]byte) error {
	return nil
}
