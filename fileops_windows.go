//go:build windows

package cowdb

// isEINTR always reports false on Windows, which has no EINTR equivalent
// for file I/O.
func isEINTR(err error) bool {
	return false
}
