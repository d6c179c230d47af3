//go:build !windows

package cowdb

import "syscall"

// isEINTR reports whether err is a transient interrupted-syscall error that
// the caller should simply retry, per the retry contract in spec §4.3.
func isEINTR(err error) bool {
	return err == syscall.EINTR
}
