//go:build !windows

package procutil

import (
	"errors"
	"syscall"
)

// Alive probes whether a process with the given pid exists, using signal 0.
// EPERM means the process exists but belongs to another user, which still
// counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
