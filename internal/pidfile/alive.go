package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// alive reports whether a process with pid exists. EPERM means it exists but
// belongs to someone else.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
