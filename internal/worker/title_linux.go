//go:build linux

package worker

import (
	"os"
)

// setProcessTitle renames the process as shown by ps and top. Writing the
// thread group leader's comm works from any goroutine, unlike PR_SET_NAME.
func setProcessTitle(title string) error {
	return os.WriteFile("/proc/self/comm", []byte(commName(title)), 0)
}
