package worker

import "strings"

// maxCommLen is TASK_COMM_LEN without the terminating NUL.
const maxCommLen = 15

// commName fits title into the kernel comm field. Enclosing brackets are
// dropped first; if it is still too long the middle is cut so that a
// trailing "-<id>" survives.
func commName(title string) string {
	title = strings.TrimSuffix(strings.TrimPrefix(title, "["), "]")
	if len(title) <= maxCommLen {
		return title
	}
	i := len(title)
	for i > 0 && title[i-1] >= '0' && title[i-1] <= '9' {
		i--
	}
	if i > 0 && i < len(title) && title[i-1] == '-' {
		i--
	}
	suffix := title[i:]
	if len(suffix) >= maxCommLen {
		return suffix[len(suffix)-maxCommLen:]
	}
	return title[:maxCommLen-len(suffix)] + suffix
}
