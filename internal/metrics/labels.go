package metrics

import "strconv"

// exitCode keeps the label set small: codes above 128 are signals.
func exitCode(code int) string {
	switch {
	case code < 0:
		return "unknown"
	case code > 128:
		return "signal"
	default:
		return strconv.Itoa(code)
	}
}
