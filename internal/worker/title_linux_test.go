//go:build linux

package worker

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetProcessTitleKeepsWorkerID(t *testing.T) {
	orig, err := os.ReadFile("/proc/self/comm")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.WriteFile("/proc/self/comm", []byte(strings.TrimSpace(string(orig))), 0)
	})

	read := func() string {
		data, err := os.ReadFile("/proc/self/comm")
		require.NoError(t, err)
		return strings.TrimSpace(string(data))
	}

	require.NoError(t, setProcessTitle(DisplayName(3)))
	three := read()
	require.NoError(t, setProcessTitle(DisplayName(7)))
	seven := read()

	assert.True(t, strings.HasSuffix(three, "-3"), three)
	assert.True(t, strings.HasSuffix(seven, "-7"), seven)
	assert.NotEqual(t, three, seven)
}
