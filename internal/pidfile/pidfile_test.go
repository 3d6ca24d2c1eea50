package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWritesPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.pid")
	f := New(path)

	require.NoError(t, f.Start())
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, f.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Stop(), "second stop is a no-op")
}

func TestStartReplacesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.pid")
	// pid_max is far below this
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))

	require.NoError(t, New(path).Start())
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStartRefusesRunningOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.pid")
	// the parent of the test binary is alive for the duration of the test
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))

	err := New(path).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is running")
}

func TestStopLeavesForeignPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.pid")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	require.NoError(t, New(path).Stop())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	_, err := Read(path)
	assert.Error(t, err)
}
