// Package pidfile writes the master's process id for init scripts and
// operators.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// File is a pid file owned by this process.
type File struct {
	path string
	pid  int
}

// New returns a pid file for the current process at path.
func New(path string) *File {
	return &File{path: path, pid: os.Getpid()}
}

// Name identifies the pid file in a lifecycle group.
func (f *File) Name() string { return "pidfile" }

// Start writes the pid atomically. It refuses to replace the pid file of a
// process that is still running.
func (f *File) Start() error {
	if pid, err := Read(f.path); err == nil && pid != f.pid && alive(pid) {
		return fmt.Errorf("pid file %s: process %d is running", f.path, pid)
	}
	if err := renameio.WriteFile(f.path, []byte(strconv.Itoa(f.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Stop removes the pid file if it still names this process.
func (f *File) Stop() error {
	pid, err := Read(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && pid != f.pid) {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}
