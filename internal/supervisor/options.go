package supervisor

import (
	"log/slog"
	"os"
	"time"
)

// Scheduler runs callbacks on the event loop. *loop.Loop satisfies it.
type Scheduler interface {
	Post(fn func()) bool
}

// Options configures a Manager.
type Options struct {
	// Scheduler receives spawn/exit notifications and the Stop callback (required).
	Scheduler Scheduler

	// RestartDelay is the pause before a dead process is respawned.
	RestartDelay time.Duration

	// GracefulTimeout bounds the wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// KillTimeout bounds the wait after SIGKILL before giving up on a process.
	KillTimeout time.Duration

	// Logger for manager operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// OutputLogger receives relayed stdout/stderr lines. If nil, uses Logger.
	OutputLogger *slog.Logger
}

// ProcessSpec describes a group of identical processes.
type ProcessSpec struct {
	// Name identifies the group in logs and events.
	Name string
	// Count is the number of processes to keep running.
	Count int
	// Cmd and Args form the command line.
	Cmd  string
	Args []string
	// Env is appended to the master environment.
	Env []string
	// Streams names the socketpairs created per process. Child ends are
	// inherited in order starting at fd 3.
	Streams []string
	// Channels are inherited after the streams, in order.
	Channels []*os.File
}

func (o *Options) applyDefaults() {
	if o.RestartDelay <= 0 {
		o.RestartDelay = time.Second
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = 3 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OutputLogger == nil {
		o.OutputLogger = o.Logger
	}
}
