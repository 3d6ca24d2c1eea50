package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// EnvWorkerID carries the stable process ID into the child environment.
const EnvWorkerID = "THRIFTPOOL_WORKER_ID"

// Handle is the live view of one spawned process.
type Handle interface {
	ID() int
	PID() int
	Name() string
	StartedAt() time.Time
	// Stream returns the master end of the named socketpair.
	Stream(name string) (io.ReadWriteCloser, bool)
}

// instance is one of the Count slots of a spec. It outlives the processes
// that fill it.
type instance struct {
	id      int
	spec    *ProcessSpec
	current *process
}

// process is a single run of an instance.
type process struct {
	inst      *instance
	cmd       *exec.Cmd
	pid       int
	streams   map[string]*os.File
	startedAt time.Time
	done      chan struct{}
}

func (p *process) ID() int              { return p.inst.id }
func (p *process) PID() int             { return p.pid }
func (p *process) Name() string         { return p.inst.spec.Name }
func (p *process) StartedAt() time.Time { return p.startedAt }

func (p *process) Stream(name string) (io.ReadWriteCloser, bool) {
	f, ok := p.streams[name]
	if !ok {
		return nil, false
	}
	return f, true
}

// closeStreams releases the master ends. Whoever wrapped a stream may have
// closed it already.
func (p *process) closeStreams() {
	for _, f := range p.streams {
		_ = f.Close()
	}
}

// signal delivers sig to the whole process group of p.
func (p *process) signal(sig syscall.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = nil
	}
	return err
}

// spawn starts one process for inst.
func (m *Manager) spawn(inst *instance) (*process, error) {
	spec := inst.spec

	var parents, children []*os.File
	release := func() {
		for _, f := range parents {
			f.Close()
		}
		for _, f := range children {
			f.Close()
		}
	}

	streams := make(map[string]*os.File, len(spec.Streams))
	for _, name := range spec.Streams {
		parent, child, err := socketPair(name)
		if err != nil {
			release()
			return nil, err
		}
		parents = append(parents, parent)
		children = append(children, child)
		streams[name] = parent
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+strconv.Itoa(inst.id))
	cmd.ExtraFiles = append(append([]*os.File(nil), children...), spec.Channels...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		release()
		return nil, fmt.Errorf("start %s: %w", spec.Cmd, err)
	}
	for _, f := range children {
		f.Close()
	}

	p := &process{
		inst:      inst,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		streams:   streams,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	outputDone := make(chan struct{}, 2)
	go func() {
		m.relayOutput(p, stdout, "stdout")
		outputDone <- struct{}{}
	}()
	go func() {
		m.relayOutput(p, stderr, "stderr")
		outputDone <- struct{}{}
	}()
	go func() {
		// all reads must finish before Wait closes the pipes
		<-outputDone
		<-outputDone
		m.exited(p, exitCodeFromError(cmd.Wait()))
	}()

	return p, nil
}

// socketPair creates a connected pair of unix sockets. The master end is
// non-blocking so reads go through the runtime poller and unblock on Close.
func socketPair(name string) (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}

	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}
	return os.NewFile(uintptr(fds[0]), name), os.NewFile(uintptr(fds[1]), name+"-child"), nil
}

// relayOutput forwards child output into the master log, one record per line.
func (m *Manager) relayOutput(p *process, r io.Reader, source string) {
	logger := m.opts.OutputLogger.With("pid", p.pid, "id", p.inst.id, "source", source)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		m.logger.Warn("Error reading process output", "pid", p.pid, "source", source, "error", err)
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
// A process killed by a signal reports 128+signal.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
