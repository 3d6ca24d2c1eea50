package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"time"
)

// ErrAlreadyStarted is returned by Start and AddProcess once the manager runs.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Manager keeps a set of worker processes alive.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     managerState
	instances []*instance
	byPID     map[int]*process
	subs      []*func(Event)
	onStopped []func()
}

// NewManager creates a manager. Nothing is spawned until Start.
func NewManager(opts Options) *Manager {
	if opts.Scheduler == nil {
		panic("supervisor: Options.Scheduler is required")
	}
	opts.applyDefaults()
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		byPID:  make(map[int]*process),
	}
}

// AddProcess registers spec.Count processes to run.
func (m *Manager) AddProcess(spec ProcessSpec) error {
	if spec.Count < 1 {
		return fmt.Errorf("process %q: count must be at least 1", spec.Name)
	}
	if spec.Cmd == "" {
		return fmt.Errorf("process %q: empty command", spec.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIdle {
		return ErrAlreadyStarted
	}
	s := spec
	for i := range spec.Count {
		m.instances = append(m.instances, &instance{id: i, spec: &s})
	}
	return nil
}

// Subscribe registers fn for spawn and exit events and returns a function
// removing it. fn runs on the scheduler.
func (m *Manager) Subscribe(fn func(Event)) func() {
	h := &fn
	m.mu.Lock()
	m.subs = append(m.subs, h)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, existing := range m.subs {
			if existing == h {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// GetProcess returns the live process with the given pid.
func (m *Manager) GetProcess(pid int) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byPID[pid]
	if !ok {
		return nil, false
	}
	return p, true
}

// Running returns the number of live processes.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPID)
}

// Start spawns every registered process. Spawn failures are logged and
// retried after the restart delay.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = stateRunning
	instances := append([]*instance(nil), m.instances...)
	m.mu.Unlock()

	m.logger.Info("Starting processes", "count", len(instances))
	for _, inst := range instances {
		m.launch(inst)
	}
	return nil
}

// Stop terminates every process and calls done once all of them have exited,
// or once the kill timeout gave up on the stragglers. done runs on the
// scheduler when it still accepts work. Calling Stop again adds another done
// callback.
func (m *Manager) Stop(done func()) {
	m.mu.Lock()
	switch m.state {
	case stateStopped:
		m.mu.Unlock()
		m.deliver(done)
		return
	case stateStopping:
		m.onStopped = append(m.onStopped, done)
		m.mu.Unlock()
		return
	}
	m.state = stateStopping
	m.onStopped = append(m.onStopped, done)
	live := make([]*process, 0, len(m.byPID))
	for _, p := range m.byPID {
		live = append(live, p)
	}
	m.mu.Unlock()

	if len(live) == 0 {
		m.finishStop()
		return
	}

	m.logger.Info("Stopping all processes", "count", len(live))
	for _, p := range live {
		if err := p.signal(syscall.SIGTERM); err != nil {
			m.logger.Warn("Failed to send SIGTERM", "pid", p.pid, "error", err)
		}
	}
	go m.enforceStop(live)
}

// enforceStop kills processes that ignored SIGTERM.
func (m *Manager) enforceStop(live []*process) {
	deadline := time.After(m.opts.GracefulTimeout)
	for _, p := range live {
		select {
		case <-p.done:
			continue
		case <-deadline:
		}
		m.logger.Warn("Graceful shutdown timeout, forcing kill", "pid", p.pid, "timeout", m.opts.GracefulTimeout)
		if err := p.signal(syscall.SIGKILL); err != nil {
			m.logger.Error("Failed to kill process", "pid", p.pid, "error", err)
		}
		// later processes get no extra grace
		closed := make(chan time.Time)
		close(closed)
		deadline = closed
	}

	giveUp := time.After(m.opts.KillTimeout)
	for _, p := range live {
		select {
		case <-p.done:
		case <-giveUp:
			m.logger.Error("Process did not exit after kill signal", "pid", p.pid)
			m.finishStop()
			return
		}
	}
}

// launch spawns inst, scheduling a retry on failure.
func (m *Manager) launch(inst *instance) {
	p, err := m.spawn(inst)
	if err != nil {
		m.logger.Error("Failed to spawn process", "name", inst.spec.Name, "id", inst.id, "error", err)
		m.scheduleRestart(inst)
		return
	}

	m.mu.Lock()
	if m.state != stateRunning {
		// Stop won the race; this process was never announced.
		m.byPID[p.pid] = p
		inst.current = p
		m.mu.Unlock()
		_ = p.signal(syscall.SIGKILL)
		return
	}
	m.byPID[p.pid] = p
	inst.current = p
	m.mu.Unlock()

	m.logger.Info("Process started", "name", inst.spec.Name, "id", inst.id, "pid", p.pid)
	m.emit(Event{Kind: EventSpawn, ID: inst.id, PID: p.pid, Name: inst.spec.Name, At: p.startedAt}, nil)
}

// exited is called from the wait goroutine once p is gone.
func (m *Manager) exited(p *process, code int) {
	m.mu.Lock()
	delete(m.byPID, p.pid)
	if p.inst.current == p {
		p.inst.current = nil
	}
	state := m.state
	remaining := len(m.byPID)
	m.mu.Unlock()
	close(p.done)

	m.logger.Info("Process exited", "name", p.inst.spec.Name, "id", p.inst.id, "pid", p.pid, "exit_code", code)
	m.emit(Event{Kind: EventExit, ID: p.inst.id, PID: p.pid, Name: p.inst.spec.Name, ExitCode: code, At: time.Now()}, p.closeStreams)

	switch state {
	case stateRunning:
		m.scheduleRestart(p.inst)
	case stateStopping:
		if remaining == 0 {
			m.finishStop()
		}
	}
}

func (m *Manager) scheduleRestart(inst *instance) {
	time.AfterFunc(m.opts.RestartDelay, func() {
		m.mu.Lock()
		running := m.state == stateRunning && inst.current == nil
		m.mu.Unlock()
		if running {
			m.logger.Info("Respawning process", "name", inst.spec.Name, "id", inst.id)
			m.launch(inst)
		}
	})
}

func (m *Manager) finishStop() {
	m.mu.Lock()
	if m.state != stateStopping {
		m.mu.Unlock()
		return
	}
	m.state = stateStopped
	callbacks := m.onStopped
	m.onStopped = nil
	m.mu.Unlock()

	m.logger.Info("All processes stopped")
	for _, cb := range callbacks {
		m.deliver(cb)
	}
}

// emit hands ev to the subscribers on the scheduler, then runs after.
// Subscribers only ever run on the scheduler: once it is gone the event is
// dropped and only after runs.
func (m *Manager) emit(ev Event, after func()) {
	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	posted := m.opts.Scheduler.Post(func() {
		for _, fn := range subs {
			(*fn)(ev)
		}
		if after != nil {
			after()
		}
	})
	if posted {
		return
	}
	m.logger.Debug("Scheduler gone, dropping process event", "kind", ev.Kind, "pid", ev.PID)
	if after != nil {
		after()
	}
}

// deliver runs a done callback on the scheduler, or right here if the
// scheduler is gone.
func (m *Manager) deliver(fn func()) {
	if fn == nil {
		return
	}
	if !m.opts.Scheduler.Post(fn) {
		fn()
	}
}
