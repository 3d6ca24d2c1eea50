package master

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/thriftpool/internal/config"
	"github.com/smazurov/thriftpool/internal/control"
	"github.com/smazurov/thriftpool/internal/events"
	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/rpc"
	"github.com/smazurov/thriftpool/internal/supervisor"
	"github.com/smazurov/thriftpool/internal/worker"
)

// ControlStream is the name of the per-worker socketpair carrying RPC frames.
const ControlStream = "control"

// DefaultStopTimeout bounds how long Stop waits for the workers to go away.
const DefaultStopTimeout = 5 * time.Second

// Loop is the event loop the manager runs on. *loop.Loop satisfies it.
type Loop interface {
	Post(fn func()) bool
	Call(ctx context.Context, fn func()) error
}

// Supervisor spawns the worker processes and reports on them.
type Supervisor interface {
	Subscribe(fn func(supervisor.Event)) func()
	GetProcess(pid int) (supervisor.Handle, bool)
	Stop(done func())
}

// ListenerSource provides the descriptor map sent to every worker.
type ListenerSource interface {
	Descriptors() map[int]string
}

// Publisher receives worker lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

// ProcessManagerOptions configures a ProcessManager.
type ProcessManagerOptions struct {
	Loop       Loop
	Supervisor Supervisor
	Listeners  ListenerSource
	// Bus may be nil.
	Bus      Publisher
	Config   *config.Config
	MasterID string
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// WorkerInfo describes a tracked worker.
type WorkerInfo struct {
	ID        int       `json:"id" doc:"Stable worker index"`
	PID       int       `json:"pid" doc:"Process id"`
	Title     string    `json:"title" doc:"Process display name"`
	SpawnedAt time.Time `json:"spawned_at" doc:"Time the spawn was observed"`
	Healthy   bool      `json:"healthy" doc:"Whether the control channel is usable"`
}

// workerRecord lives from a spawn notification to the matching exit.
type workerRecord struct {
	info     WorkerInfo
	producer *rpc.Producer
}

// ProcessManager drives the workers spawned by the supervisor over their
// control streams. Apart from Start, Stop and the context-taking helpers,
// every method must run on the loop.
type ProcessManager struct {
	opts   ProcessManagerOptions
	logger *slog.Logger

	// loop-confined
	active      bool
	workers     map[int]*workerRecord
	unsubscribe func()

	stopping atomic.Bool
}

// NewProcessManager creates a manager. It ignores the supervisor until Start.
func NewProcessManager(opts ProcessManagerOptions) *ProcessManager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	return &ProcessManager{
		opts:    opts,
		logger:  opts.Logger,
		workers: make(map[int]*workerRecord),
	}
}

// Name identifies the manager in a lifecycle group.
func (pm *ProcessManager) Name() string { return "processes" }

// Start subscribes to supervisor events. Call it before the supervisor
// spawns anything so no spawn is missed.
func (pm *ProcessManager) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), pm.opts.StopTimeout)
	defer cancel()
	return pm.opts.Loop.Call(ctx, func() {
		pm.active = true
		pm.unsubscribe = pm.opts.Supervisor.Subscribe(pm.onEvent)
	})
}

// Stop deactivates the manager, drops every producer and asks the supervisor
// to terminate the workers, waiting at most StopTimeout for confirmation.
// It must not be called from the loop. A timeout is logged, not returned.
func (pm *ProcessManager) Stop() error {
	if !pm.stopping.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(done) }) }

	if !pm.opts.Loop.Post(func() { pm.realStop(signal) }) {
		pm.logger.Warn("Event loop gone, stopping supervisor directly")
		pm.opts.Supervisor.Stop(signal)
	}

	select {
	case <-done:
		pm.logger.Info("All workers stopped")
	case <-time.After(pm.opts.StopTimeout):
		pm.logger.Error("Timeout when stopping processes", "timeout", pm.opts.StopTimeout)
	}
	return nil
}

func (pm *ProcessManager) realStop(done func()) {
	pm.active = false
	if pm.unsubscribe != nil {
		pm.unsubscribe()
		pm.unsubscribe = nil
	}
	for pid, w := range pm.workers {
		if w.producer != nil {
			w.producer.Stop()
		}
		delete(pm.workers, pid)
	}
	pm.opts.Supervisor.Stop(done)
}

func (pm *ProcessManager) onEvent(ev supervisor.Event) {
	if !pm.active {
		pm.logger.Debug("Ignoring process event while inactive", "kind", ev.Kind, "pid", ev.PID)
		return
	}
	switch ev.Kind {
	case supervisor.EventSpawn:
		pm.onSpawn(ev)
	case supervisor.EventExit:
		pm.onExit(ev)
	}
}

func (pm *ProcessManager) onSpawn(ev supervisor.Event) {
	h, ok := pm.opts.Supervisor.GetProcess(ev.PID)
	if !ok {
		pm.logger.Warn("Spawned process is already gone", "pid", ev.PID)
		return
	}
	conn, ok := h.Stream(ControlStream)
	if !ok {
		pm.logger.Error("Spawned process has no control stream", "pid", ev.PID)
		return
	}

	pid := h.PID()
	logger := pm.logger.With("pid", pid, "worker_id", h.ID())
	stream := control.NewStream(pm.opts.Loop, conn,
		control.WithLogger(logger),
		control.WithErrorHandler(func(err error) { pm.onChannelError(pid, err) }))
	stream.Start()

	frame, err := rpc.EncodeBootstrap(worker.Bootstrap{
		MasterID: pm.opts.MasterID,
		WorkerID: h.ID(),
		Config:   *pm.opts.Config,
	})
	if err == nil {
		err = stream.Write(frame)
	}
	if err != nil {
		logger.Error("Failed to send bootstrap", "error", err)
		stream.Stop(true)
		return
	}

	producer := rpc.NewProducer(stream,
		rpc.WithLogger(logger),
		rpc.WithErrorHandler(func(err error) { pm.onChannelError(pid, err) }))
	producer.Start()

	w := &workerRecord{
		info: WorkerInfo{
			ID:        h.ID(),
			PID:       pid,
			Title:     worker.DisplayName(h.ID()),
			SpawnedAt: time.Now(),
			Healthy:   true,
		},
		producer: producer,
	}
	pm.workers[pid] = w

	if err := producer.Apply(worker.MethodSetDisplayName, nil, []any{w.info.Title}, nil); err != nil {
		logger.Error("Failed to set worker title", "error", err)
	}
	descriptors := pm.opts.Listeners.Descriptors()
	if err := producer.Apply(worker.MethodRegisterListenerDescriptors, func(res rpc.Result) {
		var serving int
		if err := res.Decode(&serving); err != nil {
			logger.Error("Worker rejected listener descriptors", "error", err)
			return
		}
		logger.Debug("Worker registered listeners", "serving", serving)
	}, []any{descriptors}, nil); err != nil {
		logger.Error("Failed to register listener descriptors", "error", err)
	}

	logger.Info("Worker spawned", "title", w.info.Title, "listeners", len(descriptors))
	pm.publish(events.WorkerSpawnedEvent{ID: w.info.ID, PID: pid})
}

func (pm *ProcessManager) onExit(ev supervisor.Event) {
	w, ok := pm.workers[ev.PID]
	if !ok {
		pm.logger.Debug("Exit of untracked process", "pid", ev.PID)
		return
	}
	logging.Critical(pm.logger, "Worker exited", "pid", ev.PID, "worker_id", w.info.ID, "exit_code", ev.ExitCode)
	if w.producer != nil {
		w.producer.Stop()
	}
	delete(pm.workers, ev.PID)
	pm.publish(events.WorkerExitedEvent{ID: w.info.ID, PID: ev.PID, ExitCode: ev.ExitCode})
}

// onChannelError handles a broken control channel. A peer hang-up is left to
// the exit notification that follows; anything else poisons the channel.
func (pm *ProcessManager) onChannelError(pid int, err error) {
	w, ok := pm.workers[pid]
	if !ok || w.producer == nil {
		return
	}
	if isHangup(err) {
		pm.logger.Debug("Worker closed its control channel", "pid", pid, "error", err)
		return
	}

	pm.logger.Error("Worker control channel failed", "pid", pid, "error", err)
	w.producer.Stop()
	w.producer = nil
	w.info.Healthy = false
	pm.publish(events.ChannelFailedEvent{PID: pid, Error: err.Error()})
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Apply sends a call to every worker with a usable channel and returns how
// many received it. cb, when set, runs once per worker response.
func (pm *ProcessManager) Apply(method string, cb rpc.Callback, args []any, kwargs map[string]any) int {
	sent := 0
	for _, pid := range pm.pids() {
		w := pm.workers[pid]
		if w.producer == nil {
			continue
		}
		if err := w.producer.Apply(method, cb, args, kwargs); err != nil {
			pm.logger.Warn("Broadcast to worker failed", "method", method, "pid", pid, "error", err)
			continue
		}
		sent++
	}
	pm.publish(events.CallBroadcastEvent{Method: method, Workers: sent})
	return sent
}

// Broadcast is Apply for callers outside the loop.
func (pm *ProcessManager) Broadcast(ctx context.Context, method string, args []any, kwargs map[string]any) (int, error) {
	var sent int
	err := pm.opts.Loop.Call(ctx, func() {
		sent = pm.Apply(method, nil, args, kwargs)
	})
	return sent, err
}

// Workers returns the tracked workers ordered by ID.
func (pm *ProcessManager) Workers() []WorkerInfo {
	infos := make([]WorkerInfo, 0, len(pm.workers))
	for _, w := range pm.workers {
		infos = append(infos, w.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ID != infos[j].ID {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].PID < infos[j].PID
	})
	return infos
}

// Snapshot is Workers for callers outside the loop.
func (pm *ProcessManager) Snapshot(ctx context.Context) ([]WorkerInfo, error) {
	var infos []WorkerInfo
	err := pm.opts.Loop.Call(ctx, func() {
		infos = pm.Workers()
	})
	return infos, err
}

func (pm *ProcessManager) pids() []int {
	pids := make([]int, 0, len(pm.workers))
	for pid := range pm.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (pm *ProcessManager) publish(ev events.Event) {
	if pm.opts.Bus != nil {
		pm.opts.Bus.Publish(ev)
	}
}
