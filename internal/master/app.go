package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/thriftpool/internal/api"
	"github.com/smazurov/thriftpool/internal/config"
	"github.com/smazurov/thriftpool/internal/events"
	"github.com/smazurov/thriftpool/internal/lifecycle"
	"github.com/smazurov/thriftpool/internal/listeners"
	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/loop"
	"github.com/smazurov/thriftpool/internal/metrics"
	"github.com/smazurov/thriftpool/internal/pidfile"
	"github.com/smazurov/thriftpool/internal/supervisor"
	"github.com/smazurov/thriftpool/internal/worker"
)

const (
	loopGrace     = 2 * time.Second
	reloadTimeout = 5 * time.Second
)

// AppOptions configures an App.
type AppOptions struct {
	Config *config.Config
	// ConfigPath is watched for log level changes when set.
	ConfigPath string
	// WorkerCmd and WorkerArgs start one worker process.
	WorkerCmd  string
	WorkerArgs []string
	// WorkerEnv is added to the worker environment.
	WorkerEnv []string
	// Registry collects the master metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// App is the master process: listeners, supervised workers and the
// components observing them, started and stopped as one group.
type App struct {
	opts   AppOptions
	cfg    *config.Config
	id     string
	logger *slog.Logger

	bus        *events.Bus
	loop       *loop.Loop
	pool       *listeners.Pool
	supervisor *supervisor.Manager
	processes  *ProcessManager
	metrics    *metrics.Metrics
	api        *api.Server
	watcher    *config.Watcher

	group  *lifecycle.Group
	detach func()
}

// NewApp builds the object graph. Nothing is opened or spawned until Start.
func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.WorkerCmd == "" {
		return nil, errors.New("worker command is required")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	a := &App{
		opts:   opts,
		cfg:    cfg,
		id:     uuid.NewString(),
		logger: logging.GetLogger("master"),
		bus:    events.New(),
		detach: func() {},
	}

	a.loop = loop.New(context.Background(), logging.GetLogger("loop"))
	a.pool = listeners.NewPool(a.bus, logging.GetLogger("listeners"))
	for _, slot := range cfg.Slots {
		a.pool.Register(slot)
	}
	a.supervisor = supervisor.NewManager(supervisor.Options{
		Scheduler:    a.loop,
		RestartDelay: cfg.RestartDelayDuration(),
		Logger:       logging.GetLogger("supervisor"),
		OutputLogger: logging.GetLogger("worker"),
	})
	a.processes = NewProcessManager(ProcessManagerOptions{
		Loop:        a.loop,
		Supervisor:  a.supervisor,
		Listeners:   a.pool,
		Bus:         a.bus,
		Config:      cfg,
		MasterID:    a.id,
		StopTimeout: cfg.ShutdownTimeoutDuration(),
		Logger:      logging.GetLogger("processes"),
	})
	a.metrics = metrics.New(opts.Registry)

	a.group = lifecycle.NewGroup(logging.GetLogger("lifecycle"))
	a.group.Add(
		lifecycle.Func("loop", func() error { a.loop.Run(); return nil }, func() error { return a.loop.Stop(loopGrace) }),
		lifecycle.Func("metrics", a.attachMetrics, a.detachMetrics),
		a.pool,
		a.processes,
		// stopping the process manager stops the supervisor
		lifecycle.Func("supervisor", a.startWorkers, nil),
	)

	if cfg.API.Addr != "" {
		a.api = api.NewServer(api.Options{
			Backend:        apiBackend{a},
			MetricsHandler: metrics.Handler(opts.Registry),
		})
		addr := cfg.API.Addr
		a.group.Add(lifecycle.Func(a.api.Name(), func() error { return a.api.Listen(addr) }, a.api.Stop))
	}
	if opts.ConfigPath != "" {
		a.watcher = config.NewWatcher(opts.ConfigPath, logging.GetLogger("config"))
		a.watcher.OnReload(a.onReload)
		a.group.Add(a.watcher)
	}
	if cfg.PIDFile != "" {
		a.group.Add(pidfile.New(cfg.PIDFile))
	}
	a.group.Add(lifecycle.Func("systemd", a.notifyReady, a.notifyStopping))
	return a, nil
}

// ID is the master instance id sent to every worker.
func (a *App) ID() string { return a.id }

// Bus returns the event bus of the master.
func (a *App) Bus() *events.Bus { return a.bus }

// Processes returns the process manager.
func (a *App) Processes() *ProcessManager { return a.processes }

// Listeners returns the listener pool.
func (a *App) Listeners() *listeners.Pool { return a.pool }

// APIAddr returns the bound admin API address, or "" when it is disabled.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Start opens the listeners and spawns the workers.
func (a *App) Start() error {
	a.logger.Info("Starting master", "master_id", a.id, "workers", a.cfg.Workers, "slots", len(a.cfg.Slots))
	return a.group.Start()
}

// Stop terminates the workers and closes everything Start opened.
func (a *App) Stop() error {
	a.logger.Info("Stopping master", "master_id", a.id)
	return a.group.Stop()
}

// Run starts the app, waits for ctx to end and stops it again.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop()
}

// SetLogLevel changes the master level and broadcasts it to every worker.
// Workers spawned later get it through the bootstrap configuration.
func (a *App) SetLogLevel(ctx context.Context, level string) (int, error) {
	if !logging.SetLevel(level) {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	var sent int
	err := a.loop.Call(ctx, func() {
		a.cfg.Logging.Level = level
		a.cfg.Logging.Modules = nil
		sent = a.processes.Apply(worker.MethodSetLogLevel, nil, []any{level}, nil)
	})
	return sent, err
}

func (a *App) startWorkers() error {
	spec := supervisor.ProcessSpec{
		Name:     "worker",
		Count:    a.cfg.Workers,
		Cmd:      a.opts.WorkerCmd,
		Args:     a.opts.WorkerArgs,
		Env:      a.opts.WorkerEnv,
		Streams:  []string{ControlStream},
		Channels: a.pool.Channels(),
	}
	if err := a.supervisor.AddProcess(spec); err != nil {
		return err
	}
	return a.supervisor.Start()
}

func (a *App) attachMetrics() error {
	a.detach = a.metrics.Attach(a.bus)
	return nil
}

func (a *App) detachMetrics() error {
	a.detach()
	return nil
}

// onReload applies what can change at runtime. Slots and worker count are
// fixed for the life of the master.
func (a *App) onReload(cfg *config.Config) {
	if cfg.Workers != a.cfg.Workers || !slices.Equal(cfg.Slots, a.cfg.Slots) {
		a.logger.Warn("Worker or slot changes take effect after a restart")
	}

	level := cfg.Logging.Level
	if level != "" && level != logging.CurrentLevel() {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		sent, err := a.SetLogLevel(ctx, level)
		if err != nil {
			a.logger.Error("Failed to apply reloaded log level", "level", level, "error", err)
		} else {
			a.logger.Info("Applied reloaded log level", "level", level, "workers", sent)
		}
	}
	a.bus.Publish(events.ConfigReloadedEvent{Path: a.opts.ConfigPath})
}

func (a *App) notifyReady() error {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("Failed to notify systemd", "error", err)
	} else if sent {
		a.logger.Debug("Notified systemd of readiness")
	}
	return nil
}

func (a *App) notifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.logger.Warn("Failed to notify systemd", "error", err)
	}
	return nil
}
