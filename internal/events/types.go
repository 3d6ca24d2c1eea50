package events

// Event type constants for kelindar/event.
const (
	TypeListenerStarted uint32 = iota + 1
	TypeListenerStopped
	TypeWorkerSpawned
	TypeWorkerExited
	TypeChannelFailed
	TypeCallBroadcast
	TypeConfigReloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ListenerStartedEvent is published when a listening socket starts accepting.
type ListenerStartedEvent struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Service string `json:"service"`
	Address string `json:"address"`
}

// Type returns the event type identifier for ListenerStartedEvent.
func (e ListenerStartedEvent) Type() uint32 { return TypeListenerStarted }

// ListenerStoppedEvent is published when a listening socket is closed.
type ListenerStoppedEvent struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Service string `json:"service"`
	Address string `json:"address"`
}

// Type returns the event type identifier for ListenerStoppedEvent.
func (e ListenerStoppedEvent) Type() uint32 { return TypeListenerStopped }

// WorkerSpawnedEvent is published once a new worker has been configured.
type WorkerSpawnedEvent struct {
	ID  int `json:"id"`
	PID int `json:"pid"`
}

// Type returns the event type identifier for WorkerSpawnedEvent.
func (e WorkerSpawnedEvent) Type() uint32 { return TypeWorkerSpawned }

// WorkerExitedEvent is published when a tracked worker exits.
type WorkerExitedEvent struct {
	ID       int `json:"id"`
	PID      int `json:"pid"`
	ExitCode int `json:"exit_code"`
}

// Type returns the event type identifier for WorkerExitedEvent.
func (e WorkerExitedEvent) Type() uint32 { return TypeWorkerExited }

// ChannelFailedEvent is published when a worker control channel breaks.
type ChannelFailedEvent struct {
	PID   int    `json:"pid"`
	Error string `json:"error"`
}

// Type returns the event type identifier for ChannelFailedEvent.
func (e ChannelFailedEvent) Type() uint32 { return TypeChannelFailed }

// CallBroadcastEvent is published when a call is sent to every worker.
type CallBroadcastEvent struct {
	Method  string `json:"method"`
	Workers int    `json:"workers"`
}

// Type returns the event type identifier for CallBroadcastEvent.
func (e CallBroadcastEvent) Type() uint32 { return TypeCallBroadcast }

// ConfigReloadedEvent is published after the configuration file changed on disk.
type ConfigReloadedEvent struct {
	Path string `json:"path"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
