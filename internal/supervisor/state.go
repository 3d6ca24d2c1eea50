package supervisor

import "time"

// EventKind tells spawn and exit notifications apart.
type EventKind string

// Event kinds.
const (
	EventSpawn EventKind = "spawn"
	EventExit  EventKind = "exit"
)

// Event reports a process starting or exiting.
type Event struct {
	Kind EventKind
	// ID is the stable index of the process within its spec, kept across respawns.
	ID       int
	PID      int
	Name     string
	ExitCode int
	At       time.Time
}

type managerState int

const (
	stateIdle managerState = iota
	stateRunning
	stateStopping
	stateStopped
)
