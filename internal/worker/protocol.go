package worker

import (
	"strconv"

	"github.com/smazurov/thriftpool/internal/config"
)

// Methods the master calls on a worker.
const (
	MethodSetDisplayName              = "set_display_name"
	MethodRegisterListenerDescriptors = "register_listener_descriptors"
	MethodSetLogLevel                 = "set_log_level"
	MethodPing                        = "ping"
)

// ControlFD is the inherited descriptor of the control stream. Listening
// sockets follow it, so descriptor index i lives at FirstListenerFD+i.
const (
	ControlFD       = 3
	FirstListenerFD = ControlFD + 1
)

// Bootstrap is the first frame a worker reads from its control stream.
type Bootstrap struct {
	MasterID string        `msgpack:"master_id"`
	WorkerID int           `msgpack:"worker_id"`
	Config   config.Config `msgpack:"config"`
}

// Status is returned by the ping method.
type Status struct {
	PID       int            `msgpack:"pid" json:"pid"`
	WorkerID  int            `msgpack:"worker_id" json:"worker_id"`
	Title     string         `msgpack:"title" json:"title"`
	MasterID  string         `msgpack:"master_id" json:"master_id"`
	Listeners map[int]string `msgpack:"listeners" json:"listeners"`
	LogLevel  string         `msgpack:"log_level" json:"log_level"`
}

// DisplayName is the process title a worker gets for its ID.
func DisplayName(id int) string {
	return "[thriftpool-worker-" + strconv.Itoa(id) + "]"
}
