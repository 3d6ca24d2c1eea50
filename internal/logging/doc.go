// Package logging provides structured logging with per-module log levels for
// the master and its workers.
//
// Initialize once at startup, then ask for a module logger:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"processes": "debug",
//		},
//	})
//
//	logger := logging.GetLogger("processes").With("pid", pid)
//	logger.Info("Process spawned")
//	logging.Critical(logger, "Process exited")
//
// Records are written to stdout (text or json) and, when journald is
// reachable, to the systemd journal under the "thriftpool" identifier:
//
//	journalctl -t thriftpool MODULE=processes
//	journalctl -t thriftpool -p crit
//
// Workers receive the master's logging section inside the bootstrap message,
// and the master can change every worker's level at runtime with SetLevel
// through the set_log_level control method.
package logging
