// Package supervisor spawns and supervises worker processes.
//
// A Manager runs Count copies of every registered ProcessSpec. Each copy gets:
//   - one socketpair per named stream, the child end inherited from fd 3 on
//   - ProcessSpec.Channels inherited right after the streams
//   - stdout and stderr relayed line by line into the master log
//
// Spawn and exit notifications are posted to the event loop given in Options,
// so subscribers run on the loop goroutine. A process that exits while the
// manager is running is respawned after Options.RestartDelay with the same ID.
//
// Stop terminates every process group with SIGTERM, escalates to SIGKILL after
// Options.GracefulTimeout, and reports completion through the done callback:
//
//	mgr := supervisor.NewManager(supervisor.Options{Scheduler: loop})
//	mgr.AddProcess(supervisor.ProcessSpec{Name: "worker", Count: 4, Cmd: exe, Args: []string{"worker"}})
//	mgr.Subscribe(func(ev supervisor.Event) { ... })
//	mgr.Start()
//	mgr.Stop(func() { close(stopped) })
package supervisor
