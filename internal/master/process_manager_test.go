package master

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/smazurov/thriftpool/internal/config"
	"github.com/smazurov/thriftpool/internal/events"
	"github.com/smazurov/thriftpool/internal/loop"
	"github.com/smazurov/thriftpool/internal/rpc"
	"github.com/smazurov/thriftpool/internal/supervisor"
	"github.com/smazurov/thriftpool/internal/worker"
)

type fakeHandle struct {
	id, pid int
	conn    io.ReadWriteCloser
}

func (h *fakeHandle) ID() int              { return h.id }
func (h *fakeHandle) PID() int             { return h.pid }
func (h *fakeHandle) Name() string         { return "worker" }
func (h *fakeHandle) StartedAt() time.Time { return time.Time{} }
func (h *fakeHandle) Stream(name string) (io.ReadWriteCloser, bool) {
	if name != ControlStream {
		return nil, false
	}
	return h.conn, true
}

// fakeSupervisor records calls. With confirm set, Stop calls done right away.
type fakeSupervisor struct {
	mu        sync.Mutex
	subs      []func(supervisor.Event)
	processes map[int]*fakeHandle
	stops     int
	confirm   bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{processes: make(map[int]*fakeHandle)}
}

func (s *fakeSupervisor) Subscribe(fn func(supervisor.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = nil
	}
}

func (s *fakeSupervisor) GetProcess(pid int) (supervisor.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.processes[pid]
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *fakeSupervisor) Stop(done func()) {
	s.mu.Lock()
	s.stops++
	confirm := s.confirm
	s.mu.Unlock()
	if confirm {
		done()
	}
}

func (s *fakeSupervisor) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// emit delivers ev to the subscribers on the loop, like the real supervisor.
func (s *fakeSupervisor) emit(t *testing.T, l *loop.Loop, ev supervisor.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Call(ctx, func() {
		s.mu.Lock()
		subs := slices.Clone(s.subs)
		s.mu.Unlock()
		for _, fn := range subs {
			if fn != nil {
				fn(ev)
			}
		}
	}))
}

// spawn registers a process backed by a pipe and returns the worker side.
func (s *fakeSupervisor) spawn(t *testing.T, l *loop.Loop, id, pid int) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	s.mu.Lock()
	s.processes[pid] = &fakeHandle{id: id, pid: pid, conn: local}
	s.mu.Unlock()
	s.emit(t, l, supervisor.Event{Kind: supervisor.EventSpawn, ID: id, PID: pid})
	return remote
}

type staticListeners map[int]string

func (s staticListeners) Descriptors() map[int]string { return s }

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) has(match func(events.Event) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if match(ev) {
			return true
		}
	}
	return false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	loop *loop.Loop
	sup  *fakeSupervisor
	pm   *ProcessManager
	bus  *capture
	logs *syncBuffer
}

func newFixture(t *testing.T, stopTimeout time.Duration) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := loop.New(context.Background(), logger)
	l.Run()
	t.Cleanup(func() { _ = l.Stop(100 * time.Millisecond) })

	cfg := config.Default()
	cfg.Workers = 3

	f := &fixture{loop: l, sup: newFakeSupervisor(), bus: &capture{}, logs: logs}
	f.pm = NewProcessManager(ProcessManagerOptions{
		Loop:        l,
		Supervisor:  f.sup,
		Listeners:   staticListeners{0: "echo", 1: "sink"},
		Bus:         f.bus,
		Config:      cfg,
		MasterID:    "master-1",
		StopTimeout: stopTimeout,
		Logger:      logger,
	})
	require.NoError(t, f.pm.Start())
	return f
}

func (f *fixture) workers(t *testing.T) []WorkerInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	infos, err := f.pm.Snapshot(ctx)
	require.NoError(t, err)
	return infos
}

func readMessage(t *testing.T, r io.Reader) []byte {
	t.Helper()
	payload, err := rpc.ReadFrame(r)
	require.NoError(t, err)
	return payload
}

func readCall(t *testing.T, r io.Reader) *rpc.Call {
	t.Helper()
	msg, err := rpc.DecodeMessage(readMessage(t, r))
	require.NoError(t, err)
	require.Equal(t, rpc.KindCall, msg.Kind)
	return msg.Call
}

func TestSpawnSendsBootstrapThenConfigures(t *testing.T) {
	f := newFixture(t, time.Second)
	remote := f.sup.spawn(t, f.loop, 7, 100)

	var boot worker.Bootstrap
	require.NoError(t, rpc.DecodeBootstrap(readMessage(t, remote), &boot))
	assert.Equal(t, "master-1", boot.MasterID)
	assert.Equal(t, 7, boot.WorkerID)
	assert.Equal(t, 3, boot.Config.Workers)

	title := readCall(t, remote)
	assert.Equal(t, worker.MethodSetDisplayName, title.Method)
	assert.False(t, title.ReplyExpected)
	var name string
	require.NoError(t, msgpack.Unmarshal(title.Args[0], &name))
	assert.Equal(t, "[thriftpool-worker-7]", name)

	register := readCall(t, remote)
	assert.Equal(t, worker.MethodRegisterListenerDescriptors, register.Method)
	assert.True(t, register.ReplyExpected)
	var descriptors map[int]string
	require.NoError(t, msgpack.Unmarshal(register.Args[0], &descriptors))
	assert.Equal(t, map[int]string{0: "echo", 1: "sink"}, descriptors)

	infos := f.workers(t)
	require.Len(t, infos, 1)
	assert.Equal(t, 100, infos[0].PID)
	assert.Equal(t, 7, infos[0].ID)
	assert.True(t, infos[0].Healthy)
	assert.True(t, f.bus.has(func(ev events.Event) bool { return ev == events.WorkerSpawnedEvent{ID: 7, PID: 100} }))
}

func TestBroadcastReachesEveryWorker(t *testing.T) {
	f := newFixture(t, time.Second)
	remotes := []net.Conn{f.sup.spawn(t, f.loop, 0, 100), f.sup.spawn(t, f.loop, 1, 101)}

	// drain the configuration frames
	for _, r := range remotes {
		for range 3 {
			readMessage(t, r)
		}
	}

	var sent int
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		sent, err = f.pm.Broadcast(context.Background(), worker.MethodSetLogLevel, []any{"debug"}, nil)
	}()
	for _, r := range remotes {
		call := readCall(t, r)
		assert.Equal(t, worker.MethodSetLogLevel, call.Method)
	}
	<-done
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.True(t, f.bus.has(func(ev events.Event) bool {
		return ev == events.CallBroadcastEvent{Method: worker.MethodSetLogLevel, Workers: 2}
	}))
}

func TestApplyCallbackGetsResponse(t *testing.T) {
	f := newFixture(t, time.Second)
	remote := f.sup.spawn(t, f.loop, 0, 100)
	for range 2 {
		readMessage(t, remote)
	}
	register := readCall(t, remote)

	results := make(chan rpc.Result, 1)
	require.NoError(t, f.loop.Call(context.Background(), func() {
		f.pm.Apply(worker.MethodPing, func(r rpc.Result) { results <- r }, nil, nil)
	}))
	ping := readCall(t, remote)

	reply := func(id uint64, v any) {
		raw, err := msgpack.Marshal(v)
		require.NoError(t, err)
		frame, err := rpc.EncodeMessage(&rpc.Message{Kind: rpc.KindResponse, Response: &rpc.Response{ID: id, OK: true, Result: raw}})
		require.NoError(t, err)
		_, err = remote.Write(frame)
		require.NoError(t, err)
	}
	reply(register.ID, 2)
	reply(ping.ID, worker.Status{PID: 100, Title: "[thriftpool-worker-0]"})

	select {
	case r := <-results:
		var status worker.Status
		require.NoError(t, r.Decode(&status))
		assert.Equal(t, 100, status.PID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ping response")
	}
}

func TestExitCleansUp(t *testing.T) {
	f := newFixture(t, time.Second)
	f.sup.spawn(t, f.loop, 0, 100)
	f.sup.spawn(t, f.loop, 1, 101)

	f.sup.emit(t, f.loop, supervisor.Event{Kind: supervisor.EventExit, ID: 0, PID: 100, ExitCode: 9})

	infos := f.workers(t)
	require.Len(t, infos, 1)
	assert.Equal(t, 101, infos[0].PID)
	assert.Contains(t, f.logs.String(), `msg="Worker exited"`)
	assert.Contains(t, f.logs.String(), "exit_code=9")
	assert.True(t, f.bus.has(func(ev events.Event) bool {
		return ev == events.WorkerExitedEvent{ID: 0, PID: 100, ExitCode: 9}
	}))

	var sent int
	require.NoError(t, f.loop.Call(context.Background(), func() {
		sent = f.pm.Apply(worker.MethodPing, nil, nil, nil)
	}))
	assert.Equal(t, 1, sent, "exited worker is no longer reachable")

	assert.NotPanics(t, func() {
		f.sup.emit(t, f.loop, supervisor.Event{Kind: supervisor.EventExit, ID: 0, PID: 100})
	})
	assert.Len(t, f.workers(t), 1)
}

func TestCorruptChannelIsDropped(t *testing.T) {
	f := newFixture(t, time.Second)
	remote := f.sup.spawn(t, f.loop, 0, 100)
	for range 3 {
		readMessage(t, remote)
	}

	_, err := remote.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.bus.has(func(ev events.Event) bool {
			failed, ok := ev.(events.ChannelFailedEvent)
			return ok && failed.PID == 100
		})
	}, 2*time.Second, 10*time.Millisecond)

	infos := f.workers(t)
	require.Len(t, infos, 1, "record stays until the exit notification")
	assert.False(t, infos[0].Healthy)

	var sent int
	require.NoError(t, f.loop.Call(context.Background(), func() {
		sent = f.pm.Apply(worker.MethodPing, nil, nil, nil)
	}))
	assert.Zero(t, sent)
}

func TestPeerHangupWaitsForExit(t *testing.T) {
	f := newFixture(t, time.Second)
	remote := f.sup.spawn(t, f.loop, 0, 100)
	for range 3 {
		readMessage(t, remote)
	}
	require.NoError(t, remote.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(f.logs.String(), "Worker closed its control channel")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.bus.has(func(ev events.Event) bool {
		_, ok := ev.(events.ChannelFailedEvent)
		return ok
	}))
	assert.Len(t, f.workers(t), 1)
}

func TestStopReturnsWithinCeiling(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.sup.spawn(t, f.loop, 0, 100)

	start := time.Now()
	require.NoError(t, f.pm.Stop())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Contains(t, f.logs.String(), "Timeout when stopping processes")
	assert.Equal(t, 1, f.sup.stopCount())
	assert.Empty(t, f.workers(t))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	f.sup.confirm = true

	start := time.Now()
	require.NoError(t, f.pm.Stop())
	require.NoError(t, f.pm.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, f.sup.stopCount())
	assert.Contains(t, f.logs.String(), "All workers stopped")
	assert.NotContains(t, f.logs.String(), "Timeout when stopping processes")
}

func TestEventsIgnoredAfterStop(t *testing.T) {
	f := newFixture(t, time.Second)
	f.sup.confirm = true
	f.sup.spawn(t, f.loop, 0, 100)
	require.NoError(t, f.pm.Stop())

	// deliver straight to the handler: the subscription is gone after Stop
	require.NoError(t, f.loop.Call(context.Background(), func() {
		f.pm.onEvent(supervisor.Event{Kind: supervisor.EventExit, PID: 100})
		f.pm.onEvent(supervisor.Event{Kind: supervisor.EventSpawn, PID: 100})
	}))
	assert.Contains(t, f.logs.String(), "Ignoring process event while inactive")
	assert.NotContains(t, f.logs.String(), `msg="Worker exited"`)
	assert.Empty(t, f.workers(t))
}

func TestStopWithoutLoop(t *testing.T) {
	f := newFixture(t, time.Second)
	f.sup.confirm = true
	require.NoError(t, f.loop.Stop(100*time.Millisecond))

	require.NoError(t, f.pm.Stop())
	assert.Equal(t, 1, f.sup.stopCount())
}
