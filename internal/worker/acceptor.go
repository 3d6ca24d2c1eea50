package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Acceptor accepts connections on one inherited listening socket and hands
// each to the slot's service handler on its own goroutine.
type Acceptor struct {
	index   int
	slot    string
	service string
	ln      net.Listener
	handler ServiceHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewAcceptor creates an acceptor for ln. Nothing is accepted until Start.
func NewAcceptor(index int, slot, service string, ln net.Listener, handler ServiceHandler, logger *slog.Logger) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		index:   index,
		slot:    slot,
		service: service,
		ln:      ln,
		handler: handler,
		logger:  logger.With("slot", slot, "service", service, "index", index),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections.
func (a *Acceptor) Start() {
	a.logger.Info("Serving inherited listener", "address", a.ln.Addr().String())
	a.wg.Add(1)
	go a.acceptConnections()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (a *Acceptor) Stop() {
	a.cancel()
	_ = a.ln.Close()

	a.mu.Lock()
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("Stopped serving listener")
}

// Slot returns the name of the slot served.
func (a *Acceptor) Slot() string { return a.slot }

func (a *Acceptor) acceptConnections() {
	defer a.wg.Done()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("Error accepting connection", "error", err)
			// back off on resource exhaustion instead of spinning
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if !a.track(conn) {
			_ = conn.Close()
			return
		}
		a.wg.Add(1)
		go a.handleConnection(conn)
	}
}

func (a *Acceptor) handleConnection(conn net.Conn) {
	defer a.wg.Done()
	defer func() {
		a.untrack(conn)
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Service handler panicked", "panic", r, "remote", conn.RemoteAddr().String())
		}
	}()

	a.logger.Debug("Connection accepted", "remote", conn.RemoteAddr().String())
	a.handler(a.ctx, conn)
}

// track records conn unless the acceptor is stopping.
func (a *Acceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}
