// Package listeners owns the master's listening sockets. Workers inherit them
// by position, so the registration order of the pool is the descriptor index
// every worker is told about.
package listeners

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/smazurov/thriftpool/internal/config"
	"github.com/smazurov/thriftpool/internal/events"
)

// Publisher receives listener lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

type entry struct {
	listener *Listener
	slot     config.Slot
}

// Info describes one registered listener.
type Info struct {
	Index   int    `json:"index" doc:"Descriptor index inherited by workers"`
	Name    string `json:"name" doc:"Slot name"`
	Service string `json:"service" doc:"Service kind"`
	Address string `json:"address" doc:"Bound host:port"`
	Active  bool   `json:"active" doc:"Whether the socket is open"`
}

// Pool is an ordered set of listeners. It is safe for concurrent use.
type Pool struct {
	bus    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry

	channels    []*os.File
	descriptors map[int]string
}

// NewPool creates an empty pool. bus may be nil.
func NewPool(bus Publisher, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{bus: bus, logger: logger}
}

// Name identifies the pool in a lifecycle group.
func (p *Pool) Name() string { return "listeners" }

// Register appends a listener for slot. Its index is the current pool size.
func (p *Pool) Register(slot config.Slot) *Listener {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := NewListener(slot.Listener)
	p.entries = append(p.entries, entry{listener: l, slot: slot})
	p.invalidate()
	return l
}

// Start opens every listener in registration order. On failure the ones
// already opened are closed again.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if err := e.listener.Start(); err != nil {
			for j, started := range p.entries[:i] {
				_ = started.listener.Stop()
				p.publish(events.ListenerStoppedEvent{
					Index: j, Name: started.slot.Name, Service: started.slot.Service, Address: started.listener.Address(),
				})
			}
			p.invalidate()
			return fmt.Errorf("listener %q: %w", e.slot.Name, err)
		}
		p.logger.Info("Listener started",
			"name", e.slot.Name, "service", e.slot.Service,
			"host", e.listener.Host(), "port", e.listener.Port())
		p.publish(events.ListenerStartedEvent{
			Index: i, Name: e.slot.Name, Service: e.slot.Service, Address: e.listener.Address(),
		})
	}
	p.invalidate()
	return nil
}

// Stop closes every listener in registration order, once each.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for i, e := range p.entries {
		if err := e.listener.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("listener %q: %w", e.slot.Name, err))
		}
		p.logger.Info("Listener stopped", "name", e.slot.Name, "address", e.listener.Address())
		p.publish(events.ListenerStoppedEvent{
			Index: i, Name: e.slot.Name, Service: e.slot.Service, Address: e.listener.Address(),
		})
	}
	p.invalidate()
	return errors.Join(errs...)
}

// Channels returns the sockets in index order for descriptor passing. Not
// started listeners are skipped, so call it after Start.
func (p *Pool) Channels() []*os.File {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channels == nil {
		p.channels = make([]*os.File, 0, len(p.entries))
		for _, e := range p.entries {
			if ch := e.listener.Channel(); ch != nil {
				p.channels = append(p.channels, ch)
			}
		}
	}
	return p.channels
}

// Descriptors maps descriptor index to slot name.
func (p *Pool) Descriptors() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.descriptors == nil {
		p.descriptors = make(map[int]string, len(p.entries))
		for i, e := range p.entries {
			p.descriptors[i] = e.slot.Name
		}
	}
	out := make(map[int]string, len(p.descriptors))
	for k, v := range p.descriptors {
		out[k] = v
	}
	return out
}

// Listeners describes the pool in index order.
func (p *Pool) Listeners() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.entries))
	for i, e := range p.entries {
		infos = append(infos, Info{
			Index:   i,
			Name:    e.slot.Name,
			Service: e.slot.Service,
			Address: e.listener.Address(),
			Active:  e.listener.Channel() != nil,
		})
	}
	return infos
}

// Len returns the number of registered listeners.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

func (p *Pool) invalidate() {
	p.channels = nil
	p.descriptors = nil
}

func (p *Pool) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
