// Package lifecycle starts components in dependency order and stops them in
// reverse.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Component is one startable part of the application.
type Component interface {
	Name() string
	Start() error
	Stop() error
}

// Group runs components in registration order.
type Group struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	started    []Component
}

// NewGroup creates an empty group.
func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{logger: logger}
}

// Add appends components. Components must be added before Start.
func (g *Group) Add(components ...Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components = append(g.components, components...)
}

// Start starts every component in order. If one fails, the components already
// started are stopped in reverse order and the error is returned.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.components {
		g.logger.Debug("Starting component", "component", c.Name())
		if err := c.Start(); err != nil {
			startErr := fmt.Errorf("start %s: %w", c.Name(), err)
			if stopErr := g.stopLocked(); stopErr != nil {
				return errors.Join(startErr, stopErr)
			}
			return startErr
		}
		g.started = append(g.started, c)
	}
	return nil
}

// Stop stops the started components in reverse order. Every component is
// stopped even if an earlier one fails; the errors are joined. Calling Stop
// again is a no-op.
func (g *Group) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked()
}

func (g *Group) stopLocked() error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		c := g.started[i]
		g.logger.Debug("Stopping component", "component", c.Name())
		if err := c.Stop(); err != nil {
			g.logger.Error("Failed to stop component", "component", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	g.started = nil
	return errors.Join(errs...)
}

// Func adapts a pair of functions to Component. Either may be nil.
func Func(name string, start, stop func() error) Component {
	return funcComponent{name: name, start: start, stop: stop}
}

type funcComponent struct {
	name        string
	start, stop func() error
}

func (f funcComponent) Name() string { return f.name }

func (f funcComponent) Start() error {
	if f.start == nil {
		return nil
	}
	return f.start()
}

func (f funcComponent) Stop() error {
	if f.stop == nil {
		return nil
	}
	return f.stop()
}
