// Package loop provides the single-goroutine event loop every master and
// worker component runs on. Callbacks posted to a Loop execute one at a time
// in submission order, so state owned by loop callbacks needs no locking.
//
// Code running outside the loop hands work over with Post (fire and forget)
// or Call (wait for completion, bounded by a context). Call must never be
// used from a loop callback: the loop would wait on itself.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// ErrStopped is returned when work is handed to a loop that is shutting down.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted callbacks on a single goroutine.
type Loop struct {
	sctx   *stopper.Context
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
}

// New creates a loop bound to ctx. The loop does not process callbacks until
// Run is called; callbacks posted before that are kept.
func New(ctx context.Context, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		sctx:   stopper.WithContext(ctx),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Run starts the loop goroutine. Calling Run more than once is a no-op.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				l.logger.Debug("Event loop stopped")
				return nil
			case <-l.wake:
				for _, fn := range l.take() {
					l.invoke(fn)
				}
			}
		}
	})
}

// Post schedules fn on the loop goroutine. It returns false when the loop is
// stopping and fn will never run.
func (l *Loop) Post(fn func()) bool {
	if l.sctx.IsStopping() {
		return false
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop goroutine and waits for it to finish or for ctx to
// end, whichever happens first. When ctx ends first, fn may still run later.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.sctx.Stopping():
		// The callback may still be mid-flight; give it the chance to finish.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop asks the loop to exit and waits for it. Callbacks that have not
// started by then are dropped.
func (l *Loop) Stop(grace time.Duration) error {
	l.sctx.Stop(grace)
	if err := l.sctx.Wait(); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}
	return nil
}

// Stopping is closed once Stop has been requested.
func (l *Loop) Stopping() <-chan struct{} {
	return l.sctx.Stopping()
}

// take removes and returns every queued callback.
func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

// invoke runs one callback, containing panics so the loop keeps going.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop callback panicked", "panic", r)
		}
	}()
	fn()
}
