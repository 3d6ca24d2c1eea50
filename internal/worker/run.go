package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/loop"
	"github.com/smazurov/thriftpool/internal/rpc"
)

const shutdownGrace = 2 * time.Second

// Run is the worker process entry point. It serves the control descriptor
// inherited from the master until SIGTERM, SIGINT or the master going away.
func Run(ctx context.Context) error {
	if err := unix.SetNonblock(ControlFD, true); err != nil {
		return fmt.Errorf("control descriptor %d: %w", ControlFD, err)
	}
	conn := os.NewFile(uintptr(ControlFD), "control")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return Serve(ctx, conn)
}

// Serve reads the bootstrap frame from conn, then answers the master's calls
// until ctx is done or the channel fails. conn is closed on return.
func Serve(ctx context.Context, conn io.ReadWriteCloser, opts ...ControllerOption) error {
	payload, err := rpc.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read bootstrap: %w", err)
	}
	var boot Bootstrap
	if err := rpc.DecodeBootstrap(payload, &boot); err != nil {
		conn.Close()
		return err
	}

	logging.Initialize(boot.Config.Logging)
	logger := logging.GetLogger("worker").With("worker_id", boot.WorkerID)
	logger.Info("Worker bootstrapped", "pid", os.Getpid(), "master_id", boot.MasterID)

	// not bound to ctx: shutdown still needs the loop after ctx is done
	l := loop.New(context.Background(), logger)
	l.Run()

	ctrl := NewController(boot, logger, opts...)
	fatal := make(chan error, 1)
	broker := NewBroker(l, conn, ctrl.Methods(), logger, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err := l.Call(ctx, broker.Start); err != nil {
		conn.Close()
		_ = l.Stop(shutdownGrace)
		return err
	}

	var cause error
	select {
	case <-ctx.Done():
		logger.Info("Worker shutting down")
	case err := <-fatal:
		if errors.Is(err, io.EOF) {
			logger.Info("Master closed the control channel")
		} else {
			logger.Error("Control channel failed", "error", err)
			cause = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := l.Call(stopCtx, func() {
		broker.Stop()
		ctrl.Close()
	}); err != nil {
		logger.Warn("Worker shutdown incomplete", "error", err)
	}
	if err := l.Stop(shutdownGrace); err != nil {
		logger.Warn("Event loop did not stop cleanly", "error", err)
	}
	return cause
}
