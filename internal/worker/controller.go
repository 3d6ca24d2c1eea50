package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/rpc"
)

// ListenerOpener returns the listening socket inherited at descriptor index.
type ListenerOpener func(index int) (net.Listener, error)

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithListenerOpener replaces the inherited descriptor lookup.
func WithListenerOpener(open ListenerOpener) ControllerOption {
	return func(c *Controller) {
		c.open = open
	}
}

// WithTitleSetter replaces the function renaming the process.
func WithTitleSetter(set func(string) error) ControllerOption {
	return func(c *Controller) {
		c.setTitle = set
	}
}

// Controller is the worker state the master configures over RPC. Its methods
// run on the worker loop.
type Controller struct {
	boot     Bootstrap
	logger   *slog.Logger
	open     ListenerOpener
	setTitle func(string) error

	title     string
	acceptors map[int]*Acceptor
}

// NewController creates the controller for a worker started with boot.
func NewController(boot Bootstrap, logger *slog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		boot:      boot,
		logger:    logger,
		open:      openInherited,
		setTitle:  setProcessTitle,
		acceptors: make(map[int]*Acceptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Methods is the table of operations the master may call.
func (c *Controller) Methods() rpc.Methods {
	return rpc.Methods{
		MethodSetDisplayName: func(args rpc.Args) (any, error) {
			var title string
			if err := args.Decode(0, &title); err != nil {
				return nil, err
			}
			return nil, c.SetDisplayName(title)
		},
		MethodRegisterListenerDescriptors: func(args rpc.Args) (any, error) {
			var descriptors map[int]string
			if err := args.Decode(0, &descriptors); err != nil {
				return nil, err
			}
			return c.RegisterListenerDescriptors(descriptors)
		},
		MethodSetLogLevel: func(args rpc.Args) (any, error) {
			var level string
			if err := args.Decode(0, &level); err != nil {
				return nil, err
			}
			return nil, c.SetLogLevel(level)
		},
		MethodPing: func(rpc.Args) (any, error) {
			return c.Status(), nil
		},
	}
}

// SetDisplayName renames the worker process.
func (c *Controller) SetDisplayName(title string) error {
	c.title = title
	if err := c.setTitle(title); err != nil {
		return fmt.Errorf("set process title: %w", err)
	}
	c.logger.Debug("Process title set", "title", title)
	return nil
}

// RegisterListenerDescriptors starts serving every inherited socket named in
// descriptors and returns how many are served afterwards. Indexes already
// served are left alone. Failures for single indexes do not stop the others.
func (c *Controller) RegisterListenerDescriptors(descriptors map[int]string) (int, error) {
	indexes := make([]int, 0, len(descriptors))
	for index := range descriptors {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var errs []error
	for _, index := range indexes {
		if _, ok := c.acceptors[index]; ok {
			continue
		}
		if err := c.serve(index, descriptors[index]); err != nil {
			errs = append(errs, fmt.Errorf("descriptor %d (%s): %w", index, descriptors[index], err))
		}
	}
	return len(c.acceptors), errors.Join(errs...)
}

func (c *Controller) serve(index int, name string) error {
	slot, ok := c.boot.Config.Slot(name)
	if !ok {
		return errors.New("unknown slot")
	}
	handler, ok := LookupService(slot.Service)
	if !ok {
		return fmt.Errorf("unknown service %q", slot.Service)
	}
	ln, err := c.open(index)
	if err != nil {
		return err
	}

	a := NewAcceptor(index, slot.Name, slot.Service, ln, handler, c.logger)
	c.acceptors[index] = a
	a.Start()
	return nil
}

// SetLogLevel changes the worker's log level.
func (c *Controller) SetLogLevel(level string) error {
	if !logging.SetLevel(level) {
		return fmt.Errorf("invalid log level %q", level)
	}
	c.logger.Info("Log level changed", "level", level)
	return nil
}

// Status describes the worker.
func (c *Controller) Status() Status {
	listeners := make(map[int]string, len(c.acceptors))
	for index, a := range c.acceptors {
		listeners[index] = a.Slot()
	}
	return Status{
		PID:       os.Getpid(),
		WorkerID:  c.boot.WorkerID,
		Title:     c.title,
		MasterID:  c.boot.MasterID,
		Listeners: listeners,
		LogLevel:  logging.CurrentLevel(),
	}
}

// Close stops every acceptor.
func (c *Controller) Close() {
	for index, a := range c.acceptors {
		a.Stop()
		delete(c.acceptors, index)
	}
}

// openInherited wraps the socket the master passed at FirstListenerFD+index.
func openInherited(index int) (net.Listener, error) {
	fd := FirstListenerFD + index
	f := os.NewFile(uintptr(fd), "listener-"+strconv.Itoa(index))
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited descriptor %d: %w", fd, err)
	}
	return ln, nil
}
