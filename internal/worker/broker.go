package worker

import (
	"io"
	"log/slog"

	"github.com/smazurov/thriftpool/internal/control"
	"github.com/smazurov/thriftpool/internal/rpc"
)

// Broker is the worker end of the control channel: a stream over the
// inherited control descriptor and a consumer dispatching to the
// controller's methods.
type Broker struct {
	stream   *control.Stream
	consumer *rpc.Consumer
}

// NewBroker wires conn to methods. onFatal runs on the loop when the channel
// can no longer be used, which includes the master hanging up.
func NewBroker(sched control.Scheduler, conn io.ReadWriteCloser, methods rpc.Methods, logger *slog.Logger, onFatal func(error)) *Broker {
	stream := control.NewStream(sched, conn,
		control.WithLogger(logger),
		control.WithErrorHandler(onFatal))
	consumer := rpc.NewConsumer(stream, methods,
		rpc.WithLogger(logger),
		rpc.WithErrorHandler(onFatal))
	return &Broker{stream: stream, consumer: consumer}
}

// Start opens the stream, then begins consuming calls. Run it on the loop.
func (b *Broker) Start() {
	b.stream.Start()
	b.consumer.Start()
}

// Stop reverses Start. Run it on the loop.
func (b *Broker) Stop() {
	b.consumer.Stop()
	b.stream.Stop(true)
}
