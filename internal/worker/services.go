package worker

import (
	"context"
	"io"
	"net"

	"github.com/smazurov/thriftpool/internal/config"
)

// ServiceHandler serves one accepted connection until it ends or ctx is done.
// The acceptor closes conn afterwards.
type ServiceHandler func(ctx context.Context, conn net.Conn)

// services maps a slot's service kind to its connection handler.
var services = map[string]ServiceHandler{
	config.ServiceEcho:    echo,
	config.ServiceDiscard: discard,
}

// LookupService returns the handler for a service kind.
func LookupService(kind string) (ServiceHandler, bool) {
	h, ok := services[kind]
	return h, ok
}

func echo(_ context.Context, conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

func discard(_ context.Context, conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}
