package listeners

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/smazurov/thriftpool/internal/config"
)

// ErrNotStarted is returned for operations that need an open socket.
var ErrNotStarted = errors.New("listener not started")

// Listener owns one listening socket built from a slot.
type Listener struct {
	host    string
	port    int
	backlog int

	file *os.File
	addr *net.TCPAddr
}

// NewListener prepares a listener for cfg. The socket is opened by Start.
func NewListener(cfg config.ListenerConfig) *Listener {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = config.DefaultBacklog
	}
	return &Listener{host: cfg.Host, port: cfg.Port, backlog: backlog}
}

// Start binds and listens. Starting a started listener is a no-op.
func (l *Listener) Start() error {
	if l.file != nil {
		return nil
	}

	addr, err := resolve(l.host, l.port)
	if err != nil {
		return err
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr = &unix.SockaddrInet6{Port: l.port, Addr: addr.As16()}
	if addr.Is4() {
		family = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: l.port, Addr: addr.As4()}
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return fmt.Errorf("socket %s: %w", l.Address(), err)
	}

	fail := func(op string, err error) error {
		unix.Close(fd)
		return fmt.Errorf("%s %s: %w", op, l.Address(), err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, l.backlog); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	l.file = os.NewFile(uintptr(fd), "listener:"+l.Address())
	l.addr = tcpAddr(bound)
	return nil
}

// Stop closes the socket. Stopping a stopped listener is a no-op.
func (l *Listener) Stop() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Channel returns the socket for descriptor passing, nil when not started.
func (l *Listener) Channel() *os.File {
	return l.file
}

// Host returns the configured host.
func (l *Listener) Host() string { return l.host }

// Port returns the bound port; with port 0 it is the one the kernel picked.
func (l *Listener) Port() int {
	if l.addr != nil {
		return l.addr.Port
	}
	return l.port
}

// Address returns host:port.
func (l *Listener) Address() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.Port()))
}

func resolve(host string, port int) (netip.Addr, error) {
	if port < 0 || port > 65535 {
		return netip.Addr{}, fmt.Errorf("port %d out of range", port)
	}
	switch host {
	case "", "*":
		return netip.IPv4Unspecified(), nil
	case "localhost":
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, lerr := net.LookupIP(host)
		if lerr != nil || len(ips) == 0 {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, errors.Join(err, lerr))
		}
		addr, _ = netip.AddrFromSlice(ips[0])
	}
	return addr.Unmap(), nil
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}
