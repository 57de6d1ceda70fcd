// Package sock wraps raw non-blocking TCP sockets for the reactor.
//
// Every Socket is created non-blocking; Read and Write report
// ErrWouldBlock instead of parking, and the single Poll primitive is the
// only place the process is allowed to sleep on I/O. The reactor
// multiplexes every control socket, data socket, and passive listener
// through one Poll call per iteration.
package sock

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by Read and Write when the operation
	// cannot make progress without blocking.
	ErrWouldBlock = errors.New("sock: operation would block")

	// ErrInProgress is returned by Connect while a non-blocking connect
	// is still being established.
	ErrInProgress = errors.New("sock: connect in progress")

	// ErrAlreadyConnected is returned by Connect once the socket is
	// connected. A caller polling for connect completion treats this as
	// success.
	ErrAlreadyConnected = errors.New("sock: already connected")

	// ErrClosed is returned for operations on a closed socket.
	ErrClosed = errors.New("sock: socket closed")
)

// How selects which half of the connection Shutdown closes.
type How int

const (
	ShutdownRead  How = unix.SHUT_RD
	ShutdownWrite How = unix.SHUT_WR
	ShutdownBoth  How = unix.SHUT_RDWR
)

// Socket is an owning handle to one TCP socket file descriptor.
// It is not safe for concurrent use; the reactor owns every socket.
type Socket struct {
	fd int
}

// NewTCP creates a new non-blocking IPv4 TCP socket.
func NewTCP() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	return &Socket{fd: fd}, nil
}

// newFromFD wraps an accepted descriptor.
func newFromFD(fd int) *Socket {
	return &Socket{fd: fd}
}

// FD returns the underlying descriptor for use in a poll set.
func (s *Socket) FD() int {
	return s.fd
}

// Valid reports whether the socket still owns a descriptor.
func (s *Socket) Valid() bool {
	return s != nil && s.fd >= 0
}

// Close releases the descriptor. It is idempotent; only the first call
// closes the fd.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Bind binds the socket to a local IPv4 address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	if s.fd < 0 {
		return ErrClosed
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

// Listen marks the socket as a passive listener.
func (s *Socket) Listen(backlog int) error {
	if s.fd < 0 {
		return ErrClosed
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Accept accepts one pending connection. The returned socket is already
// non-blocking. ErrWouldBlock means no connection is pending.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	if s.fd < 0 {
		return nil, netip.AddrPort{}, ErrClosed
	}
	for {
		fd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, netip.AddrPort{}, ErrWouldBlock
		}
		if err != nil {
			return nil, netip.AddrPort{}, fmt.Errorf("accept: %w", err)
		}
		return newFromFD(fd), fromSockaddr(sa), nil
	}
}

// Connect starts a non-blocking connect. The first call normally
// returns ErrInProgress; the caller polls for write-readiness and calls
// Connect again, treating ErrAlreadyConnected as completion.
func (s *Socket) Connect(addr netip.AddrPort) error {
	if s.fd < 0 {
		return ErrClosed
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	switch err := unix.Connect(s.fd, sa); err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return ErrInProgress
	case unix.EISCONN:
		return ErrAlreadyConnected
	default:
		return fmt.Errorf("connect %s: %w", addr, err)
	}
}

// Shutdown closes one or both halves of the connection. Shutting down
// the write half signals end-of-transfer on a data channel.
func (s *Socket) Shutdown(how How) error {
	if s.fd < 0 {
		return ErrClosed
	}
	if err := unix.Shutdown(s.fd, int(how)); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Read reads into p, returning ErrWouldBlock when no data is ready.
// A return of (0, nil) means the peer closed its write half.
func (s *Socket) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		return n, nil
	}
}

// Write writes p, returning the number of bytes accepted by the kernel.
// ErrWouldBlock means the send buffer is full; the caller resumes from
// where it left off on the next writability notification.
func (s *Socket) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, fmt.Errorf("write: %w", err)
		}
		return n, nil
	}
}

// SetNonblocking toggles O_NONBLOCK. Sockets from NewTCP and Accept are
// already non-blocking.
func (s *Socket) SetNonblocking(nb bool) error {
	if s.fd < 0 {
		return ErrClosed
	}
	return unix.SetNonblock(s.fd, nb)
}

// SetReuseAddr sets SO_REUSEADDR, letting the listener rebind promptly
// after a restart.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setIntOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

// SetSendBuffer hints the kernel send buffer size.
func (s *Socket) SetSendBuffer(bytes int) error {
	return s.setIntOpt(unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
}

// SetRecvBuffer hints the kernel receive buffer size.
func (s *Socket) SetRecvBuffer(bytes int) error {
	return s.setIntOpt(unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
}

// SetLinger controls SO_LINGER. A zero timeout makes Close discard any
// unsent data and reset the connection.
func (s *Socket) SetLinger(on bool, timeout time.Duration) error {
	if s.fd < 0 {
		return ErrClosed
	}
	l := unix.Linger{Onoff: int32(boolToInt(on)), Linger: int32(timeout / time.Second)}
	if err := unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
		return fmt.Errorf("setsockopt SO_LINGER: %w", err)
	}
	return nil
}

func (s *Socket) setIntOpt(level, opt, value int) error {
	if s.fd < 0 {
		return ErrClosed
	}
	if err := unix.SetsockoptInt(s.fd, level, opt, value); err != nil {
		return fmt.Errorf("setsockopt: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if s.fd < 0 {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// PeerAddr returns the remote address of a connected socket.
func (s *Socket) PeerAddr() (netip.AddrPort, error) {
	if s.fd < 0 {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getpeername: %w", err)
	}
	return fromSockaddr(sa), nil
}

func toSockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if !ip.Is4() && ip.IsValid() {
		return nil, fmt.Errorf("sock: not an IPv4 address: %s", ip)
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	if ip.IsValid() {
		sa.Addr = ip.As4()
	}
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
	}
	return netip.AddrPort{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
