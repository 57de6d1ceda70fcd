package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/telmach/ftpd/internal/sock"
	"github.com/telmach/ftpd/internal/vfs"
)

// ErrServerClosed is returned by Run after a call to Shutdown.
var ErrServerClosed = errors.New("ftpd: server closed")

// listenerBackoff is how long the reactor waits before retrying a
// failed listener recreation.
const listenerBackoff = 5 * time.Second

// Poll timeouts: short while sessions exist so deadlines stay
// responsive, long while the table is empty.
const (
	pollTimeoutBusy = 125 * time.Millisecond
	pollTimeoutIdle = 2 * time.Second
)

// Server is the FTP reactor: one listening socket plus a fixed table
// of sessions, all multiplexed through a single poll loop on one
// goroutine. Session state is only ever touched from that goroutine,
// so no locks guard it; Shutdown is the sole cross-thread entry point.
type Server struct {
	cfg     Config
	fs      *vfs.FS
	logger  *slog.Logger
	metrics MetricsCollector

	listener      *sock.Socket
	listenerRetry time.Time

	// sessions is a fixed-capacity slot table with nil holes. The slot
	// index is the session's stable identity in logs.
	sessions []*session

	nextPassivePort uint16

	inShutdown atomic.Bool

	// poll scratch, reused across iterations
	items  []sock.PollItem
	owners []pollOwner
}

type ownerKind int

const (
	ownerListener ownerKind = iota
	ownerControl
	ownerData
)

type pollOwner struct {
	kind ownerKind
	sess *session
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets a custom logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets an optional metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server over the given filesystem facade. Zero Config
// fields take their defaults.
func New(cfg Config, fsys *vfs.FS, opts ...Option) (*Server, error) {
	if fsys == nil {
		return nil, errors.New("ftpd: filesystem is required")
	}
	if cfg.ReadOnly && !fsys.ReadOnly() {
		ro := *fsys
		vfs.WithReadOnly(true)(&ro)
		fsys = &ro
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		fs:     fsys,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = make([]*session, s.cfg.MaxClients)
	return s, nil
}

// Addr returns the listener address once Run has bound it.
func (s *Server) Addr() (netip.AddrPort, error) {
	if s.listener == nil {
		return netip.AddrPort{}, errors.New("ftpd: not listening")
	}
	return s.listener.LocalAddr()
}

// Listen binds the control listener without starting the reactor.
// Useful when the caller needs the bound address (ephemeral port)
// before handing control to Run.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	return s.openListener()
}

// Run binds the listener and drives the reactor until Shutdown is
// called. It always returns ErrServerClosed after a clean shutdown.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	addr, _ := s.listener.LocalAddr()
	s.logger.Info("ftp server listening", "addr", addr.String())

	for !s.inShutdown.Load() {
		s.iterate()
	}

	s.drain()
	return ErrServerClosed
}

// Shutdown requests the reactor to stop. Safe to call from any
// goroutine; the loop notices within one poll timeout, closes the
// listener, answers every session with 421, and drains.
func (s *Server) Shutdown() {
	s.inShutdown.Store(true)
}

func (s *Server) openListener() error {
	ln, err := sock.NewTCP()
	if err != nil {
		return err
	}
	if err := ln.SetReuseAddr(true); err != nil {
		ln.Close()
		return err
	}
	bind := netip.AddrPortFrom(s.cfg.BindAddress, s.cfg.Port)
	if err := ln.Bind(bind); err != nil {
		ln.Close()
		return err
	}
	if err := ln.Listen(s.cfg.MaxClients); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	return nil
}

// iterate runs one reactor round: poll, accept, data events, control
// events, deadlines, reap.
func (s *Server) iterate() {
	now := time.Now()

	// The listener is recreated after a hard accept failure, with
	// backoff between attempts.
	if s.listener == nil && now.After(s.listenerRetry) {
		if err := s.openListener(); err != nil {
			s.logger.Error("listener recreation failed", "error", err)
			s.listenerRetry = now.Add(listenerBackoff)
		} else {
			s.logger.Info("listener recreated")
		}
	}

	s.items = s.items[:0]
	s.owners = s.owners[:0]

	if s.listener != nil {
		s.items = append(s.items, sock.PollItem{Sock: s.listener, Events: sock.EventIn})
		s.owners = append(s.owners, pollOwner{kind: ownerListener})
	}

	active := 0
	timeout := pollTimeoutIdle
	for _, sess := range s.sessions {
		if sess == nil {
			continue
		}
		active++

		var ev int16
		if sess.wantsControlRead() {
			ev |= sock.EventIn
		}
		if sess.wantsControlWrite() {
			ev |= sock.EventOut
		}
		s.items = append(s.items, sock.PollItem{Sock: sess.ctrl, Events: ev})
		s.owners = append(s.owners, pollOwner{kind: ownerControl, sess: sess})

		before := len(s.items)
		s.items = sess.dataPollItems(s.items)
		for range s.items[before:] {
			s.owners = append(s.owners, pollOwner{kind: ownerData, sess: sess})
		}

		if d := time.Until(sess.nearestDeadline()); d < timeout {
			timeout = d
		}
	}

	if active > 0 && timeout > pollTimeoutBusy {
		timeout = pollTimeoutBusy
	}
	if timeout < 0 {
		timeout = 0
	}

	n, err := sock.Poll(s.items, timeout)
	if err != nil {
		s.logger.Error("poll failed", "error", err)
		return
	}

	if n > 0 {
		// Accept first, then data events, then control events.
		for i, it := range s.items {
			if s.owners[i].kind == ownerListener && it.Revents != 0 {
				s.acceptPending()
			}
		}
		for i, it := range s.items {
			o := s.owners[i]
			if o.kind == ownerData && it.Revents != 0 && !o.sess.closing {
				if o.sess.dataSocketMatches(it.Sock.FD()) {
					o.sess.dataReady(it.Revents)
				}
			}
		}
		for i, it := range s.items {
			o := s.owners[i]
			if o.kind != ownerControl || o.sess.closing || it.Revents == 0 {
				continue
			}
			if it.Revents&sock.EventOut != 0 {
				o.sess.flushResponses()
			}
			if it.Revents&sock.EventIn != 0 {
				o.sess.controlReadable()
			}
			if !o.sess.closing && it.Revents&sock.EventErr != 0 {
				o.sess.close()
			}
		}
	}

	now = time.Now()
	for _, sess := range s.sessions {
		if sess != nil {
			sess.checkDeadlines(now)
		}
	}

	s.reap()
}

// acceptPending drains the listen queue. Arrivals beyond the client
// cap are rejected with 421 and closed; the queue is still drained so
// stale connections do not linger.
func (s *Server) acceptPending() {
	for {
		conn, peer, err := s.listener.Accept()
		if err == sock.ErrWouldBlock {
			return
		}
		if err != nil {
			s.logger.Error("accept failed, tearing down listener", "error", err)
			s.listener.Close()
			s.listener = nil
			s.listenerRetry = time.Time{}
			return
		}

		slot := s.freeSlot()
		if slot < 0 {
			s.logger.Warn("connection_rejected",
				"remote_ip", peer.Addr().String(),
				"reason", "limit_reached",
				"limit", s.cfg.MaxClients,
			)
			if s.metrics != nil {
				s.metrics.RecordConnection(false, "limit_reached")
			}
			// Best effort; the peer may already be gone.
			_, _ = conn.Write([]byte("421 Too many users, sorry.\r\n"))
			conn.Close()
			continue
		}

		sess := newSession(s, slot, conn, peer)
		s.sessions[slot] = sess

		s.logger.Info("session_started",
			"session", slot,
			"session_id", sess.id,
			"remote_ip", peer.Addr().String(),
		)
		if s.metrics != nil {
			s.metrics.RecordConnection(true, "accepted")
		}

		sess.reply(220, s.cfg.WelcomeBanner)
	}
}

func (s *Server) freeSlot() int {
	for i, sess := range s.sessions {
		if sess == nil {
			return i
		}
	}
	return -1
}

// reap removes closed sessions from the table.
func (s *Server) reap() {
	for i, sess := range s.sessions {
		if sess == nil || !sess.closing {
			continue
		}
		s.sessions[i] = nil
		s.logger.Info("session_closed",
			"session", i,
			"session_id", sess.id,
			"remote_ip", sess.peerAddr.Addr().String(),
			"user", sess.user,
		)
	}
}

// drain performs the shutdown sequence: every live session gets a 421,
// then everything closes.
func (s *Server) drain() {
	for i, sess := range s.sessions {
		if sess == nil {
			continue
		}
		sess.reply(421, "Service not available, closing control connection.")
		sess.flushResponses()
		sess.close()
		s.sessions[i] = nil
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.logger.Info("ftp server stopped")
}

// allocPassiveListener binds the next passive-mode data port. The
// allocator advances modulo the configured window and retries every
// port once before giving up; a zero range uses ephemeral ports.
func (s *Server) allocPassiveListener(bindIP netip.Addr) (*sock.Socket, netip.AddrPort, error) {
	lo, hi := s.cfg.PassivePortMin, s.cfg.PassivePortMax

	if lo == 0 || hi <= lo {
		return s.tryPassivePort(bindIP, 0)
	}

	span := hi - lo
	for i := uint16(0); i < span; i++ {
		port := lo + (s.nextPassivePort+i)%span
		ln, addr, err := s.tryPassivePort(bindIP, port)
		if err == nil {
			s.nextPassivePort = (s.nextPassivePort + i + 1) % span
			return ln, addr, nil
		}
	}
	return nil, netip.AddrPort{}, fmt.Errorf("ftpd: passive port range [%d, %d) exhausted", lo, hi)
}

func (s *Server) tryPassivePort(bindIP netip.Addr, port uint16) (*sock.Socket, netip.AddrPort, error) {
	ln, err := sock.NewTCP()
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	_ = ln.SetReuseAddr(true)
	if err := ln.Bind(netip.AddrPortFrom(bindIP, port)); err != nil {
		ln.Close()
		return nil, netip.AddrPort{}, err
	}
	if err := ln.Listen(1); err != nil {
		ln.Close()
		return nil, netip.AddrPort{}, err
	}
	addr, err := ln.LocalAddr()
	if err != nil {
		ln.Close()
		return nil, netip.AddrPort{}, err
	}
	return ln, addr, nil
}
