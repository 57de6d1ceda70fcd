package server

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/telmach/ftpd/internal/sock"
	"github.com/telmach/ftpd/internal/vfs"
)

// session is the per-connection state bundle. It is owned by the
// reactor thread; nothing else touches it.
type session struct {
	server *Server

	// index is the stable slot number in the reactor's session table,
	// used to identify the session in logs.
	index int
	id    string

	ctrl      *sock.Socket
	peerAddr  netip.AddrPort
	localAddr netip.AddrPort

	// cmdBuf holds partially received command bytes; respBuf holds
	// replies awaiting a writable control socket. Both are fixed-size.
	cmdBuf  *buffer
	respBuf *buffer

	cwd           string
	user          string
	authenticated bool
	repType       byte // 'A' or 'I'; echoed back, transfers are binary-clean
	restartMarker int64
	pendingRename string

	// portTarget and pasv are mutually exclusive: setting one clears
	// the other.
	portTarget netip.AddrPort
	portSet    bool
	pasv       *sock.Socket

	idleDeadline time.Time

	data dataChannel

	// closing marks the session for reaping at the end of the current
	// reactor iteration.
	closing bool
}

func newSession(srv *Server, index int, conn *sock.Socket, peer netip.AddrPort) *session {
	local, _ := conn.LocalAddr()
	s := &session{
		server:    srv,
		index:     index,
		id:        uuid.NewString()[:8],
		ctrl:      conn,
		peerAddr:  peer,
		localAddr: local,
		cmdBuf:    newBuffer(srv.cfg.ControlBufferBytes),
		respBuf:   newBuffer(srv.cfg.ControlBufferBytes),
		cwd:       "/",
		repType:   'I',
	}
	s.data.buf = newBuffer(srv.cfg.DataBufferBytes)
	s.touchIdle()
	return s
}

func (s *session) touchIdle() {
	s.idleDeadline = time.Now().Add(s.server.cfg.ControlIdleTimeout)
}

// reply queues a single-line response and tries to flush it.
func (s *session) reply(code int, message string) {
	s.queueResponse(fmt.Sprintf("%d %s\r\n", code, message))
}

func (s *session) replyf(code int, format string, args ...any) {
	s.reply(code, fmt.Sprintf(format, args...))
}

// replyMulti queues an RFC 959 multi-line response.
func (s *session) replyMulti(code int, header string, lines []string, trailer string) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d-%s\r\n", code, header)
	for _, l := range lines {
		fmt.Fprintf(&b, " %s\r\n", l)
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, trailer)
	s.queueResponse(b.String())
}

func (s *session) queueResponse(text string) {
	if s.closing || !s.ctrl.Valid() {
		return
	}
	s.server.logger.Debug("reply",
		"session", s.index,
		"session_id", s.id,
		"text", text[:len(text)-2],
	)
	if !s.respBuf.append([]byte(text)) {
		s.server.logger.Error("response buffer overflow",
			"session", s.index,
			"session_id", s.id,
		)
		s.close()
		return
	}
	s.flushResponses()
}

// flushResponses writes buffered replies until the control socket would
// block. Remaining bytes drain on the next POLLOUT.
func (s *session) flushResponses() {
	for !s.respBuf.empty() {
		n, err := s.ctrl.Write(s.respBuf.usedArea())
		if err == sock.ErrWouldBlock {
			return
		}
		if err != nil || n == 0 {
			s.close()
			return
		}
		s.respBuf.markFree(n)
	}
	s.respBuf.coalesce()
}

// wantsControlWrite reports whether the session needs a POLLOUT on its
// control socket.
func (s *session) wantsControlWrite() bool {
	return !s.respBuf.empty()
}

// wantsControlRead reports whether the reactor should poll the control
// socket for input. During a transfer, reading pauses once the command
// buffer is full of pipelined commands; it resumes when the data
// channel returns to idle.
func (s *session) wantsControlRead() bool {
	if s.data.state == dataIdle {
		return true
	}
	return s.cmdBuf.usedSize() < len(s.cmdBuf.data)
}

// controlReadable pulls bytes off the control socket and dispatches any
// complete command lines.
func (s *session) controlReadable() {
	if s.cmdBuf.freeSize() == 0 {
		s.cmdBuf.coalesce()
	}
	if s.cmdBuf.freeSize() == 0 {
		if s.data.state != dataIdle {
			// Pipelined commands filled the buffer mid-transfer; they
			// drain when the channel goes idle.
			return
		}
		// A single command line exceeds the control buffer; protocol
		// violation, close with no reply.
		s.server.logger.Warn("command line too long",
			"session", s.index,
			"session_id", s.id,
			"remote_ip", s.peerAddr.Addr().String(),
		)
		s.close()
		return
	}

	n, err := s.ctrl.Read(s.cmdBuf.freeArea())
	if err == sock.ErrWouldBlock {
		return
	}
	if err != nil {
		s.server.logger.Warn("control read error",
			"session", s.index,
			"session_id", s.id,
			"error", err,
		)
		s.close()
		return
	}
	if n == 0 {
		// Peer closed the connection.
		s.server.logger.Info("peer closed connection",
			"session", s.index,
			"session_id", s.id,
			"remote_ip", s.peerAddr.Addr().String(),
		)
		s.close()
		return
	}

	s.cmdBuf.markUsed(n)
	s.touchIdle()
	s.scanCommands()
}

// scanCommands dispatches every complete CRLF-framed line in the
// command buffer. Dispatch pauses while a data transfer is in flight;
// buffered commands resume when the channel returns to idle.
func (s *session) scanCommands() {
	for !s.closing {
		if s.data.state != dataIdle {
			return
		}

		area := s.cmdBuf.usedArea()
		i := bytes.IndexByte(area, '\n')
		if i < 0 {
			if s.cmdBuf.freeSize() == 0 && s.cmdBuf.usedSize() == len(s.cmdBuf.data) {
				s.server.logger.Warn("command line too long",
					"session", s.index,
					"session_id", s.id,
				)
				s.close()
			}
			return
		}
		if i == 0 || area[i-1] != '\r' {
			// A lone LF without CR is a protocol error.
			s.server.logger.Warn("protocol violation: bare LF",
				"session", s.index,
				"session_id", s.id,
			)
			s.close()
			return
		}

		line := area[:i-1]
		if bytes.IndexByte(line, 0) >= 0 {
			s.server.logger.Warn("protocol violation: NUL in command",
				"session", s.index,
				"session_id", s.id,
			)
			s.close()
			return
		}

		cmd := string(line)
		s.cmdBuf.markFree(i + 1)
		s.cmdBuf.coalesce()

		s.dispatch(cmd)
	}
}

// replyError translates a filesystem error to its FTP reply.
func (s *session) replyError(err error) {
	switch {
	case err == nil:
		s.reply(250, "OK.")
	case errors.Is(err, fs.ErrNotExist):
		s.reply(550, "File not found.")
	case errors.Is(err, fs.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, fs.ErrExist):
		s.reply(550, "File already exists.")
	case vfs.IsNotDir(err):
		s.reply(550, "Not a directory.")
	case vfs.IsDir(err):
		s.reply(550, "Is a directory.")
	case vfs.IsNotEmpty(err):
		s.reply(550, "Directory not empty.")
	case vfs.IsNameTooLong(err):
		s.reply(550, "File name too long.")
	default:
		s.reply(550, "Requested action not taken.")
	}
}

// resolve builds an absolute virtual path from a verb argument.
func (s *session) resolve(arg string) string {
	return vfs.Resolve(s.cwd, arg)
}

// resetForREIN returns the session to its pre-authentication state.
func (s *session) resetForREIN() {
	s.authenticated = false
	s.user = ""
	s.cwd = "/"
	s.repType = 'I'
	s.restartMarker = 0
	s.pendingRename = ""
	s.clearDataTargets()
	s.abortData()
}

// clearDataTargets drops any passive listener or active target.
func (s *session) clearDataTargets() {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
	s.portSet = false
	s.portTarget = netip.AddrPort{}
}

// checkDeadlines fires timeout handling for the control idle and data
// deadlines.
func (s *session) checkDeadlines(now time.Time) {
	if s.closing {
		return
	}
	if s.data.state != dataIdle && now.After(s.data.deadline) {
		s.dataTimeout()
	}
	if now.After(s.idleDeadline) {
		s.server.logger.Info("session idle timeout",
			"session", s.index,
			"session_id", s.id,
			"remote_ip", s.peerAddr.Addr().String(),
		)
		s.close()
	}
}

// close releases every resource owned by the session and marks it for
// reaping. It is idempotent.
func (s *session) close() {
	if s.closing {
		return
	}
	s.closing = true
	s.abortData()
	s.clearDataTargets()
	// Half-close first so the peer sees an orderly end of stream even
	// when unread input makes Close reset the connection.
	_ = s.ctrl.Shutdown(sock.ShutdownWrite)
	s.ctrl.Close()
}

// nearestDeadline reports the soonest pending deadline so the reactor
// can bound its poll timeout.
func (s *session) nearestDeadline() time.Time {
	d := s.idleDeadline
	if s.data.state != dataIdle && s.data.deadline.Before(d) {
		d = s.data.deadline
	}
	return d
}
