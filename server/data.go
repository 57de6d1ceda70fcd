package server

import (
	"io"
	"net/netip"
	"time"

	"github.com/telmach/ftpd/internal/sock"
	"github.com/telmach/ftpd/internal/vfs"
)

// dataState tracks the per-session data channel.
//
//	idle -(verb installs intent)-> establishing
//	establishing -(accept/connect ready)-> transferring
//	establishing -(deadline passed)-> idle after 425
//	transferring -(EOF)-> idle after 226
//	transferring -(error)-> idle after 426
type dataState int

const (
	dataIdle dataState = iota
	dataEstablishing
	dataTransferring
)

// maxTransferSteps bounds how many buffer rounds one readiness event
// may drive, so a fast peer cannot starve the other sessions.
const maxTransferSteps = 64

// dataChannel carries the intent and progress of one transfer. The
// slab buffer is allocated once per session and reused; no buffer is
// allocated per chunk.
type dataChannel struct {
	state dataState

	verb string
	path string
	send bool

	conn     *sock.Socket
	deadline time.Time
	buf      *buffer

	rfile    vfs.ReadHandle
	wfile    vfs.WriteHandle
	dir      vfs.DirIter
	nameOnly bool
	fileEOF  bool

	bytes   int64
	started time.Time
}

func (s *session) startFileSend(verb, path string, file vfs.ReadHandle) {
	s.data.rfile = file
	s.data.send = true
	s.beginData(verb, path)
}

func (s *session) startFileRecv(verb, path string, file vfs.WriteHandle) {
	s.data.wfile = file
	s.data.send = false
	s.beginData(verb, path)
}

func (s *session) startDirSend(verb, path string, dir vfs.DirIter, nameOnly bool) {
	s.data.dir = dir
	s.data.nameOnly = nameOnly
	s.data.send = true
	s.beginData(verb, path)
}

// beginData transitions the channel to establishing. In active mode
// the outbound connect is started immediately; in passive mode the
// reactor polls the listener for the client's connection.
func (s *session) beginData(verb, path string) {
	dc := &s.data
	dc.verb = verb
	dc.path = path
	dc.buf.clear()
	dc.bytes = 0
	dc.fileEOF = false

	if s.pasv == nil && !s.portSet {
		s.closeDataIntent()
		s.reply(503, "Use PORT or PASV first.")
		return
	}

	dc.state = dataEstablishing
	dc.deadline = time.Now().Add(s.server.cfg.DataTimeout)

	if s.portSet {
		s.connectActive()
	}
}

// connectActive creates the outbound data socket. Binding source port
// 20 is attempted per RFC 959 but needs privileges on most hosts, so a
// failure silently falls through to an ephemeral port.
func (s *session) connectActive() {
	target := s.portTarget
	s.portSet = false

	conn, err := sock.NewTCP()
	if err != nil {
		s.failData(520, "Can't open data connection.")
		return
	}
	_ = conn.SetReuseAddr(true)
	_ = conn.SetSendBuffer(s.server.cfg.DataBufferBytes)
	_ = conn.SetRecvBuffer(s.server.cfg.DataBufferBytes)
	_ = conn.Bind(netip.AddrPortFrom(s.localAddr.Addr(), 20))

	s.data.conn = conn

	switch err := conn.Connect(target); err {
	case nil, sock.ErrAlreadyConnected:
		s.dataEstablished()
	case sock.ErrInProgress:
		// Poll for write readiness.
	default:
		s.server.logger.Warn("active connect failed",
			"session", s.index,
			"session_id", s.id,
			"target", target.String(),
			"error", err,
		)
		s.failData(520, "Can't open data connection.")
	}
}

// dataPollItems appends the channel's readiness interests.
func (s *session) dataPollItems(items []sock.PollItem) []sock.PollItem {
	dc := &s.data
	switch dc.state {
	case dataEstablishing:
		if s.pasv != nil {
			items = append(items, sock.PollItem{Sock: s.pasv, Events: sock.EventIn})
		} else if dc.conn != nil {
			items = append(items, sock.PollItem{Sock: dc.conn, Events: sock.EventOut})
		}
	case dataTransferring:
		ev := int16(sock.EventIn)
		if dc.send {
			ev = sock.EventOut
		}
		items = append(items, sock.PollItem{Sock: dc.conn, Events: ev})
	}
	return items
}

// dataSocketMatches reports whether fd belongs to this channel's
// current poll interest.
func (s *session) dataSocketMatches(fd int) bool {
	dc := &s.data
	switch dc.state {
	case dataEstablishing:
		if s.pasv != nil {
			return s.pasv.FD() == fd
		}
		return dc.conn != nil && dc.conn.FD() == fd
	case dataTransferring:
		return dc.conn != nil && dc.conn.FD() == fd
	}
	return false
}

// dataReady drives the channel after a readiness event.
func (s *session) dataReady(revents int16) {
	dc := &s.data
	switch dc.state {
	case dataEstablishing:
		if s.pasv != nil {
			if revents&(sock.EventErr|sock.EventHup) != 0 {
				s.failData(520, "Can't open data connection.")
				return
			}
			s.acceptPassive()
			return
		}
		if revents&sock.EventErr != 0 {
			s.failData(520, "Can't open data connection.")
			return
		}
		// Write readiness: re-issue the connect; EISCONN confirms.
		switch err := dc.conn.Connect(s.portTarget); err {
		case nil, sock.ErrAlreadyConnected:
			s.dataEstablished()
		case sock.ErrInProgress:
		default:
			s.failData(520, "Can't open data connection.")
		}

	case dataTransferring:
		if revents&sock.EventErr != 0 {
			s.failData(426, "Connection closed; transfer aborted.")
			return
		}
		for i := 0; i < maxTransferSteps; i++ {
			if !s.transferStep() {
				return
			}
		}
	}
}

// acceptPassive promotes the first pending connection on the passive
// listener to the data socket. The listener is consumed; any further
// pending connections die with its close.
func (s *session) acceptPassive() {
	conn, peer, err := s.pasv.Accept()
	if err == sock.ErrWouldBlock {
		return
	}
	if err != nil {
		s.failData(520, "Can't open data connection.")
		return
	}

	s.pasv.Close()
	s.pasv = nil

	_ = conn.SetSendBuffer(s.server.cfg.DataBufferBytes)
	_ = conn.SetRecvBuffer(s.server.cfg.DataBufferBytes)
	s.data.conn = conn

	s.server.logger.Debug("data connection accepted",
		"session", s.index,
		"session_id", s.id,
		"peer", peer.String(),
	)
	s.dataEstablished()
}

func (s *session) dataEstablished() {
	dc := &s.data
	dc.state = dataTransferring
	dc.started = time.Now()
	dc.deadline = time.Now().Add(s.server.cfg.DataTimeout)

	// The passive listener, if it survived an active setup race, is no
	// longer needed.
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}

	s.replyf(150, "Opening data connection for %s.", dc.verb)
}

// transferStep runs one buffer round: fill then drain. It returns
// false when the channel would block, finished, or failed.
func (s *session) transferStep() bool {
	dc := &s.data
	if dc.send {
		if dc.dir != nil {
			return s.listStep()
		}
		return s.retrieveStep()
	}
	return s.storeStep()
}

// retrieveStep streams the open file to the data socket.
func (s *session) retrieveStep() bool {
	dc := &s.data

	if dc.buf.empty() {
		dc.buf.clear()
		if dc.fileEOF {
			s.finishData()
			return false
		}
		n, err := dc.rfile.Read(dc.buf.freeArea())
		if err != nil && err != io.EOF {
			s.failData(426, "File read failed; transfer aborted.")
			return false
		}
		if err == io.EOF || n == 0 {
			dc.fileEOF = true
			if n == 0 {
				s.finishData()
				return false
			}
		}
		dc.buf.markUsed(n)
	}

	return s.drainToSocket()
}

// listStep formats one directory entry at a time into the slab and
// copies it to the data socket.
func (s *session) listStep() bool {
	dc := &s.data

	if dc.buf.empty() {
		dc.buf.clear()
		for {
			info, err := dc.dir.Next()
			if err == io.EOF {
				s.finishData()
				return false
			}
			if err != nil {
				s.failData(426, "Directory read failed; transfer aborted.")
				return false
			}

			var line string
			if dc.nameOnly {
				line = formatNLST(info)
			} else {
				line = formatLIST(info, time.Now())
			}

			// A rendered line beyond the control buffer size is
			// skipped so the stream stays well-formed.
			if len(line) > s.server.cfg.ControlBufferBytes {
				s.server.logger.Warn("listing entry too long, skipped",
					"session", s.index,
					"session_id", s.id,
					"name", info.Name,
				)
				continue
			}

			dc.buf.append([]byte(line))
			break
		}
	}

	return s.drainToSocket()
}

func (s *session) drainToSocket() bool {
	dc := &s.data
	n, err := dc.conn.Write(dc.buf.usedArea())
	if err == sock.ErrWouldBlock {
		return false
	}
	if err != nil || n == 0 {
		s.failData(426, "Connection closed; transfer aborted.")
		return false
	}
	dc.buf.markFree(n)
	dc.bytes += int64(n)
	dc.deadline = time.Now().Add(s.server.cfg.DataTimeout)
	return true
}

// storeStep receives from the data socket and writes to the open file.
// The transfer completes when the peer half-closes.
func (s *session) storeStep() bool {
	dc := &s.data

	if dc.buf.empty() {
		dc.buf.clear()
		n, err := dc.conn.Read(dc.buf.freeArea())
		if err == sock.ErrWouldBlock {
			return false
		}
		if err != nil {
			s.failData(426, "Connection closed; transfer aborted.")
			return false
		}
		if n == 0 {
			s.finishData()
			return false
		}
		dc.buf.markUsed(n)
	}

	n, err := dc.wfile.Write(dc.buf.usedArea())
	if err != nil {
		s.failData(426, "File write failed; transfer aborted.")
		return false
	}
	dc.buf.markFree(n)
	dc.bytes += int64(n)
	dc.deadline = time.Now().Add(s.server.cfg.DataTimeout)
	return true
}

// finishData completes a transfer: shut down the data socket, release
// the file or directory handle, report throughput, and return to idle.
func (s *session) finishData() {
	dc := &s.data
	duration := time.Since(dc.started)

	if dc.conn != nil && dc.send {
		_ = dc.conn.Shutdown(sock.ShutdownWrite)
	}

	verb, path, bytes := dc.verb, dc.path, dc.bytes
	s.closeDataIntent()

	mbps := 0.0
	if duration.Seconds() > 0 {
		mbps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	s.server.logger.Info("transfer_complete",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"operation", verb,
		"path", path,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", mbps,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordTransfer(verb, bytes, duration)
	}

	s.replyf(226, "Transfer complete (%d bytes, %.2f MiB/s).", bytes, mbps)

	// Commands buffered during the transfer resume now.
	s.scanCommands()
}

// failData terminates the transfer with the given reply. The session
// itself survives; only the data channel is torn down.
func (s *session) failData(code int, message string) {
	dc := &s.data
	verb := dc.verb
	s.closeDataIntent()
	s.clearDataTargets()

	s.server.logger.Warn("transfer_failed",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"operation", verb,
		"code", code,
	)
	s.reply(code, message)
	s.scanCommands()
}

// dataTimeout fires when the establishment or transfer deadline
// passes.
func (s *session) dataTimeout() {
	s.failData(425, "Data connection timed out.")
}

// abortData releases data-channel resources without replying; used on
// session teardown and REIN.
func (s *session) abortData() {
	s.closeDataIntent()
}

// closeDataIntent releases every resource owned by the channel and
// resets it to idle.
func (s *session) closeDataIntent() {
	dc := &s.data
	if dc.conn != nil {
		dc.conn.Close()
		dc.conn = nil
	}
	if dc.rfile != nil {
		dc.rfile.Close()
		dc.rfile = nil
	}
	if dc.wfile != nil {
		dc.wfile.Close()
		dc.wfile = nil
	}
	if dc.dir != nil {
		dc.dir.Close()
		dc.dir = nil
	}
	dc.state = dataIdle
	dc.verb = ""
	dc.path = ""
	dc.nameOnly = false
	dc.fileEOF = false
	dc.buf.clear()
}
