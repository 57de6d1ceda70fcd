package server

import (
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/telmach/ftpd/internal/vfs"
)

func (s *session) handleTYPE(arg string) verbOutcome {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "A", "A N":
		s.repType = 'A'
		s.reply(200, "Type set to A.")
	case "I":
		s.repType = 'I'
		s.reply(200, "Type set to I.")
	default:
		s.reply(501, "Type not supported.")
	}
	return outcomeContinue
}

func (s *session) handleMODE(arg string) verbOutcome {
	if strings.EqualFold(strings.TrimSpace(arg), "S") {
		s.reply(200, "Mode set to Stream.")
	} else {
		s.reply(501, "Only Stream mode is supported.")
	}
	return outcomeContinue
}

func (s *session) handleSTRU(arg string) verbOutcome {
	if strings.EqualFold(strings.TrimSpace(arg), "F") {
		s.reply(200, "Structure set to File.")
	} else {
		s.reply(504, "Only File structure is supported.")
	}
	return outcomeContinue
}

func (s *session) handlePORT(arg string) verbOutcome {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return outcomeContinue
	}

	var octets [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			s.reply(501, "Syntax error in parameters or arguments.")
			return outcomeContinue
		}
		octets[i] = v
	}

	ip := netip.AddrFrom4([4]byte{byte(octets[0]), byte(octets[1]), byte(octets[2]), byte(octets[3])})
	port := uint16(octets[4])<<8 | uint16(octets[5])

	// The data target must match the control connection peer; anything
	// else is a bounce attack.
	if ip != s.peerAddr.Addr().Unmap() {
		s.reply(500, "Illegal PORT command.")
		return outcomeContinue
	}

	s.clearDataTargets()
	s.portTarget = netip.AddrPortFrom(ip, port)
	s.portSet = true
	s.reply(200, "PORT command successful.")
	return outcomeContinue
}

func (s *session) handlePASV(_ string) verbOutcome {
	s.clearDataTargets()

	ln, addr, err := s.server.allocPassiveListener(s.localAddr.Addr())
	if err != nil {
		s.server.logger.Warn("passive listener failed",
			"session", s.index,
			"session_id", s.id,
			"error", err,
		)
		s.reply(520, "Can't open passive connection.")
		return outcomeContinue
	}
	s.pasv = ln

	ip := s.localAddr.Addr().Unmap().As4()
	port := addr.Port()
	s.replyf(227, "Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xFF)
	return outcomeContinue
}

func (s *session) handleREST(arg string) verbOutcome {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart offset.")
		return outcomeContinue
	}
	s.restartMarker = offset
	s.replyf(350, "Restarting at %d. Send STOR or RETR to initiate transfer.", offset)
	return outcomeContinue
}

func (s *session) handleALLO(_ string) verbOutcome {
	s.reply(202, "Command not implemented, superfluous at this site.")
	return outcomeContinue
}

func (s *session) handleABOR(_ string) verbOutcome {
	// Commands are never dispatched while a transfer is in flight, so
	// by the time an ABOR reaches here there is nothing left to abort.
	s.reply(225, "No transfer to abort.")
	return outcomeContinue
}

func (s *session) handleRETR(arg string) verbOutcome {
	path := s.resolve(arg)
	file, err := s.server.fs.OpenRead(path)
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}

	if s.restartMarker > 0 {
		if _, err := file.Seek(s.restartMarker, io.SeekStart); err != nil {
			file.Close()
			s.reply(550, "Restart position not valid for this file.")
			return outcomeContinue
		}
	}

	s.startFileSend("RETR", path, file)
	return outcomeContinue
}

func (s *session) handleSTOR(arg string) verbOutcome {
	path := s.resolve(arg)

	mode := vfs.Truncate
	if s.restartMarker > 0 {
		mode = vfs.Overwrite
	}

	file, err := s.server.fs.OpenWrite(path, mode)
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}

	if s.restartMarker > 0 {
		if _, err := file.Seek(s.restartMarker, io.SeekStart); err != nil {
			file.Close()
			s.reply(550, "Restart position not valid for this file.")
			return outcomeContinue
		}
	}

	s.startFileRecv("STOR", path, file)
	return outcomeContinue
}

func (s *session) handleAPPE(arg string) verbOutcome {
	path := s.resolve(arg)
	file, err := s.server.fs.OpenWrite(path, vfs.Append)
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.startFileRecv("APPE", path, file)
	return outcomeContinue
}

func (s *session) handleLIST(arg string) verbOutcome {
	return s.startListing("LIST", arg, false)
}

func (s *session) handleNLST(arg string) verbOutcome {
	return s.startListing("NLST", arg, true)
}

func (s *session) startListing(verb, arg string, nameOnly bool) verbOutcome {
	path := s.resolve(arg)
	iter, err := s.server.fs.OpenDir(path)
	if err != nil && strings.HasPrefix(arg, "-") {
		// Work around clients that believe LIST -a or LIST -l is
		// valid: drop the flag token and retry.
		flag, rest, _ := strings.Cut(arg, " ")
		switch flag {
		case "-a", "-l", "-al", "-la":
			return s.startListing(verb, rest, nameOnly)
		}
	}
	if err != nil && vfs.IsNotDir(err) {
		// Listing a plain file yields a single entry.
		if info, serr := s.server.fs.Stat(path); serr == nil {
			iter, err = vfs.SingleEntry(info), nil
		}
	}
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}

	s.startDirSend(verb, path, iter, nameOnly)
	return outcomeContinue
}
