package server

import (
	"strings"

	"github.com/telmach/ftpd/internal/vfs"
)

func (s *session) handlePWD(_ string) verbOutcome {
	s.replyf(257, "%s is the current directory.", quotePath(s.cwd))
	return outcomeContinue
}

func (s *session) handleCWD(arg string) verbOutcome {
	next, err := s.server.fs.Chdir(s.cwd, arg)
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.cwd = next
	s.reply(250, "Directory successfully changed.")
	return outcomeContinue
}

func (s *session) handleCDUP(_ string) verbOutcome {
	return s.handleCWD("..")
}

func (s *session) handleMKD(arg string) verbOutcome {
	path := s.resolve(arg)
	if err := s.server.fs.Mkdir(path); err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.server.logger.Info("directory_created",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"path", path,
	)
	s.replyf(257, "%s created.", quotePath(path))
	return outcomeContinue
}

func (s *session) handleRMD(arg string) verbOutcome {
	path := s.resolve(arg)
	if err := s.server.fs.Rmdir(path); err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.server.logger.Info("directory_removed",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"path", path,
	)
	s.reply(250, "Directory removed.")
	return outcomeContinue
}

func (s *session) handleDELE(arg string) verbOutcome {
	path := s.resolve(arg)
	if err := s.server.fs.Unlink(path); err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.server.logger.Info("file_deleted",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"path", path,
	)
	s.reply(250, "File deleted.")
	return outcomeContinue
}

func (s *session) handleRNFR(arg string) verbOutcome {
	path := s.resolve(arg)
	if _, err := s.server.fs.Stat(path); err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.pendingRename = path
	s.reply(350, "Requested file action pending further information.")
	return outcomeContinue
}

func (s *session) handleRNTO(arg string) verbOutcome {
	if s.pendingRename == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return outcomeContinue
	}

	from := s.pendingRename
	s.pendingRename = ""

	to := s.resolve(arg)
	if err := s.server.fs.Rename(from, to); err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.server.logger.Info("file_renamed",
		"session", s.index,
		"session_id", s.id,
		"user", s.user,
		"from", from,
		"to", to,
	)
	s.reply(250, "Requested file action successful, file renamed.")
	return outcomeContinue
}

func (s *session) handleSIZE(arg string) verbOutcome {
	info, err := s.server.fs.Stat(s.resolve(arg))
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	if info.Kind != vfs.KindFile {
		s.reply(550, "Not a plain file.")
		return outcomeContinue
	}
	s.replyf(213, "%d", info.Size)
	return outcomeContinue
}

func (s *session) handleMDTM(arg string) verbOutcome {
	info, err := s.server.fs.Stat(s.resolve(arg))
	if err != nil {
		s.replyError(err)
		return outcomeContinue
	}
	s.reply(213, info.ModTime.UTC().Format("20060102150405"))
	return outcomeContinue
}

// quotePath wraps a path in double quotes for 257 replies, doubling any
// embedded quote characters per RFC 959.
func quotePath(path string) string {
	return `"` + strings.ReplaceAll(path, `"`, `""`) + `"`
}
