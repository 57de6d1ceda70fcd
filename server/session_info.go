package server

import "strings"

func (s *session) handleFEAT(_ string) verbOutcome {
	s.replyMulti(211, "Features:", []string{
		"UTF8",
		"SIZE",
		"MDTM",
		"REST STREAM",
		"PASV",
	}, "End")
	return outcomeContinue
}

func (s *session) handleOPTS(arg string) verbOutcome {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "UTF8", "UTF8 ON":
		s.reply(200, "Always in UTF8 mode.")
	default:
		s.reply(502, "Option not implemented.")
	}
	return outcomeContinue
}

func (s *session) handleNOOP(_ string) verbOutcome {
	s.reply(200, "OK.")
	return outcomeContinue
}

func (s *session) handleSYST(_ string) verbOutcome {
	s.reply(215, "UNIX Type: L8")
	return outcomeContinue
}

func (s *session) handleSTAT(arg string) verbOutcome {
	if arg != "" {
		s.reply(502, "STAT with a path is not implemented. Use LIST instead.")
		return outcomeContinue
	}
	if s.authenticated {
		s.replyf(211, "Logged in as %s, working directory %s.", s.user, s.cwd)
	} else {
		s.reply(211, "Not logged in.")
	}
	return outcomeContinue
}

func (s *session) handleHELP(_ string) verbOutcome {
	s.reply(214, "Commands: USER PASS QUIT REIN NOOP CWD CDUP PWD MKD RMD DELE RNFR RNTO "+
		"TYPE MODE STRU PORT PASV REST ALLO ABOR RETR STOR APPE LIST NLST SIZE MDTM FEAT OPTS SYST STAT SITE")
	return outcomeContinue
}

func (s *session) handleSITE(arg string) verbOutcome {
	sub, _ := splitSITE(arg)
	switch sub {
	case "HELP":
		s.reply(214, "Available SITE commands: HELP")
	default:
		s.reply(504, "SITE command not supported.")
	}
	return outcomeContinue
}
