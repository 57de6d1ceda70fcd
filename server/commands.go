package server

import "strings"

// verbOutcome is what a handler tells the dispatcher to do next.
type verbOutcome int

const (
	// outcomeContinue keeps the session alive.
	outcomeContinue verbOutcome = iota
	// outcomeQuit ends the session after the reply drains.
	outcomeQuit
	// outcomeFatal ends the session immediately.
	outcomeFatal
)

// commandHandlers maps FTP verbs to their handler functions. The RFC
// 775 X* variants alias their modern counterparts.
var commandHandlers map[string]func(*session, string) verbOutcome

func init() {
	commandHandlers = map[string]func(*session, string) verbOutcome{
		// Access control
		"USER": (*session).handleUSER,
		"PASS": (*session).handlePASS,
		"REIN": (*session).handleREIN,
		"QUIT": (*session).handleQUIT,

		// File management
		"CWD":  (*session).handleCWD,
		"XCWD": (*session).handleCWD,
		"CDUP": (*session).handleCDUP,
		"XCUP": (*session).handleCDUP,
		"PWD":  (*session).handlePWD,
		"XPWD": (*session).handlePWD,
		"MKD":  (*session).handleMKD,
		"XMKD": (*session).handleMKD,
		"RMD":  (*session).handleRMD,
		"XRMD": (*session).handleRMD,
		"DELE": (*session).handleDELE,
		"RNFR": (*session).handleRNFR,
		"RNTO": (*session).handleRNTO,

		// Transfer parameters
		"TYPE": (*session).handleTYPE,
		"MODE": (*session).handleMODE,
		"STRU": (*session).handleSTRU,
		"PORT": (*session).handlePORT,
		"PASV": (*session).handlePASV,
		"REST": (*session).handleREST,
		"ALLO": (*session).handleALLO,

		// Transfers
		"RETR": (*session).handleRETR,
		"STOR": (*session).handleSTOR,
		"APPE": (*session).handleAPPE,
		"LIST": (*session).handleLIST,
		"NLST": (*session).handleNLST,
		"ABOR": (*session).handleABOR,

		// Information
		"SIZE": (*session).handleSIZE,
		"MDTM": (*session).handleMDTM,
		"FEAT": (*session).handleFEAT,
		"OPTS": (*session).handleOPTS,
		"NOOP": (*session).handleNOOP,
		"SYST": (*session).handleSYST,
		"STAT": (*session).handleSTAT,
		"HELP": (*session).handleHELP,
		"SITE": (*session).handleSITE,
	}
}

// preAuthVerbs are the only commands honored before PASS succeeds.
var preAuthVerbs = map[string]bool{
	"USER": true,
	"PASS": true,
	"QUIT": true,
	"REIN": true,
	"FEAT": true,
	"OPTS": true,
	"NOOP": true,
}

// dispatch parses one command line and runs its handler.
func (s *session) dispatch(line string) {
	verb, args := parseCommand(line)
	if verb == "" {
		return
	}

	logArg := args
	if verb == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session", s.index,
		"session_id", s.id,
		"remote_ip", s.peerAddr.Addr().String(),
		"user", s.user,
		"cmd", verb,
		"arg", logArg,
	)

	if !s.authenticated && !preAuthVerbs[verb] {
		s.reply(530, "Please login with USER and PASS.")
		return
	}

	// A pending rename survives exactly one command: the RNTO that
	// consumes it.
	if verb != "RNFR" && verb != "RNTO" {
		s.pendingRename = ""
	}

	outcome := outcomeContinue
	handler, ok := commandHandlers[verb]
	if !ok {
		s.replyf(502, "Command %q not implemented.", strings.ToUpper(verb))
	} else {
		outcome = handler(s, args)
	}

	// The restart marker is consumed exactly once; every verb except
	// REST clears it, whether or not it used it.
	if verb != "REST" {
		s.restartMarker = 0
	}

	if s.server.metrics != nil {
		s.server.metrics.RecordCommand(verb, outcome != outcomeFatal)
	}

	switch outcome {
	case outcomeQuit:
		s.flushResponses()
		s.close()
	case outcomeFatal:
		s.close()
	}
}
