package server

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

func (s *session) handleUSER(user string) verbOutcome {
	s.user = user
	s.authenticated = false
	s.reply(331, "User name okay, need password.")
	return outcomeContinue
}

func (s *session) handlePASS(pass string) verbOutcome {
	if s.user == "" {
		s.reply(503, "Login with USER first.")
		return outcomeContinue
	}

	if !s.server.checkCredentials(s.user, pass) {
		s.server.logger.Warn("authentication_failed",
			"session", s.index,
			"session_id", s.id,
			"remote_ip", s.peerAddr.Addr().String(),
			"user", s.user,
		)
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication(false, s.user)
		}
		s.reply(530, "Login incorrect.")
		return outcomeContinue
	}

	s.authenticated = true
	s.server.logger.Info("authentication_success",
		"session", s.index,
		"session_id", s.id,
		"remote_ip", s.peerAddr.Addr().String(),
		"user", s.user,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(true, s.user)
	}
	s.reply(230, "User logged in, proceed.")
	return outcomeContinue
}

func (s *session) handleREIN(_ string) verbOutcome {
	s.resetForREIN()
	s.reply(220, s.server.cfg.WelcomeBanner)
	return outcomeContinue
}

func (s *session) handleQUIT(_ string) verbOutcome {
	s.reply(221, "Service closing control connection.")
	return outcomeQuit
}

// checkCredentials validates a login against the configured shared
// credentials. Anonymous users pass with any password when enabled; a
// configured bcrypt hash takes precedence over the plaintext password.
func (s *Server) checkCredentials(user, pass string) bool {
	cfg := &s.cfg

	if cfg.AnonymousOK && (user == "anonymous" || user == "ftp") {
		return true
	}
	if cfg.User != "" && user != cfg.User {
		return false
	}
	if cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(pass)) == nil
	}
	if cfg.Password == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) == 1
}
