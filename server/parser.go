package server

import "strings"

// parseCommand splits a command line into an upper-cased verb and its
// argument tail. The line has already been stripped of its CRLF. The
// split is at the first space; trailing spaces are trimmed from the
// verb only, never from the argument (paths may end in spaces).
func parseCommand(line string) (verb, args string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, args = line[:i], line[i+1:]
	} else {
		verb = line
	}
	verb = strings.ToUpper(strings.TrimRight(verb, " "))
	return verb, args
}

// splitSITE matches the leading token of a SITE argument against the
// SITE sub-vocabulary, returning the upper-cased subcommand and the
// remainder.
func splitSITE(args string) (sub, rest string) {
	sub, rest = parseCommand(args)
	return sub, rest
}
