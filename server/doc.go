// Package server implements a compliant FTP server built around a
// single-threaded reactor.
//
// # Overview
//
// One poll loop owns the listening socket and every session. All
// sockets are non-blocking; the only place the server sleeps is the
// readiness poll at the top of each reactor iteration. Each session
// carries its own fixed command, response, and transfer buffers, so no
// buffer is allocated on the transfer path.
//
// # Getting Started
//
//	fsys, err := vfs.New(map[string]string{"/": "/srv/ftp"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(server.Config{Port: 2121}, fsys)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.Run())
//
// For graceful shutdown, call Shutdown from another goroutine; the
// reactor closes the listener, notifies every session with a 421 reply,
// and drains.
//
// # Protocol support
//
// RFC 959 core verbs plus the RFC 3659 SIZE, MDTM, and REST extensions.
// The FEAT response advertises UTF8. Directory listings use a classical
// Unix ls -l shape that FileZilla, WinSCP, and curl parse verbatim.
package server
