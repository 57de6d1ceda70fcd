package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telmach/ftpd/internal/vfs"
)

// startServer runs a reactor on an ephemeral loopback port and tears
// it down with the test.
func startServer(t *testing.T, mutate func(*Config), mounts map[string]string) (netip.AddrPort, string) {
	t.Helper()

	root := t.TempDir()
	if mounts == nil {
		mounts = map[string]string{"/": root}
	}

	fsys, err := vfs.New(mounts)
	require.NoError(t, err)

	cfg := Config{
		BindAddress: netip.MustParseAddr("127.0.0.1"),
		AnonymousOK: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg, fsys)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	addr, err := srv.Addr()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(); err != nil && err != ErrServerClosed {
			t.Errorf("server stopped: %v", err)
		}
	}()

	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return addr, root
}

// testClient speaks just enough FTP for the scenarios below.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialFTP(t *testing.T, addr netip.AddrPort) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
	c.expect(220)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

// expect reads one (possibly multi-line) reply and asserts its code.
func (c *testClient) expect(code int) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err, "reading reply")
	require.GreaterOrEqual(c.t, len(line), 4, "short reply %q", line)

	got, err := strconv.Atoi(line[:3])
	require.NoError(c.t, err, "reply %q", line)

	if line[3] == '-' {
		terminator := line[:3] + " "
		for {
			next, err := c.br.ReadString('\n')
			require.NoError(c.t, err)
			line += next
			if strings.HasPrefix(next, terminator) {
				break
			}
		}
	}

	require.Equal(c.t, code, got, "unexpected reply %q", line)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) cmd(line string, code int) string {
	c.t.Helper()
	c.send(line)
	return c.expect(code)
}

func (c *testClient) login() {
	c.t.Helper()
	c.cmd("USER anonymous", 331)
	c.cmd("PASS x@y", 230)
}

// pasv issues PASV and returns the advertised data address.
func (c *testClient) pasv() netip.AddrPort {
	c.t.Helper()
	reply := c.cmd("PASV", 227)

	open := strings.IndexByte(reply, '(')
	closing := strings.IndexByte(reply, ')')
	require.True(c.t, open >= 0 && closing > open, "malformed PASV reply %q", reply)

	parts := strings.Split(reply[open+1:closing], ",")
	require.Len(c.t, parts, 6)

	var nums [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		require.NoError(c.t, err)
		nums[i] = v
	}
	ip := netip.AddrFrom4([4]byte{byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3])})
	return netip.AddrPortFrom(ip, uint16(nums[4])<<8|uint16(nums[5]))
}

func (c *testClient) dialData(addr netip.AddrPort) net.Conn {
	c.t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(c.t, err)
	return conn
}

func TestLoginFlow(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)

	reply := c.cmd("USER anonymous", 331)
	assert.Equal(t, "331 User name okay, need password.", reply)

	reply = c.cmd("PASS x@y", 230)
	assert.Equal(t, "230 User logged in, proceed.", reply)
}

func TestSharedPassword(t *testing.T) {
	addr, _ := startServer(t, func(cfg *Config) {
		cfg.AnonymousOK = false
		cfg.User = "admin"
		cfg.Password = "hunter2"
	}, nil)

	c := dialFTP(t, addr)
	c.cmd("USER admin", 331)
	c.cmd("PASS wrong", 530)
	c.cmd("USER admin", 331)
	c.cmd("PASS hunter2", 230)
}

func TestUnauthenticatedVerbsRejected(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)

	c.cmd("PWD", 530)
	c.cmd("LIST", 530)
	c.cmd("RETR x", 530)

	// The pre-auth whitelist still answers.
	c.cmd("NOOP", 200)
	c.cmd("FEAT", 211)
}

func TestTypeModeStruReplies(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	c.cmd("TYPE A", 200)
	c.cmd("TYPE A N", 200)
	c.cmd("TYPE I", 200)
	c.cmd("TYPE E", 501)
	c.cmd("MODE S", 200)
	c.cmd("MODE B", 501)
	c.cmd("STRU F", 200)
	c.cmd("STRU R", 504)
	c.cmd("ALLO 100", 202)
	c.cmd("BOGUS", 502)
}

func TestPwdCwdCdup(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.Mkdir(filepath.Join(root, "pub"), 0755))

	c := dialFTP(t, addr)
	c.login()

	reply := c.cmd("PWD", 257)
	assert.Contains(t, reply, `"/"`)

	c.cmd("CWD pub", 250)
	reply = c.cmd("PWD", 257)
	assert.Contains(t, reply, `"/pub"`)

	c.cmd("CDUP", 250)
	reply = c.cmd("PWD", 257)
	assert.Contains(t, reply, `"/"`)

	c.cmd("CWD missing", 550)
}

func TestListVirtualRoot(t *testing.T) {
	vol := t.TempDir()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0644))

	addr, _ := startServer(t, nil, map[string]string{
		"/":    root,
		"/vol": vol,
	})

	c := dialFTP(t, addr)
	c.login()

	data := c.dialData(c.pasv())
	c.cmd("LIST", 150)

	body, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	listing := string(body)
	assert.Contains(t, listing, "hello.txt")
	assert.Contains(t, listing, "vol")
	for _, line := range strings.Split(strings.TrimRight(listing, "\r\n"), "\r\n") {
		assert.Regexp(t, `^[d\-l][rwx\-]{9}  1 ftp ftp \d{10} `, line)
	}
}

func TestListSingleFile(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "only.txt"), []byte("abc"), 0644))

	c := dialFTP(t, addr)
	c.login()

	data := c.dialData(c.pasv())
	c.cmd("LIST only.txt", 150)
	body, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	assert.Contains(t, string(body), "only.txt")
	assert.Equal(t, 1, strings.Count(string(body), "\r\n"))
}

func TestNlstNamesOnly(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), nil, 0644))

	c := dialFTP(t, addr)
	c.login()

	data := c.dialData(c.pasv())
	c.cmd("NLST", 150)
	body, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	names := strings.Split(strings.TrimRight(string(body), "\r\n"), "\r\n")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestStorRetrRoundTrip(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB

	data := c.dialData(c.pasv())
	c.cmd("STOR blob.bin", 150)
	_, err := data.Write(payload)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	data = c.dialData(c.pasv())
	c.cmd("RETR blob.bin", 150)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	assert.True(t, bytes.Equal(payload, got), "round trip corrupted: %d vs %d bytes", len(payload), len(got))
}

func TestStorZeroBytes(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	data := c.dialData(c.pasv())
	c.cmd("STOR empty.bin", 150)
	data.Close()
	c.expect(226)

	st, err := os.Stat(filepath.Join(root, "empty.bin"))
	require.NoError(t, err)
	assert.Zero(t, st.Size())
}

func TestStorCreatesParents(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	data := c.dialData(c.pasv())
	c.cmd("STOR deep/nested/file.bin", 150)
	_, err := data.Write([]byte("x"))
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	_, err = os.Stat(filepath.Join(root, "deep", "nested", "file.bin"))
	assert.NoError(t, err)
}

func TestRestResume(t *testing.T) {
	addr, root := startServer(t, nil, nil)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), payload, 0644))

	c := dialFTP(t, addr)
	c.login()

	c.cmd("REST 1000", 350)
	data := c.dialData(c.pasv())
	c.cmd("RETR file", 150)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)

	require.Len(t, got, 24)
	assert.Equal(t, payload[1000:], got)
}

func TestRestAtEOF(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), make([]byte, 512), 0644))

	c := dialFTP(t, addr)
	c.login()

	c.cmd("REST 512", 350)
	data := c.dialData(c.pasv())
	c.cmd("RETR file", 150)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)
	assert.Empty(t, got)
}

func TestRestartMarkerConsumedOnce(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), make([]byte, 100), 0644))

	c := dialFTP(t, addr)
	c.login()

	// Any verb between REST and the transfer clears the marker.
	c.cmd("REST 90", 350)
	c.cmd("NOOP", 200)

	data := c.dialData(c.pasv())
	c.cmd("RETR file", 150)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	c.expect(226)
	assert.Len(t, got, 100)
}

func TestRenameSequence(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0644))

	c := dialFTP(t, addr)
	c.login()

	c.cmd("RNFR a", 350)
	c.cmd("RNTO b", 250)

	_, err := os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "b"))
	assert.NoError(t, err)

	// RNTO without a preceding RNFR is a sequence error.
	c.cmd("RNTO c", 503)

	// Any intervening command drops the pending rename.
	c.cmd("RNFR b", 350)
	c.cmd("NOOP", 200)
	c.cmd("RNTO d", 503)
}

func TestMkdRmdDele(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	c.cmd("MKD newdir", 257)
	st, err := os.Stat(filepath.Join(root, "newdir"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(root, "newdir", "x"), nil, 0644))

	// RMD refuses a non-empty directory rather than unlinking it.
	c.cmd("RMD newdir", 550)

	c.cmd("DELE newdir/x", 250)
	c.cmd("RMD newdir", 250)
	c.cmd("DELE missing", 550)
}

func TestSizeAndMdtm(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), make([]byte, 321), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0755))

	c := dialFTP(t, addr)
	c.login()

	reply := c.cmd("SIZE f", 213)
	assert.Equal(t, "213 321", reply)

	c.cmd("SIZE d", 550)
	c.cmd("SIZE missing", 550)

	reply = c.cmd("MDTM f", 213)
	assert.Regexp(t, `^213 \d{14}$`, reply)
}

func TestFeatAdvertisesUTF8(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)

	reply := c.cmd("FEAT", 211)
	assert.Contains(t, reply, "UTF8")

	c.cmd("OPTS UTF8 ON", 200)
	c.cmd("OPTS MLST Type", 502)
}

func TestReinResetsSession(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.Mkdir(filepath.Join(root, "pub"), 0755))

	c := dialFTP(t, addr)
	c.login()
	c.cmd("CWD pub", 250)

	c.cmd("REIN", 220)

	// Back to the pre-auth state: verbs gated again, cwd reset.
	c.cmd("PWD", 530)
	c.login()
	reply := c.cmd("PWD", 257)
	assert.Contains(t, reply, `"/"`)
}

func TestPasvReplacesPasv(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	first := c.pasv()
	second := c.pasv()

	// The first listener is released when the second PASV arrives.
	_, err := net.DialTimeout("tcp", first.String(), 500*time.Millisecond)
	assert.Error(t, err)

	data := c.dialData(second)
	c.cmd("LIST", 150)
	_, _ = io.ReadAll(data)
	data.Close()
	c.expect(226)
}

func TestTransferWithoutPortOrPasv(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	c := dialFTP(t, addr)
	c.login()
	c.cmd("RETR f", 503)
}

func TestMaxClientsRejected(t *testing.T) {
	addr, _ := startServer(t, func(cfg *Config) {
		cfg.MaxClients = 1
	}, nil)

	c := dialFTP(t, addr)
	c.login()

	// The second arrival is drained, refused with 421, and closed.
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "421 "), "got %q", line)

	_, err = br.ReadByte()
	assert.Equal(t, io.EOF, err)

	// The existing session is unaffected.
	c.cmd("NOOP", 200)
}

func TestQuitClosesConnection(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)

	c.cmd("QUIT", 221)

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestBareLFClosesSession(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)

	_, err := c.conn.Write([]byte("NOOP\n"))
	require.NoError(t, err)

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestOversizedCommandClosesSession(t *testing.T) {
	addr, _ := startServer(t, func(cfg *Config) {
		cfg.ControlBufferBytes = 64
	}, nil)
	c := dialFTP(t, addr)

	_, err := c.conn.Write(bytes.Repeat([]byte("A"), 100))
	require.NoError(t, err)

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.br.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestBoundaryCommandLength(t *testing.T) {
	addr, _ := startServer(t, func(cfg *Config) {
		cfg.ControlBufferBytes = 64
	}, nil)
	c := dialFTP(t, addr)

	// Exactly bufferSize-2 bytes of command plus CRLF is parsed.
	line := "NOOP " + strings.Repeat("x", 62-len("NOOP "))
	require.Len(t, line, 62)
	c.cmd(line, 200)
}

func TestReadOnlyMounts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	fsys, err := vfs.New(map[string]string{"/": root}, vfs.WithReadOnly(true))
	require.NoError(t, err)

	srv, err := New(Config{
		BindAddress: netip.MustParseAddr("127.0.0.1"),
		AnonymousOK: true,
	}, fsys)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	addr, err := srv.Addr()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { defer close(done); _ = srv.Run() }()
	t.Cleanup(func() {
		srv.Shutdown()
		<-done
	})

	c := dialFTP(t, addr)
	c.login()

	c.cmd("DELE f", 550)
	c.cmd("MKD d", 550)
	c.cmd("STOR g", 550)
}

func TestShutdownNotifiesSessions(t *testing.T) {
	root := t.TempDir()
	fsys, err := vfs.New(map[string]string{"/": root})
	require.NoError(t, err)

	srv, err := New(Config{
		BindAddress: netip.MustParseAddr("127.0.0.1"),
		AnonymousOK: true,
	}, fsys)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	addr, err := srv.Addr()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { defer close(done); _ = srv.Run() }()

	c := dialFTP(t, addr)
	c.cmd("NOOP", 200)

	srv.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.br.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "421 "), "got %q", line)
}

func TestActiveModePort(t *testing.T) {
	addr, root := startServer(t, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("active-mode"), 0644))

	c := dialFTP(t, addr)
	c.login()

	// Listen on a client-side port and ask the server to connect out.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	c.cmd(fmt.Sprintf("PORT 127,0,0,1,%d,%d", port>>8, port&0xFF), 200)

	type result struct {
		body []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			resCh <- result{nil, err}
			return
		}
		defer conn.Close()
		body, err := io.ReadAll(conn)
		resCh <- result{body, err}
	}()

	c.cmd("RETR f", 150)
	res := <-resCh
	require.NoError(t, res.err)
	c.expect(226)
	assert.Equal(t, "active-mode", string(res.body))
}

func TestPortRejectsThirdPartyTarget(t *testing.T) {
	addr, _ := startServer(t, nil, nil)
	c := dialFTP(t, addr)
	c.login()

	c.cmd("PORT 10,0,0,1,4,0", 500)
	c.cmd("PORT 1,2,3", 501)
	c.cmd("PORT a,b,c,d,e,f", 501)
}

func TestDataEstablishTimeout(t *testing.T) {
	addr, root := startServer(t, func(cfg *Config) {
		cfg.DataTimeout = 300 * time.Millisecond
	}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	c := dialFTP(t, addr)
	c.login()

	// Enter passive mode but never connect to the data port: the
	// establishment deadline fires and only the transfer dies.
	c.pasv()
	c.cmd("RETR f", 425)
	c.cmd("NOOP", 200)
}

func TestPassivePortRange(t *testing.T) {
	addr, _ := startServer(t, func(cfg *Config) {
		cfg.PassivePortMin = 45100
		cfg.PassivePortMax = 45110
	}, nil)

	c := dialFTP(t, addr)
	c.login()

	for i := 0; i < 3; i++ {
		p := c.pasv()
		assert.GreaterOrEqual(t, p.Port(), uint16(45100))
		assert.Less(t, p.Port(), uint16(45110))
	}
}
