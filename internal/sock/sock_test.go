package sock

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func newListener(t *testing.T) (*Socket, netip.AddrPort) {
	t.Helper()
	ln, err := NewTCP()
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	require.NoError(t, ln.SetReuseAddr(true))
	require.NoError(t, ln.Bind(netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, ln.Listen(4))

	addr, err := ln.LocalAddr()
	require.NoError(t, err)
	return ln, addr
}

func TestAcceptWouldBlock(t *testing.T) {
	ln, _ := newListener(t)

	_, _, err := ln.Accept()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestAcceptAndRead(t *testing.T) {
	ln, addr := newListener(t)

	peer, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer peer.Close()

	conn := waitAccept(t, ln)
	defer conn.Close()

	// Nothing sent yet; the non-blocking read reports would-block
	// instead of parking.
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	_, err = peer.Write([]byte("ping"))
	require.NoError(t, err)

	n := waitRead(t, conn, buf)
	assert.Equal(t, "ping", string(buf[:n]))

	// Peer half-close surfaces as a zero-byte read.
	require.NoError(t, peer.(*net.TCPConn).CloseWrite())
	for {
		n, err := conn.Read(buf)
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		assert.Zero(t, n)
		break
	}
}

func TestNonBlockingConnect(t *testing.T) {
	ln, addr := newListener(t)

	conn, err := NewTCP()
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect(addr)
	if err != nil {
		require.ErrorIs(t, err, ErrInProgress)

		// Poll for write readiness, then re-issue the connect;
		// EISCONN confirms completion.
		items := []PollItem{{Sock: conn, Events: EventOut}}
		n, perr := Poll(items, time.Second)
		require.NoError(t, perr)
		require.Equal(t, 1, n)

		err = conn.Connect(addr)
		if err != nil {
			require.ErrorIs(t, err, ErrAlreadyConnected)
		}
	}

	accepted := waitAccept(t, ln)
	accepted.Close()
}

func TestPollReadiness(t *testing.T) {
	ln, addr := newListener(t)

	items := []PollItem{{Sock: ln, Events: EventIn}}
	n, err := Poll(items, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	peer, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer peer.Close()

	items[0].Revents = 0
	n, err = Poll(items, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, items[0].Revents&EventIn)
}

func TestCloseIdempotent(t *testing.T) {
	s, err := NewTCP()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Valid())

	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func waitAccept(t *testing.T, ln *Socket) *Socket {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err := ln.Accept()
		if err == nil {
			return conn
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for accept")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitRead(t *testing.T, s *Socket, buf []byte) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.Read(buf)
		if err == nil {
			return n
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for data")
		}
		time.Sleep(time.Millisecond)
	}
}
