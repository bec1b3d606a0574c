package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUDPSendReceiveRoundTrip(t *testing.T) {
	server, err := Open(UDP, time.Second)
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.Bind(0))
	serverPort := boundPort(t, server)

	client, err := Open(UDP, time.Second)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Bind(0))

	require.NoError(t, client.SendTo([]byte("hello"), "127.0.0.1", serverPort))

	buf := make([]byte, 64)
	n, err := server.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	ip, _ := server.LastPeer()
	assert.Equal(t, "127.0.0.1", ip)
}

func TestUDPSendRejectedOnTCPConn(t *testing.T) {
	c, err := Open(TCP, time.Second)
	require.NoError(t, err)
	defer c.Close()
	err = c.SendTo([]byte("x"), "127.0.0.1", 1)
	assert.ErrorIs(t, err, ErrNotUDP)
}

func TestPeekDoesNotConsume(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	_, err := client.Send([]byte("abcdef"))
	require.NoError(t, err)

	require.NoError(t, server.FillBuffer(6, time.Second))
	peeked, err := server.Peek(3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(peeked))

	read, err := server.Read(3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(read))

	rest, err := server.Read(3)
	require.NoError(t, err)
	assert.Equal(t, "def", string(rest))
}

func TestPeekRejectsOversizedRequest(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	_, err := server.Peek(recvBufSize + 1)
	assert.ErrorIs(t, err, ErrPeekTooLarge)
}

func TestFillBufferTimesOutWithoutData(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	err := server.FillBuffer(4, 50*time.Millisecond)
	assert.Error(t, err)
}

// boundPort reads back the ephemeral port the kernel assigned to c's socket
// after a Bind(0).
func boundPort(t *testing.T, c *Conn) int {
	t.Helper()
	sa, err := unix.Getsockname(c.fd)
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return sa4.Port
}

// tcpPair sets up a raw loopback TCP listener (test-only, since the daemon
// itself never accepts inbound scan-data connections) and returns the
// accepted and dialing ends as connected *Conn values.
func tcpPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	require.NoError(t, unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0}))
	require.NoError(t, unix.Listen(lfd, 1))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	client, err := Open(TCP, time.Second)
	require.NoError(t, err)

	type acceptResult struct {
		fd  int
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		fd, _, err := unix.Accept(lfd)
		accepted <- acceptResult{fd, err}
	}()

	require.NoError(t, client.Reconnect("127.0.0.1", port))

	res := <-accepted
	require.NoError(t, res.err)
	unix.Close(lfd)

	tv := unix.NsecToTimeval(time.Second.Nanoseconds())
	unix.SetsockoptTimeval(res.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	unix.SetsockoptTimeval(res.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)

	server := &Conn{
		kind:      TCP,
		fd:        res.fd,
		open:      true,
		connected: true,
		timeout:   time.Second,
		buf:       make([]byte, recvBufSize),
	}
	return server, client
}
