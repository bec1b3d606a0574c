// Package transport implements the buffered, timeout-bounded TCP/UDP socket
// handle that the rest of this daemon builds on: peek/read into a
// compacting receive buffer (TCP only), fire-and-forget send/sendto, and a
// reconnect-with-retry helper for the scan data channel.
//
// It is built directly on raw sockets (golang.org/x/sys/unix) instead of
// net.Conn because peek/fill_buffer need a contiguous, non-consuming view
// of buffered bytes and a receive-timeout that applies per syscall, which
// net.Conn's read-only-consumes-and-blocks-per-deadline model cannot give
// without an extra buffering layer of its own.
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind selects the socket family a Conn wraps.
type Kind int

const (
	UDP Kind = iota
	TCP
)

// recvBufSize is the fixed TCP receive buffer capacity (spec.md §4.1).
const recvBufSize = 2048

const reconnectAttempts = 3
const reconnectDelay = 25 * time.Millisecond

var (
	// ErrNotTCP is returned by TCP-only operations on a UDP Conn.
	ErrNotTCP = errors.New("operation requires a TCP connection")
	// ErrNotUDP is returned by UDP-only operations on a TCP Conn.
	ErrNotUDP = errors.New("operation requires a UDP connection")
	// ErrPeekTooLarge is returned when peek/read/fill_buffer request more
	// bytes than the fixed receive buffer can ever hold.
	ErrPeekTooLarge = errors.New("requested size exceeds receive buffer capacity")
	// ErrNotConnected is returned by operations needing an open socket.
	ErrNotConnected = errors.New("connection is not open")
)

// Conn is a buffered, timeout-bounded UDP or TCP socket handle.
type Conn struct {
	kind      Kind
	fd        int
	open      bool
	connected bool
	timeout   time.Duration
	localPort int // 0 if unbound
	destIP    string
	destPort  int

	// TCP-only compacting receive buffer.
	buf      []byte
	bufStart int
	bufEnd   int

	// UDP-only: peer of the last datagram delivered by Receive.
	lastPeerIP   string
	lastPeerPort int
}

// Open creates a new socket of the given kind with send/receive timeouts
// set to timeout and address reuse enabled.
func Open(kind Kind, timeout time.Duration) (*Conn, error) {
	c := &Conn{kind: kind, timeout: timeout}
	if err := c.openSocket(); err != nil {
		return nil, err
	}
	if kind == TCP {
		c.buf = make([]byte, recvBufSize)
	}
	return c, nil
}

func (c *Conn) openSocket() error {
	typ := unix.SOCK_DGRAM
	proto := unix.IPPROTO_UDP
	if c.kind == TCP {
		typ = unix.SOCK_STREAM
		proto = unix.IPPROTO_TCP
	}
	fd, err := unix.Socket(unix.AF_INET, typ, proto)
	if err != nil {
		return errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	tv := unix.NsecToTimeval(c.timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "setsockopt SO_RCVTIMEO")
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "setsockopt SO_SNDTIMEO")
	}
	c.fd = fd
	c.open = true
	c.connected = false
	c.bufStart, c.bufEnd = 0, 0
	return nil
}

// Bind binds the socket to 0.0.0.0:localPort.
func (c *Conn) Bind(localPort int) error {
	if !c.open {
		return ErrNotConnected
	}
	sa := &unix.SockaddrInet4{Port: localPort}
	if err := unix.Bind(c.fd, sa); err != nil {
		return errors.Wrapf(err, "bind to port %d", localPort)
	}
	c.localPort = localPort
	return nil
}

// Reconnect is TCP-only: it closes the current socket if open, recreates
// it, rebinds to the previously-bound local port (if any), and attempts
// connect up to 3 times with a short delay between attempts.
func (c *Conn) Reconnect(destIP string, destPort int) error {
	if c.kind != TCP {
		return ErrNotTCP
	}
	if c.open {
		unix.Close(c.fd)
		c.open = false
		c.connected = false
	}
	if err := c.openSocket(); err != nil {
		return err
	}
	if c.localPort != 0 {
		if err := c.Bind(c.localPort); err != nil {
			return err
		}
	}

	ip := net.ParseIP(destIP)
	if ip == nil || ip.To4() == nil {
		return errors.Errorf("invalid IPv4 address %q", destIP)
	}
	var addr [4]byte
	copy(addr[:], ip.To4())
	sa := &unix.SockaddrInet4{Port: destPort, Addr: addr}

	var lastErr error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(reconnectDelay)
		}
		lastErr = unix.Connect(c.fd, sa)
		if lastErr == nil {
			c.connected = true
			c.destIP = destIP
			c.destPort = destPort
			c.bufStart, c.bufEnd = 0, 0
			return nil
		}
	}
	return errors.Wrapf(lastErr, "connect to %s:%d after %d attempts", destIP, destPort, reconnectAttempts)
}

// SendTo sends a single UDP datagram to the given address.
func (c *Conn) SendTo(buf []byte, ip string, port int) error {
	if c.kind != UDP {
		return ErrNotUDP
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return errors.Errorf("invalid IPv4 address %q", ip)
	}
	var addr [4]byte
	copy(addr[:], parsed.To4())
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	for {
		err := unix.Sendto(c.fd, buf, 0, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "sendto %s:%d", ip, port)
		}
		return nil
	}
}

// Send writes buf as a single datagram (UDP) or to the stream (TCP),
// retrying transparently on EINTR.
func (c *Conn) Send(buf []byte) (int, error) {
	if !c.open {
		return 0, ErrNotConnected
	}
	for {
		n, err := unix.Write(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, errors.Wrap(err, "send")
		}
		return n, nil
	}
}

// pollEvents polls the raw fd for readability, returning the poll() revents
// mask (non-negative) or a negative value mapped from err on failure.
func (c *Conn) pollEvents(timeout time.Duration) (int, error) {
	if !c.open {
		return -1, ErrNotConnected
	}
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, errors.Wrap(err, "poll")
		}
		if n == 0 {
			return 0, nil
		}
		return int(fds[0].Revents), nil
	}
}

// Poll blocks until the socket is readable, the timeout elapses, or an
// error occurs. It returns the poll() event mask (0 on timeout).
func (c *Conn) Poll(timeout time.Duration) (int, error) {
	return c.pollEvents(timeout)
}

// Receive reads at most len(buf) bytes. For UDP it also records the sender,
// retrievable via LastPeer.
func (c *Conn) Receive(buf []byte) (int, error) {
	if !c.open {
		return 0, ErrNotConnected
	}
	if c.kind == UDP {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			return 0, errors.Wrap(err, "recvfrom")
		}
		if sa4, ok := from.(*unix.SockaddrInet4); ok {
			c.lastPeerIP = net.IP(sa4.Addr[:]).String()
			c.lastPeerPort = sa4.Port
		}
		return n, nil
	}
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return 0, errors.Wrap(err, "read")
	}
	return n, nil
}

// LastPeer returns the sender of the most recent datagram delivered through
// Receive (UDP only).
func (c *Conn) LastPeer() (ip string, port int) {
	return c.lastPeerIP, c.lastPeerPort
}

// buffered returns the number of unread bytes currently held in buf.
func (c *Conn) buffered() int {
	return c.bufEnd - c.bufStart
}

// Buffered reports how many TCP bytes are already sitting in the receive
// buffer, unconsumed. Callers that need to drain exactly what has arrived
// so far (rather than wait for a fixed amount) use this before Read.
func (c *Conn) Buffered() int {
	return c.buffered()
}

// compact moves unread bytes to offset 0 when the tail lacks room for a
// fresh read.
func (c *Conn) compact() {
	if c.bufStart == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.bufStart:c.bufEnd])
	c.bufStart = 0
	c.bufEnd = n
}

// ensureBuffered makes at least n bytes available in the receive buffer by
// reading from the socket, compacting first if the tail has insufficient
// room. It does not block beyond whatever the socket's receive timeout
// allows on a single underlying read.
func (c *Conn) ensureBuffered(n int) error {
	if n > len(c.buf) {
		return ErrPeekTooLarge
	}
	for c.buffered() < n {
		if len(c.buf)-c.bufEnd < n-c.buffered() {
			c.compact()
		}
		count, err := unix.Read(c.fd, c.buf[c.bufEnd:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
		if count == 0 {
			return errors.New("connection closed by peer")
		}
		c.bufEnd += count
	}
	return nil
}

// Peek ensures at least n bytes are buffered and returns them without
// consuming them. TCP only.
func (c *Conn) Peek(n int) ([]byte, error) {
	if c.kind != TCP {
		return nil, ErrNotTCP
	}
	if err := c.ensureBuffered(n); err != nil {
		return nil, err
	}
	return c.buf[c.bufStart : c.bufStart+n], nil
}

// Read is like Peek but advances the read cursor past the returned bytes.
// TCP only.
func (c *Conn) Read(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err != nil {
		return nil, err
	}
	c.bufStart += n
	return b, nil
}

// FillBuffer returns immediately if at least n bytes are already buffered;
// otherwise it polls once for up to timeout and then peeks the deficit.
// TCP only.
func (c *Conn) FillBuffer(n int, timeout time.Duration) error {
	if c.kind != TCP {
		return ErrNotTCP
	}
	if c.buffered() >= n {
		return nil
	}
	events, err := c.pollEvents(timeout)
	if err != nil {
		return err
	}
	if events == 0 {
		return errors.New("timed out waiting for data")
	}
	if events&(unix.POLLERR|unix.POLLHUP) != 0 && events&unix.POLLIN == 0 {
		return errors.New("socket error while waiting for data")
	}
	_, err = c.Peek(n)
	return err
}

func sockaddrIP(sa unix.Sockaddr) string {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.IP(sa4.Addr[:]).String()
	}
	return ""
}

// LocalIP returns the printable IPv4 address of the local endpoint.
func (c *Conn) LocalIP() (string, error) {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return "", errors.Wrap(err, "getsockname")
	}
	return sockaddrIP(sa), nil
}

// ClientIP returns the printable IPv4 address of the connected peer (TCP).
func (c *Conn) ClientIP() (string, error) {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return "", errors.Wrap(err, "getpeername")
	}
	return sockaddrIP(sa), nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.connected = false
	return unix.Close(c.fd)
}

// Connected reports whether a TCP connect has succeeded and not since been
// closed by Reconnect/Close.
func (c *Conn) Connected() bool {
	return c.connected
}
