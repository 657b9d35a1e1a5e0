package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// maxFrameLen bounds a single length-prefixed frame so a corrupt
// length field cannot make the reader allocate unbounded memory.
const maxFrameLen = 1 << 20

// Conn is one accepted or dialed TCP connection, framed with a
// 4-byte big-endian length prefix per message, matching the framing
// discipline of the teacher's session reader (listener/session.go)
// adapted from its length-delimited MQTT codec to a raw byte frame.
type Conn struct {
	raw     net.Conn
	Inbound chan []byte
	Closed  chan struct{}
}

func newConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:     raw,
		Inbound: make(chan []byte, 16),
		Closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.Closed)
	defer close(c.Inbound)
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.raw, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > maxFrameLen {
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.raw, frame); err != nil {
			return
		}
		c.Inbound <- frame
	}
}

// Send writes one length-prefixed frame, blocking until delivered to
// the kernel socket buffer or the deadline below elapses.
func (c *Conn) Send(payload []byte) error {
	c.raw.SetWriteDeadline(time.Now().Add(5 * time.Second))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "tcp frame length write failed")
	}
	if _, err := c.raw.Write(payload); err != nil {
		return errors.Wrap(err, "tcp frame payload write failed")
	}
	return nil
}

// RemoteAddr reports the address of the peer at the other end.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close tears down the underlying socket; the read loop observes
// this as an error and closes Inbound and Closed.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Listener accepts incoming TCP connections in the background,
// delivering each accepted Conn on Accepted.
type Listener struct {
	ln       net.Listener
	Accepted chan *Conn
}

// ListenTCP opens a TCP listener bound to addr and starts its
// background accept loop, following the accept-loop/retry-backoff
// shape of transport.NewTCPTransport (transport/tcp.go) with the
// proxy-protocol wrapper dropped (O2 peers connect directly, never
// through a load balancer).
func ListenTCP(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tcp listener")
	}
	l := &Listener{ln: ln, Accepted: make(chan *Conn, 8)}
	go l.acceptLoop()
	return l, nil
}

// Addr reports the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	var backoff time.Duration
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				time.Sleep(backoff)
				continue
			}
			close(l.Accepted)
			return
		}
		backoff = 0
		l.Accepted <- newConn(c)
	}
}

// Dial opens an outbound connection to addr.
func Dial(addr string) (*Conn, error) {
	c, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "tcp dial failed")
	}
	return newConn(c), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
