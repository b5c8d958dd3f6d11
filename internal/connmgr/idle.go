package connmgr

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// IdleConn pushes its read and write deadlines forward on every call, so a
// leg only times out when it makes no progress for the timeout.
type IdleConn struct {
	net.Conn
	timeout    time.Duration
	lastActive atomic.Int64
	peer       *IdleConn
}

// WithIdleTimeout wraps c; a non-positive timeout returns c unchanged.
func WithIdleTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	ic := &IdleConn{Conn: c, timeout: timeout}
	ic.touch()
	return ic
}

// Pair links the two legs of a tunnel. A read that times out on one leg is
// retried while the other leg has made progress within its own timeout, so
// the tunnel is only torn down once both legs have gone quiet. Pair must be
// called before either leg is used concurrently; legs without an idle
// timeout are left unpaired.
func Pair(a, b net.Conn) {
	x, ok := a.(*IdleConn)
	if !ok {
		return
	}
	y, ok := b.(*IdleConn)
	if !ok {
		return
	}
	x.peer, y.peer = y, x
}

func (c *IdleConn) Read(b []byte) (int, error) {
	for {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
		n, err := c.Conn.Read(b)
		if n > 0 {
			c.touch()
		}
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) && c.peer.active() {
			continue
		}
		return n, err
	}
}

func (c *IdleConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Unwrap returns the underlying connection.
func (c *IdleConn) Unwrap() net.Conn {
	return c.Conn
}

func (c *IdleConn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *IdleConn) active() bool {
	if c == nil {
		return false
	}
	return time.Since(time.Unix(0, c.lastActive.Load())) < c.timeout
}
