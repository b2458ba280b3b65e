package socket

import (
	"crypto/tls"
	"net"
	"sync"
)

const readChunk = 4096

// ConnChannel adapts any net.Conn to the Channel model. A pump goroutine runs
// only while a read handler is installed; it reads one chunk at a time and
// never reads ahead of what the handler has consumed, so bytes a handler
// leaves behind stay buffered and are served first by Conn.
//
// Writes block until complete, so WriteAvailable never returns short.
type ConnChannel struct {
	conn net.Conn

	mu          sync.Mutex
	cond        *sync.Cond
	buf         []byte
	err         error
	readHandler func()
	gen         uint64
	pumping     bool
	closed      bool
	detached    bool
	view        *channelConn
}

// NewConnChannel wraps conn.
func NewConnChannel(conn net.Conn) *ConnChannel {
	c := &ConnChannel{conn: conn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ReadAvailable copies buffered bytes into p.
func (c *ConnChannel) ReadAvailable(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		c.cond.Broadcast()
		return n, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	return 0, nil
}

// WriteAvailable writes all of p.
func (c *ConnChannel) WriteAvailable(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return c.conn.Write(p)
}

// SetReadHandler installs h and starts the pump if needed.
func (c *ConnChannel) SetReadHandler(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readHandler = h
	c.gen++
	c.cond.Broadcast()
	if h != nil && !c.pumping && !c.closed && !c.detached {
		c.pumping = true
		go c.pump()
	}
}

// SetWriteHandler runs h once on its own goroutine. The wrapped connection is
// always writable from the caller's point of view.
func (c *ConnChannel) SetWriteHandler(h func()) {
	if h != nil {
		go h()
	}
}

func (c *ConnChannel) pump() {
	tmp := make([]byte, readChunk)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.readHandler == nil || c.closed || c.detached {
			c.pumping = false
			c.cond.Broadcast()
			return
		}
		if len(c.buf) == 0 && c.err == nil {
			c.mu.Unlock()
			n, err := c.conn.Read(tmp)
			c.mu.Lock()
			c.buf = append(c.buf, tmp[:n]...)
			if err != nil {
				c.err = err
			}
			c.cond.Broadcast()
			continue
		}

		h, gen, before := c.readHandler, c.gen, len(c.buf)
		c.mu.Unlock()
		h()
		c.mu.Lock()

		if len(c.buf) == 0 && c.err != nil {
			// terminal error has been seen by the handler
			c.pumping = false
			c.cond.Broadcast()
			return
		}
		for len(c.buf) > 0 && len(c.buf) == before && c.gen == gen && !c.closed && !c.detached {
			c.cond.Wait()
		}
	}
}

// Conn returns the blocking view. It must only be read once no read handler
// is installed.
func (c *ConnChannel) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		c.view = &channelConn{Conn: c.conn, ch: c}
	}
	return c.view
}

// StartTLS detaches the channel and returns a new channel carrying the server
// side of a TLS session over the same connection. It must be called from the
// read handler.
func (c *ConnChannel) StartTLS(cfg *tls.Config, prefix []byte) (Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.detached = true
	c.readHandler = nil
	replay := append(append([]byte(nil), prefix...), c.buf...)
	c.buf = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	return NewConnChannel(tls.Server(NewPrefixConn(c.conn, replay), cfg)), nil
}

// Close closes the wrapped connection.
func (c *ConnChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.readHandler = nil
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *ConnChannel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *ConnChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// channelConn drains the channel buffer before reading the connection.
type channelConn struct {
	net.Conn
	ch *ConnChannel
}

func (v *channelConn) Read(p []byte) (int, error) {
	c := v.ch
	c.mu.Lock()
	for c.pumping && len(c.buf) == 0 && c.err == nil && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		c.cond.Broadcast()
		c.mu.Unlock()
		return n, nil
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.mu.Unlock()
	return v.Conn.Read(p)
}

func (v *channelConn) Close() error {
	return v.ch.Close()
}
