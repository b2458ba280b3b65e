package socket

import (
	"net"
	"sync"
)

// PrefixConn replays bytes that were consumed from a connection before
// handing it to its owner.
type PrefixConn struct {
	net.Conn
	mu     sync.Mutex
	prefix []byte
}

// NewPrefixConn returns conn unchanged when prefix is empty.
func NewPrefixConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &PrefixConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

func (c *PrefixConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.Conn.Read(p)
}

// Buffered returns the number of replay bytes not yet read.
func (c *PrefixConn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prefix)
}
