package socket

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Socket is an unconnected-then-connected stream endpoint. Both socket models
// implement it: TCPSocket for the blocking model and reactor.Socket for the
// non-blocking one.
type Socket interface {
	net.Conn

	// Connect blocks until the socket is connected, the context is done or
	// the connect fails. local may be nil.
	Connect(ctx context.Context, local, remote net.Addr) error

	// ConnectAsync starts a connect and returns immediately. obs receives
	// exactly one Result. A zero timeout means no timeout.
	ConnectAsync(local, remote net.Addr, timeout time.Duration, obs ConnectObserver) error

	// OnShutdown registers f to run once when the socket is closed. If the
	// socket is already closed f runs immediately.
	OnShutdown(f func())

	// IsConnected reports whether the connect completed successfully.
	IsConnected() bool
}

// Factory creates unconnected sockets.
type Factory interface {
	NewSocket() (Socket, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Socket, error)

// NewSocket calls f.
func (f FactoryFunc) NewSocket() (Socket, error) {
	return f()
}

// Channel is the readiness-driven view of a connected stream used by the
// non-blocking executors and front ends.
//
// ReadAvailable returns (0, nil) when no data is buffered and the read would
// block, and io.EOF once the peer has closed and all data was consumed.
// Handlers run on the channel's event goroutine and must not block.
type Channel interface {
	ReadAvailable(p []byte) (int, error)
	WriteAvailable(p []byte) (int, error)

	// SetReadHandler installs h to be called when data may be readable.
	// A nil handler stops read notifications.
	SetReadHandler(h func())

	// SetWriteHandler installs h to be called when the channel may be
	// writable. A nil handler stops write notifications.
	SetWriteHandler(h func())

	// Conn returns a blocking net.Conn view of the channel. Bytes buffered
	// by the channel are returned first.
	Conn() net.Conn

	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// TLSUpgrader is implemented by channels that can become the server side of a
// TLS session. prefix holds bytes already consumed from the channel that
// belong to the ClientHello.
type TLSUpgrader interface {
	StartTLS(cfg *tls.Config, prefix []byte) (Channel, error)
}

// ChannelOf returns the readiness-driven view of conn, adapting it with a
// ConnChannel when it has none of its own.
func ChannelOf(conn net.Conn) Channel {
	if ch, ok := conn.(Channel); ok {
		return ch
	}
	return NewConnChannel(conn)
}
