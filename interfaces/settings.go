package interfaces

import (
	"net"
	"time"
)

// ProxySettings supplies the outbound proxy configuration.
type ProxySettings interface {
	// ProxyType returns "none", "socks4", "socks5" or "http"
	ProxyType() string

	// ProxyHost returns the proxy host name or IP
	ProxyHost() string

	// ProxyPort returns the proxy TCP port
	ProxyPort() int

	// ProxyUsername returns the username, empty for none
	ProxyUsername() string

	// ProxyPassword returns the password, empty for none
	ProxyPassword() string

	// ProxyPrivate reports whether private and loopback targets are proxied too
	ProxyPrivate() bool
}

// BindSettings supplies the local address outbound sockets bind to.
type BindSettings interface {
	// BindAddr returns the local address to bind, or nil for none
	BindAddr() net.Addr

	// BindFailed reports that addr could not be bound
	BindFailed(addr net.Addr, err error)
}

// InboundSettings supplies the inbound dispatcher policy.
type InboundSettings interface {
	// LocalIsPrivate reports whether loopback peers are refused by
	// handlers that are not local-only
	LocalIsPrivate() bool

	// AllowTLS reports whether unknown words may start a TLS upgrade
	AllowTLS() bool

	// WordReadTimeout bounds how long a front end waits for the first word
	WordReadTimeout() time.Duration
}

// AddressClassifier classifies peer and target addresses.
type AddressClassifier interface {
	// IsLoopback reports whether addr is on this host
	IsLoopback(addr net.Addr) bool

	// IsPrivate reports whether addr is loopback, link-local or in a
	// private range
	IsPrivate(addr net.Addr) bool
}

// ConnectionAcceptor receives inbound connections for the words it is
// registered under.
type ConnectionAcceptor interface {
	AcceptConnection(word string, conn net.Conn)
}

// AcceptorFunc adapts a function to ConnectionAcceptor.
type AcceptorFunc func(word string, conn net.Conn)

// AcceptConnection calls f.
func (f AcceptorFunc) AcceptConnection(word string, conn net.Conn) {
	f(word, conn)
}
