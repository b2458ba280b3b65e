package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Dialer is the golang.org/x/net/proxy view of a Manager. It implements
// both proxy.Dialer and proxy.ContextDialer.
type Dialer struct {
	m       *Manager
	forward xproxy.Dialer
	timeout time.Duration
}

// Dialer returns a dialer that reaches targets through the configured proxy,
// using forward for the connection to the proxy itself. A nil forward uses
// proxy.Direct.
func (m *Manager) Dialer(forward xproxy.Dialer) *Dialer {
	if forward == nil {
		forward = xproxy.Direct
	}
	return &Dialer{m: m, forward: forward}
}

// WithTimeout returns a copy of d whose handshakes are bounded by timeout.
func (d *Dialer) WithTimeout(timeout time.Duration) *Dialer {
	c := *d
	c.timeout = timeout
	return &c
}

// Dial connects to addr through the proxy.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr through the proxy, or directly when the
// manager exempts the target.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnsupportedType, network)
	}

	target, err := targetAddr(addr)
	if err != nil {
		return nil, err
	}
	t := d.m.ProxyTypeFor(target)
	if t == TypeNone {
		return dialForward(ctx, d.forward, network, addr)
	}

	proxyAddr, err := d.m.ProxyAddr()
	if err != nil {
		return nil, err
	}
	conn, err := dialForward(ctx, d.forward, "tcp", proxyAddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}
	return d.m.Establish(ctx, t, conn, target, d.timeout)
}

func dialForward(ctx context.Context, forward xproxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := forward.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return forward.Dial(network, addr)
}

// targetAddr keeps IP literals as *net.TCPAddr and host names unresolved,
// so SOCKS5 and HTTP proxies resolve them remotely.
func targetAddr(addr string) (net.Addr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.ResolveTCPAddr("tcp", addr)
	}
	return hostAddr(net.JoinHostPort(host, port)), nil
}

// hostAddr is an unresolved host:port target.
type hostAddr string

func (h hostAddr) Network() string { return "tcp" }
func (h hostAddr) String() string  { return string(h) }

var (
	_ xproxy.Dialer        = (*Dialer)(nil)
	_ xproxy.ContextDialer = (*Dialer)(nil)
)
