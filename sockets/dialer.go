package sockets

import (
	"context"
	"fmt"
	"net"

	"github.com/opd-ai/peerdial/network"
	"github.com/opd-ai/peerdial/socket"
	xproxy "golang.org/x/net/proxy"
)

// Dial connects to address. See DialContext.
func (m *Manager) Dial(network, address string) (net.Conn, error) {
	return m.DialContext(context.Background(), network, address)
}

// DialContext connects to address, which may be "ip:port", "host:port" or a
// ws:// URL, and blocks until the stream is ready. Only TCP networks are
// supported.
func (m *Manager) DialContext(ctx context.Context, netw, address string) (net.Conn, error) {
	switch netw {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnconnectable, netw)
	}
	addr, err := network.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	return m.DialAddr(ctx, addr, socket.ConnectPlain)
}

// DialAddr connects to addr with connect type ct and blocks until the
// stream is ready.
func (m *Manager) DialAddr(ctx context.Context, addr net.Addr, ct socket.ConnectType) (net.Conn, error) {
	resolved, err := m.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	if isIPEndpoint(resolved) {
		return m.Connect(ctx, nil, nil, resolved, 0, nil, ct)
	}

	c := m.connectorFor(resolved)
	if c == nil {
		return nil, fmt.Errorf("%w: %s address %s", ErrUnconnectable, resolved.Network(), resolved)
	}
	obs := socket.NewChanObserver()
	if _, err := c.Connect(ctx, resolved, obs); err != nil {
		return nil, err
	}
	r, err := obs.Wait(ctx)
	if err != nil {
		// close a stream that arrives after the caller gave up
		go func() {
			if late := <-obs.Results(); late.Conn != nil {
				late.Conn.Close()
			}
		}()
		return nil, err
	}
	switch r.Outcome {
	case socket.OutcomeConnected:
		return r.Conn, nil
	case socket.OutcomeFailed:
		return nil, r.Err
	}
	return nil, socket.ErrCancelled
}

var (
	_ xproxy.Dialer        = (*Manager)(nil)
	_ xproxy.ContextDialer = (*Manager)(nil)
)
