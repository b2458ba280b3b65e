package peerdial

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/opd-ai/peerdial/admission"
	"github.com/opd-ai/peerdial/dispatch"
	"github.com/opd-ai/peerdial/network"
	"github.com/opd-ai/peerdial/proxy"
	"github.com/opd-ai/peerdial/sockets"
	"github.com/sirupsen/logrus"
)

// Node wires the outbound and inbound halves of the connection layer from
// one Options value.
type Node struct {
	options *Options

	// Sockets connects outbound, with the DNS resolver and the WebSocket
	// connector registered
	Sockets *sockets.Manager

	// Dispatcher routes inbound connections by their first word
	Dispatcher *dispatch.Dispatcher

	// Server accepts inbound connections for Dispatcher
	Server *dispatch.Server
}

// New creates a node from options. A nil options uses NewOptions.
// tlsConfig, which may be nil, serves the TLS connect types and inbound TLS
// upgrades.
func New(options *Options, tlsConfig *tls.Config) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	classifier := network.NewClassifier()

	var controller admission.Controller
	if options.Connect.MaxConnecting == 0 {
		controller = admission.NewUnbounded(options)
	} else {
		controller = admission.NewBounded(options.Connect.MaxConnecting, options)
	}

	mgr := sockets.NewManager(sockets.Config{
		Controller:     controller,
		Proxy:          proxy.NewManager(options, classifier),
		Binds:          options,
		TLSConfig:      tlsConfig,
		ConnectTimeout: options.Connect.Timeout,
	})
	mgr.RegisterResolver(network.NewDNSResolver(options.Connect.DNSServers...))
	mgr.RegisterConnector(network.NewWebSocketConnector())

	d := dispatch.NewDispatcher(options, classifier)
	srv := dispatch.NewServer(d)
	srv.ProxyProtocol = options.Inbound.ProxyProtocol
	srv.Limiter = dispatch.NewRateLimiter(options.Inbound.AcceptRate, options.Inbound.AcceptBurst)
	if options.Inbound.AllowTLS {
		srv.TLSConfig = tlsConfig
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"max_connecting": controller.MaxAllowed(),
		"proxy_type":     options.ProxyType(),
		"connect_type":   options.ConnectType().String(),
	}).Info("Node created")

	return &Node{
		options:    options,
		Sockets:    mgr,
		Dispatcher: d,
		Server:     srv,
	}, nil
}

// Options returns the options the node reads its settings from.
func (n *Node) Options() *Options {
	return n.options
}

// Dial connects to address, which may be "ip:port", "host:port" or a ws://
// URL, using the configured connect type.
func (n *Node) Dial(ctx context.Context, address string) (net.Conn, error) {
	addr, err := network.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return n.Sockets.DialAddr(ctx, addr, n.options.ConnectType())
}

// ListenAndServe listens on the configured inbound address and serves
// connections with the blocking front end until ctx is done.
func (n *Node) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.options.Inbound.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.options.Inbound.Listen, err)
	}
	return n.Server.Serve(ctx, ln)
}
