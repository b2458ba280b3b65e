package sockets

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/admission"
	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/limits"
	"github.com/opd-ai/peerdial/proxy"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnresolvable indicates an abstract address could not be resolved
	ErrUnresolvable = errors.New("address cannot be resolved")

	// ErrUnconnectable indicates no connector accepts an address
	ErrUnconnectable = errors.New("no connector for address")
)

// Resolver turns an abstract address into a more concrete one.
type Resolver interface {
	CanResolve(addr net.Addr) bool
	Resolve(ctx context.Context, addr net.Addr) (net.Addr, error)
}

// Connector connects addresses that are not IP endpoints. Connect reports
// to obs and returns the observer a caller can withdraw the request with.
type Connector interface {
	CanConnect(addr net.Addr) bool
	Connect(ctx context.Context, addr net.Addr, obs socket.ConnectObserver) (socket.ConnectObserver, error)
}

// Config holds the collaborators of a Manager. Zero fields take defaults.
type Config struct {
	// Controller admits connects; defaults to admission.NewBounded(0, Binds)
	Controller admission.Controller

	// Proxy decides and runs proxy handshakes; nil connects directly
	Proxy *proxy.Manager

	// Binds supplies the default local address
	Binds interfaces.BindSettings

	// Factory creates raw sockets; defaults to socket.TCPFactory
	Factory socket.Factory

	// TLSConfig is used by the TLS and SSL connect types
	TLSConfig *tls.Config

	// ConnectTimeout replaces a zero connect timeout; zero selects
	// limits.DefaultConnectTimeout
	ConnectTimeout time.Duration
}

// Manager is the single entry point for outbound connects.
type Manager struct {
	controller admission.Controller
	proxies    *proxy.Manager
	binds      interfaces.BindSettings
	factory    socket.Factory
	tlsConfig  *tls.Config
	timeout    time.Duration

	mu         sync.RWMutex
	resolvers  []Resolver
	connectors []Connector
}

// NewManager creates a facade from cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		controller: cfg.Controller,
		proxies:    cfg.Proxy,
		binds:      cfg.Binds,
		factory:    cfg.Factory,
		tlsConfig:  cfg.TLSConfig,
		timeout:    cfg.ConnectTimeout,
	}
	if m.controller == nil {
		m.controller = admission.NewBounded(0, cfg.Binds)
	}
	if m.proxies == nil {
		m.proxies = proxy.NewManager(nil, nil)
	}
	if m.factory == nil {
		m.factory = socket.TCPFactory
	}
	return m
}

// Connect connects to the IP endpoint remote, through the configured proxy
// when the target requires it, then applies the connect type ct.
//
// existing may supply the socket to connect; otherwise one is created. local
// defaults to the bind settings. timeout bounds the raw connect; a proxy
// handshake gets a bound of the same length. With a nil observer the call
// blocks and returns the ready stream. Otherwise it returns the unconnected
// socket and obs receives the ready stream in its Result.
func (m *Manager) Connect(ctx context.Context, existing socket.Socket, local, remote net.Addr, timeout time.Duration, obs socket.ConnectObserver, ct socket.ConnectType) (net.Conn, error) {
	if timeout == 0 {
		timeout = m.timeout
	}
	timeout = limits.ConnectTimeout(timeout)
	if local == nil && m.binds != nil {
		local = m.binds.BindAddr()
	}

	pt := m.proxies.ProxyTypeFor(remote)
	dialAddr := remote
	if pt != proxy.TypeNone {
		addr, err := m.proxies.ProxyAddr()
		if err != nil {
			return nil, err
		}
		dialAddr = addr
	}

	factory := m.factory
	if existing != nil {
		factory = socket.FactoryFunc(func() (socket.Socket, error) { return existing, nil })
	}
	strategy := socket.StrategyFor(ct, m.tlsConfig)
	serverName := socket.HostOf(remote)

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Connect",
		"remote":       remote.String(),
		"proxy_type":   pt.String(),
		"connect_type": ct.String(),
		"blocking":     obs == nil,
	}).Debug("Connecting")

	if obs == nil {
		s, err := m.controller.Connect(ctx, factory, dialAddr, local, timeout, nil)
		if err != nil {
			return nil, err
		}
		var conn net.Conn = s
		if pt != proxy.TypeNone {
			if conn, err = m.proxies.Establish(ctx, pt, s, remote, timeout); err != nil {
				return nil, err
			}
		}
		return strategy.Upgrade(ctx, conn, serverName)
	}

	chain := obs
	if ct != socket.ConnectPlain {
		chain = &upgradeObserver{strategy: strategy, serverName: serverName, timeout: timeout, inner: chain}
	}
	if pt != proxy.TypeNone {
		c, err := m.proxies.ConnectorFor(pt, chain, remote, timeout)
		if err != nil {
			return nil, err
		}
		chain = c
	}
	s, err := m.controller.Connect(ctx, factory, dialAddr, local, timeout, chain)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// upgradeObserver applies a connect type strategy to the stream before
// reporting it.
type upgradeObserver struct {
	strategy   socket.Strategy
	serverName string
	timeout    time.Duration
	inner      socket.ConnectObserver
}

func (o *upgradeObserver) HandleConnect(r socket.Result) {
	if r.Outcome != socket.OutcomeConnected {
		o.inner.HandleConnect(r)
		return
	}
	// the handshake blocks, so keep it off the caller's event goroutine
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		conn, err := o.strategy.Upgrade(ctx, r.Conn, o.serverName)
		if err != nil {
			o.inner.HandleConnect(socket.Failed(err))
			return
		}
		o.inner.HandleConnect(socket.Connected(conn))
	}()
}

func (o *upgradeObserver) Delegate() socket.ConnectObserver {
	return o.inner
}

// RegisterResolver appends r to the resolvers consulted for abstract
// addresses.
func (m *Manager) RegisterResolver(r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers = append(m.resolvers, r)
}

// RegisterConnector appends c to the connectors consulted for addresses
// that are not IP endpoints.
func (m *Manager) RegisterConnector(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors = append(m.connectors, c)
}

func (m *Manager) resolverFor(addr net.Addr) Resolver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.resolvers {
		if r.CanResolve(addr) {
			return r
		}
	}
	return nil
}

func (m *Manager) connectorFor(addr net.Addr) Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connectors {
		if c.CanConnect(addr) {
			return c
		}
	}
	return nil
}

// CanResolve reports whether a registered resolver claims addr.
func (m *Manager) CanResolve(addr net.Addr) bool {
	return m.resolverFor(addr) != nil
}

// CanConnect reports whether addr is an IP endpoint or a registered
// connector claims it.
func (m *Manager) CanConnect(addr net.Addr) bool {
	return isIPEndpoint(addr) || m.connectorFor(addr) != nil
}

// Resolve applies resolvers to addr until none claims the result.
func (m *Manager) Resolve(ctx context.Context, addr net.Addr) (net.Addr, error) {
	for cycle := 0; ; cycle++ {
		r := m.resolverFor(addr)
		if r == nil {
			return addr, nil
		}
		if cycle >= limits.MaxResolveCycles {
			return nil, fmt.Errorf("%w: %s still claimed after %d resolutions", ErrUnresolvable, addr, cycle)
		}
		next, err := r.Resolve(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvable, addr, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Resolve",
			"from":     addr.String(),
			"to":       next.String(),
		}).Debug("Resolved address")
		addr = next
	}
}

// ConnectAddress connects to any address: abstract addresses are resolved
// first, IP endpoints take the Connect path and the rest go to the first
// connector that claims them. It fails at once when nothing can handle
// addr; later failures reach obs. The returned observer withdraws the
// request through RemoveObserver.
func (m *Manager) ConnectAddress(ctx context.Context, addr net.Addr, obs socket.ConnectObserver) (socket.ConnectObserver, error) {
	if obs == nil {
		return nil, errors.New("ConnectAddress requires an observer")
	}
	if !m.CanResolve(addr) && !m.CanConnect(addr) {
		return nil, fmt.Errorf("%w: %s address %s", ErrUnconnectable, addr.Network(), addr)
	}

	if isIPEndpoint(addr) {
		if _, err := m.Connect(ctx, nil, nil, addr, 0, obs, socket.ConnectPlain); err != nil {
			return nil, err
		}
		return obs, nil
	}
	if !m.CanResolve(addr) {
		return m.connectorFor(addr).Connect(ctx, addr, obs)
	}

	go func() {
		resolved, err := m.Resolve(ctx, addr)
		if err != nil {
			obs.HandleConnect(socket.Failed(err))
			return
		}
		if isIPEndpoint(resolved) {
			if _, err := m.Connect(ctx, nil, nil, resolved, 0, obs, socket.ConnectPlain); err != nil {
				obs.HandleConnect(socket.Failed(err))
			}
			return
		}
		c := m.connectorFor(resolved)
		if c == nil {
			obs.HandleConnect(socket.Failed(fmt.Errorf("%w: %s", ErrUnconnectable, resolved)))
			return
		}
		if _, err := c.Connect(ctx, resolved, obs); err != nil {
			obs.HandleConnect(socket.Failed(err))
		}
	}()
	return obs, nil
}

// RemoveObserver withdraws a queued connect. See admission.Controller.
func (m *Manager) RemoveObserver(obs socket.ConnectObserver) bool {
	return m.controller.RemoveObserver(obs)
}

// NumWaiting returns the number of queued connects.
func (m *Manager) NumWaiting() int {
	return m.controller.NumWaiting()
}

// MaxAllowed returns the number of connects allowed in flight.
func (m *Manager) MaxAllowed() int {
	return m.controller.MaxAllowed()
}

func isIPEndpoint(addr net.Addr) bool {
	ta, ok := addr.(*net.TCPAddr)
	return ok && ta.IP != nil
}
