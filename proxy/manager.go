package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

// Manager decides whether a target is reached through the configured proxy
// and runs the handshakes. Settings are read on every call.
type Manager struct {
	settings   interfaces.ProxySettings
	classifier interfaces.AddressClassifier
}

// NewManager creates a manager. classifier may be nil, in which case no
// target is considered private.
func NewManager(settings interfaces.ProxySettings, classifier interfaces.AddressClassifier) *Manager {
	return &Manager{settings: settings, classifier: classifier}
}

// ConfiguredType returns the configured proxy type. Unknown types are
// logged and treated as TypeNone.
func (m *Manager) ConfiguredType() Type {
	if m.settings == nil {
		return TypeNone
	}
	t, err := ParseType(m.settings.ProxyType())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.ConfiguredType",
			"proxy_type": m.settings.ProxyType(),
		}).Warn("Unknown proxy type, connecting directly")
		return TypeNone
	}
	return t
}

// ProxyTypeFor returns the proxy type to use for addr. Private and loopback
// targets are reached directly unless the settings say otherwise.
func (m *Manager) ProxyTypeFor(addr net.Addr) Type {
	t := m.ConfiguredType()
	if t == TypeNone {
		return TypeNone
	}
	if m.classifier != nil && m.classifier.IsPrivate(addr) && !m.settings.ProxyPrivate() {
		return TypeNone
	}
	return t
}

// ProxyAddr resolves the configured proxy endpoint.
func (m *Manager) ProxyAddr() (net.Addr, error) {
	if m.settings == nil {
		return nil, fmt.Errorf("no proxy configured")
	}
	hostport := net.JoinHostPort(m.settings.ProxyHost(), strconv.Itoa(m.settings.ProxyPort()))
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy %s: %w", hostport, err)
	}
	return addr, nil
}

// Handshake builds the handshake of type t for target using the configured
// credentials.
func (m *Manager) Handshake(t Type, target net.Addr) (Handshake, error) {
	var user, pass string
	if m.settings != nil {
		user, pass = m.settings.ProxyUsername(), m.settings.ProxyPassword()
	}
	switch t {
	case TypeSOCKS4:
		return SOCKS4Handshake(target, user)
	case TypeSOCKS5:
		return SOCKS5Handshake(target, user, pass)
	case TypeHTTP:
		return HTTPHandshake(target, user, pass)
	}
	return Handshake{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// Establish runs the handshake of type t over conn, which must already be
// connected to the proxy. A positive timeout bounds the handshake. On
// failure conn is closed.
func (m *Manager) Establish(ctx context.Context, t Type, conn net.Conn, target net.Addr, timeout time.Duration) (net.Conn, error) {
	hs, err := m.Handshake(t, target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := Run(ctx, conn, hs); err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.Establish",
			"proxy_type": t.String(),
			"target":     target.String(),
			"error":      err.Error(),
		}).Warn("Proxy handshake failed")
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Establish",
		"proxy_type": t.String(),
		"target":     target.String(),
	}).Debug("Proxy tunnel established")
	return conn, nil
}

// ConnectorFor returns an observer for the raw connect to the proxy. Once
// that connect succeeds it runs the handshake of type t asynchronously and
// reports the tunnel, not the proxy connection, to obs.
func (m *Manager) ConnectorFor(t Type, obs socket.ConnectObserver, target net.Addr, timeout time.Duration) (*Connector, error) {
	hs, err := m.Handshake(t, target)
	if err != nil {
		return nil, err
	}
	return &Connector{hs: hs, obs: obs, target: target, timeout: timeout}, nil
}

// Connector chains a proxy handshake onto a raw connect.
type Connector struct {
	hs      Handshake
	obs     socket.ConnectObserver
	target  net.Addr
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// HandleConnect starts the handshake when the proxy connection is up and
// passes failures and cancellations through unchanged.
func (c *Connector) HandleConnect(r socket.Result) {
	if r.Outcome != socket.OutcomeConnected {
		c.obs.HandleConnect(r)
		return
	}

	conn := r.Conn
	ch := socket.ChannelOf(conn)
	runner := RunAsync(ch, c.hs, func(err error) {
		c.stopTimer()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Connector.HandleConnect",
				"proxy_type": c.hs.Type.String(),
				"target":     c.target.String(),
				"error":      err.Error(),
			}).Warn("Proxy handshake failed")
			ch.Close()
			conn.Close()
			c.obs.HandleConnect(socket.Failed(err))
			return
		}
		c.obs.HandleConnect(socket.Connected(ch.Conn()))
	})

	if c.timeout > 0 {
		c.mu.Lock()
		c.timer = time.AfterFunc(c.timeout, func() {
			runner.Abort(fmt.Errorf("%s handshake: %w", c.hs.Type, socket.ErrTimeout))
		})
		c.mu.Unlock()
	}
}

func (c *Connector) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Delegate returns the observer the tunnel is reported to.
func (c *Connector) Delegate() socket.ConnectObserver {
	return c.obs
}
