package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
)

// ConnectType selects how a connected stream is secured. It is orthogonal to
// the proxy type: a TLS connect through a SOCKS proxy is TLS end to end.
type ConnectType uint8

const (
	// ConnectPlain leaves the stream as is.
	ConnectPlain ConnectType = iota
	// ConnectTLS performs a crypto/tls client handshake.
	ConnectTLS
	// ConnectSSL performs a TLS client handshake that presents a browser
	// ClientHello fingerprint.
	ConnectSSL
)

// String returns a human-readable representation of the ConnectType.
func (t ConnectType) String() string {
	switch t {
	case ConnectPlain:
		return "plain"
	case ConnectTLS:
		return "tls"
	case ConnectSSL:
		return "ssl"
	default:
		return fmt.Sprintf("ConnectType(%d)", uint8(t))
	}
}

// ParseConnectType parses the String form of a ConnectType.
func ParseConnectType(s string) (ConnectType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return ConnectPlain, nil
	case "tls":
		return ConnectTLS, nil
	case "ssl":
		return ConnectSSL, nil
	}
	return ConnectPlain, fmt.Errorf("unknown connect type %q", s)
}

// Strategy secures a freshly connected stream.
type Strategy interface {
	Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
}

// StrategyFor returns the strategy bound to t. cfg may be nil.
func StrategyFor(t ConnectType, cfg *tls.Config) Strategy {
	switch t {
	case ConnectTLS:
		return &tlsStrategy{cfg: cfg}
	case ConnectSSL:
		return &sslStrategy{cfg: cfg}
	default:
		return plainStrategy{}
	}
}

type plainStrategy struct{}

func (plainStrategy) Upgrade(_ context.Context, conn net.Conn, _ string) (net.Conn, error) {
	return conn, nil
}

type tlsStrategy struct {
	cfg *tls.Config
}

func (s *tlsStrategy) Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{}
	if s.cfg != nil {
		cfg = s.cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, NewOpError("tls handshake", conn.RemoteAddr(), err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "tlsStrategy.Upgrade",
		"server_name": cfg.ServerName,
		"version":     tls.VersionName(tc.ConnectionState().Version),
	}).Debug("TLS session established")
	return tc, nil
}

type sslStrategy struct {
	cfg *tls.Config
}

func (s *sslStrategy) Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	ucfg := &utls.Config{ServerName: serverName}
	if s.cfg != nil {
		if s.cfg.ServerName != "" {
			ucfg.ServerName = s.cfg.ServerName
		}
		ucfg.InsecureSkipVerify = s.cfg.InsecureSkipVerify
		ucfg.RootCAs = s.cfg.RootCAs
	}
	uc := utls.UClient(conn, ucfg, utls.HelloChrome_Auto)
	if err := uc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, NewOpError("ssl handshake", conn.RemoteAddr(), err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "sslStrategy.Upgrade",
		"server_name": ucfg.ServerName,
	}).Debug("Fingerprinted TLS session established")
	return uc, nil
}

// HostOf returns the host part of addr, suitable as a TLS server name.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
