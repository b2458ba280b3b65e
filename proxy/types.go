package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Type identifies the proxy protocol used for outbound connects.
type Type uint8

const (
	// TypeNone connects directly.
	TypeNone Type = iota
	// TypeSOCKS4 uses a SOCKS4 CONNECT request (IPv4 targets only).
	TypeSOCKS4
	// TypeSOCKS5 uses SOCKS5 with optional username/password authentication.
	TypeSOCKS5
	// TypeHTTP uses an HTTP/1.0 CONNECT tunnel.
	TypeHTTP
)

// String returns a human-readable representation of the Type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeSOCKS4:
		return "socks4"
	case TypeSOCKS5:
		return "socks5"
	case TypeHTTP:
		return "http"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType parses the String form of a Type. An empty string is TypeNone.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "direct":
		return TypeNone, nil
	case "socks4":
		return TypeSOCKS4, nil
	case "socks5":
		return TypeSOCKS5, nil
	case "http":
		return TypeHTTP, nil
	}
	return TypeNone, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

var (
	// ErrProtocol indicates the proxy violated its protocol or refused
	// the request
	ErrProtocol = errors.New("proxy protocol error")

	// ErrUnsupportedType indicates an unknown proxy type or a target the
	// proxy type cannot address
	ErrUnsupportedType = errors.New("unsupported proxy type")
)

// target is a handshake destination. Exactly one of ip and host is set.
type target struct {
	ip   net.IP
	host string
	port int
}

func parseTarget(addr net.Addr) (target, error) {
	if addr == nil {
		return target{}, fmt.Errorf("nil target address")
	}
	if ta, ok := addr.(*net.TCPAddr); ok {
		return target{ip: ta.IP, port: ta.Port}, nil
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return target{}, fmt.Errorf("invalid target %q: %w", addr.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xFFFF {
		return target{}, fmt.Errorf("invalid target port %q", portStr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return target{ip: ip, port: port}, nil
	}
	return target{host: host, port: port}, nil
}

func (t target) hostString() string {
	if t.ip != nil {
		return t.ip.String()
	}
	return t.host
}

func (t target) String() string {
	return net.JoinHostPort(t.hostString(), strconv.Itoa(t.port))
}
