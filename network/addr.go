package network

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// HostAddr is a host name and port that has not been resolved yet.
type HostAddr struct {
	Host string
	Port int
}

// ParseHostAddr parses "host:port".
func ParseHostAddr(s string) (*HostAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xFFFF {
		return nil, fmt.Errorf("invalid port in %q", s)
	}
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", s)
	}
	return &HostAddr{Host: host, Port: port}, nil
}

func (a *HostAddr) Network() string { return "host" }

func (a *HostAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WSAddr is a WebSocket endpoint, ws:// or wss://.
type WSAddr struct {
	URL *url.URL
}

// ParseWSAddr parses a ws:// or wss:// URL.
func ParseWSAddr(raw string) (*WSAddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("not a websocket url: %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return &WSAddr{URL: u}, nil
}

func (a *WSAddr) Network() string { return a.URL.Scheme }
func (a *WSAddr) String() string  { return a.URL.String() }

// ParseAddr turns a command line style address into a net.Addr: an IP
// literal with port, a ws:// URL, or an unresolved host name.
func ParseAddr(s string) (net.Addr, error) {
	if u, err := url.Parse(s); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return ParseWSAddr(s)
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return net.ResolveTCPAddr("tcp", s)
	}
	return ParseHostAddr(s)
}
