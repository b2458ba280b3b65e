//go:build linux

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func tcpAddrOf(addr net.Addr) (*net.TCPAddr, error) {
	if addr == nil {
		return nil, fmt.Errorf("nil address")
	}
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta, nil
	}
	return net.ResolveTCPAddr("tcp", addr.String())
}

// sockaddrOf converts a TCP address to a raw socket address and its family.
// An unspecified IP maps to the IPv4 wildcard.
func sockaddrOf(a *net.TCPAddr) (unix.Sockaddr, int) {
	if a.IP == nil {
		return &unix.SockaddrInet4{Port: a.Port}, unix.AF_INET
	}
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa, unix.AF_INET6
}

func tcpAddrFromSockaddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	}
	return nil
}

func localAddrOf(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return tcpAddrFromSockaddr(sa)
}
