package network

import (
	"net"
	"strings"

	"github.com/opd-ai/peerdial/interfaces"
)

// Classifier implements interfaces.AddressClassifier for IP and host name
// addresses.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// IsLoopback reports whether addr refers to this host.
func (c *Classifier) IsLoopback(addr net.Addr) bool {
	if ip := ipOf(addr); ip != nil {
		return ip.IsLoopback()
	}
	if h, ok := addr.(*HostAddr); ok {
		return strings.EqualFold(h.Host, "localhost")
	}
	return false
}

// IsPrivate reports whether addr is loopback, link-local or in a private
// range. Unresolved host names are private only when they name this host.
func (c *Classifier) IsPrivate(addr net.Addr) bool {
	ip := ipOf(addr)
	if ip == nil {
		return c.IsLoopback(addr)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return isPrivateIPv4(ip4)
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate()
}

// isPrivateIPv4 checks RFC 1918, loopback and link-local ranges.
func isPrivateIPv4(ip net.IP) bool {
	return ip[0] == 10 ||
		(ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31) ||
		(ip[0] == 192 && ip[1] == 168) ||
		(ip[0] == 169 && ip[1] == 254) ||
		ip[0] == 127
}

func ipOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

var _ interfaces.AddressClassifier = (*Classifier)(nil)
