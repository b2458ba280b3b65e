package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ErrNoRecords indicates the name has no A or AAAA records.
var ErrNoRecords = errors.New("no address records")

// DefaultDNSServer is used when no resolv.conf servers are available.
const DefaultDNSServer = "8.8.8.8:53"

// DNSResolver resolves HostAddr values by querying DNS servers directly.
// Servers are tried in order until one answers.
type DNSResolver struct {
	Servers []string
	Timeout time.Duration
}

// NewDNSResolver creates a resolver for servers ("ip:port"). With no
// servers the system resolv.conf is used, falling back to DefaultDNSServer.
func NewDNSResolver(servers ...string) *DNSResolver {
	if len(servers) == 0 {
		servers = systemServers()
	}
	return &DNSResolver{Servers: servers, Timeout: 5 * time.Second}
}

func systemServers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{DefaultDNSServer}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// CanResolve reports whether addr is an unresolved host name.
func (r *DNSResolver) CanResolve(addr net.Addr) bool {
	_, ok := addr.(*HostAddr)
	return ok
}

// Resolve looks up the A records of addr's host, then AAAA when there are
// none, and returns the first address found.
func (r *DNSResolver) Resolve(ctx context.Context, addr net.Addr) (net.Addr, error) {
	h, ok := addr.(*HostAddr)
	if !ok {
		return nil, fmt.Errorf("dns resolver cannot resolve %s address %s", addr.Network(), addr)
	}
	if ip := net.ParseIP(h.Host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: h.Port}, nil
	}
	if strings.EqualFold(h.Host, "localhost") {
		return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.Port}, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.lookup(ctx, h.Host, qtype)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DNSResolver.Resolve",
				"host":     h.Host,
				"ip":       ip.String(),
			}).Debug("Resolved host")
			return &net.TCPAddr{IP: ip, Port: h.Port}, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", h.Host, ErrNoRecords)
}

func (r *DNSResolver) lookup(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.Timeout}
	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DNSResolver.lookup",
				"server":   server,
				"host":     host,
				"error":    err.Error(),
			}).Warn("DNS query failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("resolve %s: %w", host, ErrNoRecords)
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns server %s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				return rec.A, nil
			case *dns.AAAA:
				return rec.AAAA, nil
			}
		}
		return nil, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}
