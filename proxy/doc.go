// Package proxy implements the client side of SOCKS4, SOCKS5 and HTTP
// CONNECT proxy handshakes.
//
// # Handshakes
//
// A [Handshake] is an immutable list of steps built by [SOCKS4Handshake],
// [SOCKS5Handshake] or [HTTPHandshake]. Each step writes bytes, reads an
// exact number of bytes, or reads reply lines up to a blank line. The byte
// layouts are:
//
//	SOCKS4  -> 04 01 portHi portLo ip[4] user... 00
//	        <- 8 bytes, byte0 in {00,04}, byte1 == 5A
//	SOCKS5  -> 05 01 00            or 05 02 00 02 with credentials
//	        <- 05 method
//	        -> 01 len(u) u len(p) p  (method 02 only)
//	        <- 01 00
//	        -> 05 01 00 atyp addr portHi portLo
//	        <- 05 00 rsv atyp, then the bound address
//	HTTP    -> CONNECT host:port HTTP/1.0 CRLF CRLF
//	        <- status line with 200, headers, blank line
//
// # Executors
//
// The same handshake runs inline over a net.Conn with [Run], or driven by
// readiness callbacks over a socket.Channel with [RunAsync]. Neither reads
// past the last byte of the proxy's reply, so data the target sends
// immediately after the tunnel opens is not lost.
//
// # Manager
//
// [Manager] reads interfaces.ProxySettings on every call, decides with
// ProxyTypeFor whether a target goes through the proxy (private targets
// are exempt unless ProxyPrivate is set), and provides the blocking
// Establish, the non-blocking [Connector] observer, and a
// golang.org/x/net/proxy [Dialer]:
//
//	m := proxy.NewManager(opts, network.NewClassifier())
//	conn, err := m.Dialer(nil).DialContext(ctx, "tcp", "example.org:6346")
//
// [RegisterURLSchemes] teaches proxy.FromURL the socks4 and http schemes.
package proxy
