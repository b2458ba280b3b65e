// Package peerdial implements the connection establishment layer of a
// peer-to-peer client: admission-controlled outbound connects through
// SOCKS4, SOCKS5 or HTTP CONNECT proxies, and inbound connections routed by
// their first protocol word.
//
// # Getting Started
//
// Load the options, create a node and register the words it answers:
//
//	options, err := peerdial.LoadOptions("/etc/peerdial.ini")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node, err := peerdial.New(options, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node.Dispatcher.Register(interfaces.AcceptorFunc(func(word string, conn net.Conn) {
//	    defer conn.Close()
//	    io.Copy(conn, conn)
//	}), false, true, "PING")
//
//	go node.ListenAndServe(ctx)
//
//	conn, err := node.Dial(ctx, "peer.example:6346")
//
// # Configuration
//
// Options are read from an ini file with the sections [proxy], [bind],
// [connect], [inbound] and [log]:
//
//	[proxy]
//	type = socks5
//	host = 127.0.0.1
//	port = 9050
//
//	[connect]
//	max_connecting = 4
//	timeout = 30s
//
//	[inbound]
//	listen = 0.0.0.0:6346
//	allow_tls = true
//
// Every key can be overridden by an environment variable named after its
// section and key, for example PEERDIAL_PROXY_HOST or
// PEERDIAL_INBOUND_ACCEPT_RATE. *Options implements the settings interfaces
// the subpackages read on every connect, so proxy and bind changes apply to
// the next attempt.
//
// # Packages
//
//   - admission: limits the number of connects in flight
//   - proxy: SOCKS4, SOCKS5 and HTTP CONNECT handshakes
//   - dispatch: first-word routing of inbound connections
//   - sockets: the outbound facade with resolvers and connectors
//   - network: address types, classification, DNS and WebSocket
//   - reactor: the epoll event loop for non-blocking sockets (Linux)
package peerdial
