// Package interfaces defines the collaborator abstractions the connection
// layer depends on but does not own: where proxy and bind settings come
// from, how addresses are classified, and who receives an inbound
// connection once its protocol word is known.
//
// Keeping these in a leaf package lets the admission, proxy, dispatch and
// sockets packages depend on settings without importing the configuration
// package, and lets tests substitute small fakes.
//
// # Settings
//
// [ProxySettings] and [BindSettings] are read on every connect, so changes
// made at runtime apply to the next attempt:
//
//	opts := peerdial.NewOptions()
//	opts.Proxy.Type = "socks5"
//	opts.Proxy.Host = "127.0.0.1"
//	opts.Proxy.Port = 9050
//	mgr := proxy.NewManager(opts, network.NewClassifier())
//
// [BindSettings.BindFailed] is called when the configured local address
// cannot be bound; implementations typically clear the setting so later
// connects do not fail the same way.
//
// # Acceptors
//
// [ConnectionAcceptor] receives a connection after its first word has been
// consumed. The word itself is not replayed; any bytes after the separating
// space are.
//
//	type echo struct{}
//
//	func (echo) AcceptConnection(word string, conn net.Conn) {
//	    defer conn.Close()
//	    io.Copy(conn, conn)
//	}
package interfaces
