// Package dispatch routes accepted connections by their first word.
//
// Protocol owners register a [interfaces.ConnectionAcceptor] under one or
// more words. A front end reads the first space-terminated word of each
// new connection and the [Dispatcher] hands the connection to the owner:
//
//	d := dispatch.NewDispatcher(opts, network.NewClassifier())
//	d.Register(gnutella, false, true, "GNUTELLA", "CONNECT")
//	d.Register(status, true, false, "STATUS")
//
// Two front ends are provided. [BlockingFrontEnd] reads byte by byte on the
// connection's goroutine, so bytes after the word stay unread.
// [NonBlockingFrontEnd] collects bytes across channel callbacks into a
// buffer one byte longer than the longest word; bytes read past the word
// are replayed to the acceptor. When it finds no known word it may upgrade
// the channel to TLS, replaying everything read so far into the TLS server,
// and read the word again inside the session.
//
// Local-only bindings accept loopback peers only. When loopback peers count
// as private, the remaining bindings refuse them.
//
// [Server] runs the accept loops: Serve for a net.Listener, optionally
// behind a PROXY protocol header, and ListenReactor for the epoll reactor.
package dispatch
