// Package socket defines the stream model shared by the blocking and the
// non-blocking connection paths.
//
// # Sockets
//
// A [Socket] starts unconnected and is connected either synchronously with
// Connect or asynchronously with ConnectAsync. Asynchronous connects report
// through a [ConnectObserver], which receives exactly one [Result]:
//
//	obs := socket.NewChanObserver()
//	s := socket.NewTCPSocket()
//	_ = s.ConnectAsync(nil, remote, 10*time.Second, obs)
//	r, _ := obs.Wait(ctx)
//	switch r.Outcome {
//	case socket.OutcomeConnected:
//	    // r.Conn is ready
//	case socket.OutcomeFailed:
//	    // r.Err says why
//	case socket.OutcomeCancelled:
//	    // the socket was closed before the connect finished
//	}
//
// Observers that wrap other observers implement [Delegator] so a caller
// can withdraw a queued connect using the observer it originally passed.
//
// # Channels
//
// A [Channel] is the readiness-driven view of a connected stream. The
// epoll reactor's sockets implement it natively; any other net.Conn is
// adapted with [NewConnChannel]. Handlers installed with SetReadHandler pull
// bytes with ReadAvailable, which returns (0, nil) instead of blocking.
//
// # Connect Types
//
// [ConnectType] selects a [Strategy] applied once the stream is connected:
// plain, crypto/tls, or a uTLS handshake with a browser ClientHello.
package socket
