// Package admission bounds the number of outbound connects in flight.
//
// A [Controller] creates a socket through a socket.Factory and either
// connects it immediately or holds the request until a slot frees up.
// Two implementations are provided:
//
//   - [Unbounded] starts every connect at once.
//   - [Bounded] allows at most N connects in flight (default
//     limits.DefaultMaxConnecting). Non-blocking requests beyond the limit
//     wait in a FIFO queue; blocking callers wait for any slot to free up
//     and are not ordered among themselves.
//
// Non-blocking callers get the socket back immediately and learn the
// outcome from their observer:
//
//	ctl := admission.NewBounded(4, opts)
//	obs := socket.NewChanObserver()
//	s, err := ctl.Connect(ctx, socket.TCPFactory, remote, nil, 10*time.Second, obs)
//
// A queued request is withdrawn either by closing its socket, which
// notifies the observer with socket.OutcomeCancelled, or with
// RemoveObserver, which reports whether the request was still queued and
// sends no notification. A false return means the connect already started
// and its observer will still be called.
//
// When a connect fails because the requested local address cannot be
// bound, the controller reports it through interfaces.BindSettings and
// retries once without binding.
package admission
