// Package reactor implements the non-blocking socket model on Linux with an
// edge-triggered epoll event loop.
//
// A single [Loop] goroutine waits on epoll and dispatches readiness to
// registered sockets and listeners. Work from other goroutines is handed to
// the loop with [Loop.Invoke], which wakes it through an eventfd.
//
//	loop, err := reactor.NewLoop()
//	if err != nil {
//	    return err
//	}
//	loop.Start()
//	defer loop.Close()
//
//	s, _ := loop.NewSocket()
//	s.ConnectAsync(nil, remote, 10*time.Second, observer)
//
// [Socket] implements both socket.Socket and socket.Channel. Readiness
// handlers installed with SetReadHandler run on the loop goroutine and must
// not block; the socket's net.Conn methods block on readiness signals and
// are meant for the goroutine that takes ownership once a handler is done.
//
// Because descriptors are edge-triggered, installing a handler always
// schedules one immediate check so bytes that arrived earlier are seen.
package reactor
