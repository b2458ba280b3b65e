//go:build linux

package reactor

import (
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listener accepts connections on the loop goroutine and hands each
// connected Socket to its accept callback.
type Listener struct {
	loop   *Loop
	addr   net.Addr
	accept func(*Socket)

	mu     sync.Mutex
	fd     int
	closed bool
}

// Listen binds a non-blocking listening socket to address ("host:port").
// accept runs on the loop goroutine and must not block.
func (l *Loop) Listen(address string, accept func(*Socket)) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	sa, family := sockaddrOf(laddr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	ln := &Listener{loop: l, fd: fd, addr: localAddrOf(fd), accept: accept}
	if err := l.register(fd, ln, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Loop.Listen",
		"address":  ln.addr.String(),
	}).Info("Reactor listener started")
	return ln, nil
}

// Addr returns the bound address.
func (ln *Listener) Addr() net.Addr {
	return ln.addr
}

func (ln *Listener) handleEvents(ev uint32) {
	for {
		ln.mu.Lock()
		fd, closed := ln.fd, ln.closed
		ln.mu.Unlock()
		if closed {
			return
		}
		nfd, rsa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			if err != unix.EAGAIN {
				logrus.WithFields(logrus.Fields{
					"function": "Listener.handleEvents",
					"error":    err.Error(),
				}).Warn("Accept failed")
			}
			return
		}
		s := ln.loop.newSocket(nfd)
		s.state = stateConnected
		s.local = localAddrOf(nfd)
		s.remote = tcpAddrFromSockaddr(rsa)
		if err := ln.loop.register(nfd, s, connEvents); err != nil {
			unix.Close(nfd)
			continue
		}
		ln.accept(s)
	}
}

// Close stops accepting. Accepted sockets are unaffected.
func (ln *Listener) Close() error {
	ln.mu.Lock()
	if ln.closed {
		ln.mu.Unlock()
		return nil
	}
	ln.closed = true
	fd := ln.fd
	ln.mu.Unlock()

	ln.loop.unregister(fd)
	return unix.Close(fd)
}
