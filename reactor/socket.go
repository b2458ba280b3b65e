//go:build linux

package reactor

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type sockState uint8

const (
	stateIdle sockState = iota
	stateConnecting
	stateConnected
)

const connEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP

// Socket is a non-blocking TCP socket driven by a Loop. It implements both
// socket.Socket and socket.Channel. Its net.Conn methods block the calling
// goroutine on readiness signals and must not be used from the loop
// goroutine.
type Socket struct {
	loop *Loop

	mu       sync.Mutex
	fd       int
	state    sockState
	closed   bool
	seq      uint64
	local    net.Addr
	remote   net.Addr
	obs      socket.ConnectObserver
	timer    *time.Timer
	hooks    []func()
	onRead   func()
	onWrite  func()
	rdl, wdl time.Time

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}
}

// NewSocket creates an unconnected socket owned by the loop.
func (l *Loop) NewSocket() (socket.Socket, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLoopClosed
	}
	return l.newSocket(-1), nil
}

// Factory returns a socket.Factory producing sockets on this loop.
func (l *Loop) Factory() socket.Factory {
	return socket.FactoryFunc(l.NewSocket)
}

func (l *Loop) newSocket(fd int) *Socket {
	return &Socket{
		loop:     l,
		fd:       fd,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ConnectAsync starts a non-blocking connect. The result is delivered on the
// loop goroutine.
func (s *Socket) ConnectAsync(local, remote net.Addr, timeout time.Duration, obs socket.ConnectObserver) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return socket.NewOpError("connect", remote, socket.ErrClosed)
	}
	if s.state != stateIdle {
		s.mu.Unlock()
		return socket.NewOpError("connect", remote, socket.ErrAlreadyConnecting)
	}
	s.state = stateConnecting
	s.seq++
	seq := s.seq
	s.obs = obs
	s.remote = remote
	s.mu.Unlock()

	fd, err := s.dial(local, remote)
	if err != nil {
		return s.loop.Invoke(func() { s.finishConnect(seq, err) })
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unix.Close(fd)
		return nil
	}
	s.fd = fd
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.loop.Invoke(func() { s.finishConnect(seq, socket.ErrTimeout) })
		})
	}
	s.mu.Unlock()

	if err := s.loop.register(fd, s, connEvents); err != nil {
		return s.loop.Invoke(func() { s.finishConnect(seq, err) })
	}
	return nil
}

// dial creates the descriptor, binds it and issues the connect.
func (s *Socket) dial(local, remote net.Addr) (int, error) {
	raddr, err := tcpAddrOf(remote)
	if err != nil {
		return -1, socket.NewOpError("connect", remote, err)
	}
	rsa, family := sockaddrOf(raddr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, socket.NewOpError("socket", remote, os.NewSyscallError("socket", err))
	}
	if local != nil {
		laddr, err := tcpAddrOf(local)
		if err == nil {
			lsa, _ := sockaddrOf(laddr)
			err = unix.Bind(fd, lsa)
		}
		if err != nil {
			unix.Close(fd)
			return -1, &socket.BindError{Addr: local, Err: os.NewSyscallError("bind", err)}
		}
	}
	err = unix.Connect(fd, rsa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, socket.NewOpError("connect", remote, os.NewSyscallError("connect", err))
	}
	return fd, nil
}

// finishConnect settles a connect attempt. It runs on the loop goroutine and
// ignores stale attempts.
func (s *Socket) finishConnect(seq uint64, err error) {
	s.mu.Lock()
	if s.seq != seq || s.state != stateConnecting || s.closed {
		s.mu.Unlock()
		return
	}
	obs := s.obs
	s.obs = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	fd := s.fd
	if err != nil {
		s.state = stateIdle
		s.fd = -1
		s.mu.Unlock()
		if fd >= 0 {
			s.loop.unregister(fd)
			unix.Close(fd)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Socket.finishConnect",
			"remote":   s.remote.String(),
			"error":    err.Error(),
		}).Debug("Connect failed")
		obs.HandleConnect(socket.Failed(err))
		return
	}
	s.state = stateConnected
	s.local = localAddrOf(fd)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Socket.finishConnect",
		"remote":   s.remote.String(),
		"local":    addrString(s.local),
	}).Debug("Connected")
	obs.HandleConnect(socket.Connected(s))
}

func (s *Socket) handleEvents(ev uint32) {
	s.mu.Lock()
	state, seq, fd := s.state, s.seq, s.fd
	s.mu.Unlock()

	if state == stateConnecting {
		if ev&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soerr != 0 {
			err = os.NewSyscallError("connect", unix.Errno(soerr))
		}
		if err != nil {
			s.finishConnect(seq, socket.NewOpError("connect", s.remote, err))
			return
		}
		s.finishConnect(seq, nil)
	}

	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		signal(s.readable)
		s.fireRead()
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		signal(s.writable)
		s.fireWrite()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Socket) fireRead() {
	s.mu.Lock()
	h := s.onRead
	ok := s.state == stateConnected && !s.closed
	s.mu.Unlock()
	if ok && h != nil {
		h()
	}
}

func (s *Socket) fireWrite() {
	s.mu.Lock()
	h := s.onWrite
	ok := s.state == stateConnected && !s.closed
	s.mu.Unlock()
	if ok && h != nil {
		h()
	}
}

// Connect blocks until the non-blocking connect completes or ctx is done.
// Cancelling ctx closes the socket.
func (s *Socket) Connect(ctx context.Context, local, remote net.Addr) error {
	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return socket.NewOpError("connect", remote, socket.ErrTimeout)
		}
	}
	obs := socket.NewChanObserver()
	if err := s.ConnectAsync(local, remote, timeout, obs); err != nil {
		return err
	}
	select {
	case r := <-obs.Results():
		if r.Outcome == socket.OutcomeConnected {
			return nil
		}
		return r.Err
	case <-ctx.Done():
		s.Close()
		return socket.NewOpError("connect", remote, ctx.Err())
	}
}

// OnShutdown registers f to run when the socket is closed.
func (s *Socket) OnShutdown(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f()
		return
	}
	s.hooks = append(s.hooks, f)
	s.mu.Unlock()
}

// IsConnected reports whether the connect completed.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected && !s.closed
}

func (s *Socket) sysfd() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, socket.ErrClosed
	}
	if s.state != stateConnected {
		return -1, socket.ErrNotConnected
	}
	return s.fd, nil
}

// ReadAvailable reads without blocking.
func (s *Socket) ReadAvailable(p []byte) (int, error) {
	fd, err := s.sysfd()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// WriteAvailable writes as much of p as the socket accepts without blocking.
func (s *Socket) WriteAvailable(p []byte) (int, error) {
	fd, err := s.sysfd()
	if err != nil {
		return 0, err
	}
	for {
		n, err := unix.Write(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// SetReadHandler installs h and schedules an immediate readiness check, so
// data that arrived before the handler was installed is not missed.
func (s *Socket) SetReadHandler(h func()) {
	s.mu.Lock()
	s.onRead = h
	s.mu.Unlock()
	if h != nil {
		s.loop.Invoke(s.fireRead)
	}
}

// SetWriteHandler installs h and schedules an immediate writability check.
func (s *Socket) SetWriteHandler(h func()) {
	s.mu.Lock()
	s.onWrite = h
	s.mu.Unlock()
	if h != nil {
		s.loop.Invoke(s.fireWrite)
	}
}

// Conn returns s; the socket is its own blocking view.
func (s *Socket) Conn() net.Conn {
	return s
}

// StartTLS stops event delivery to s and returns a channel carrying the
// server side of a TLS session over s.
func (s *Socket) StartTLS(cfg *tls.Config, prefix []byte) (socket.Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, socket.ErrClosed
	}
	s.onRead = nil
	s.onWrite = nil
	s.mu.Unlock()
	return socket.NewConnChannel(tls.Server(socket.NewPrefixConn(s, prefix), cfg)), nil
}

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := s.ReadAvailable(p)
		if n > 0 || err != nil || len(p) == 0 {
			return n, err
		}
		s.mu.Lock()
		dl := s.rdl
		s.mu.Unlock()
		if err := s.wait(s.readable, dl); err != nil {
			return 0, err
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.WriteAvailable(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n > 0 {
			continue
		}
		s.mu.Lock()
		dl := s.wdl
		s.mu.Unlock()
		if err := s.wait(s.writable, dl); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Socket) wait(ch chan struct{}, deadline time.Time) error {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ch:
		return nil
	case <-s.done:
		return net.ErrClosed
	case <-expired:
		return os.ErrDeadlineExceeded
	}
}

// Close closes the descriptor. A connect still in progress is reported to
// its observer as cancelled.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.fd = -1
	obs := s.obs
	s.obs = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.onRead = nil
	s.onWrite = nil
	hooks := s.hooks
	s.hooks = nil
	close(s.done)
	s.mu.Unlock()

	var err error
	if fd >= 0 {
		s.loop.unregister(fd)
		err = unix.Close(fd)
	}
	if obs != nil {
		obs.HandleConnect(socket.Cancelled())
	}
	for _, f := range hooks {
		f()
	}
	return err
}

func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.rdl, s.wdl = t, t
	s.mu.Unlock()
	return nil
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rdl = t
	s.mu.Unlock()
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.wdl = t
	s.mu.Unlock()
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
