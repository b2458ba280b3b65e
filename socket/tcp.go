package socket

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type tcpState uint8

const (
	tcpIdle tcpState = iota
	tcpConnecting
	tcpConnected
)

// TCPSocket is the blocking-model socket. Asynchronous connects run the
// blocking dial on their own goroutine.
type TCPSocket struct {
	mu      sync.Mutex
	conn    net.Conn
	state   tcpState
	closed  bool
	cancel  context.CancelFunc
	remote  net.Addr
	hooks   []func()
	network string
}

// NewTCPSocket creates an unconnected TCP socket.
func NewTCPSocket() *TCPSocket {
	return &TCPSocket{network: "tcp"}
}

// TCPFactory creates TCPSockets.
var TCPFactory Factory = FactoryFunc(func() (Socket, error) {
	return NewTCPSocket(), nil
})

// Connect dials remote, binding to local when it is non-nil. After a failed
// attempt the socket may be connected again.
func (s *TCPSocket) Connect(ctx context.Context, local, remote net.Addr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewOpError("connect", remote, ErrClosed)
	}
	if s.state != tcpIdle {
		s.mu.Unlock()
		return NewOpError("connect", remote, ErrAlreadyConnecting)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = tcpConnecting
	s.cancel = cancel
	s.remote = remote
	s.mu.Unlock()
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function": "TCPSocket.Connect",
		"remote":   remote.String(),
		"local":    addrString(local),
	}).Debug("Dialing")

	d := net.Dialer{LocalAddr: local}
	conn, err := d.DialContext(ctx, s.network, remote.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return NewOpError("connect", remote, ErrClosed)
	}
	if err != nil {
		// a failed attempt leaves the socket reusable
		s.state = tcpIdle
		var se *os.SyscallError
		if local != nil && errors.As(err, &se) && se.Syscall == "bind" {
			return &BindError{Addr: local, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return NewOpError("connect", remote, ErrTimeout)
		}
		return NewOpError("connect", remote, err)
	}
	s.conn = conn
	s.state = tcpConnected
	return nil
}

// ConnectAsync runs Connect on a new goroutine and reports to obs. Closing
// the socket before the dial completes delivers OutcomeCancelled.
func (s *TCPSocket) ConnectAsync(local, remote net.Addr, timeout time.Duration, obs ConnectObserver) error {
	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := s.Connect(ctx, local, remote)
		switch {
		case err == nil:
			obs.HandleConnect(Connected(s))
		case errors.Is(err, ErrClosed):
			obs.HandleConnect(Cancelled())
		default:
			obs.HandleConnect(Failed(err))
		}
	}()
	return nil
}

// OnShutdown registers f to run when the socket is closed.
func (s *TCPSocket) OnShutdown(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f()
		return
	}
	s.hooks = append(s.hooks, f)
	s.mu.Unlock()
}

// IsConnected reports whether the dial succeeded.
func (s *TCPSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == tcpConnected && !s.closed
}

func (s *TCPSocket) current() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *TCPSocket) Read(p []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}

func (s *TCPSocket) Write(p []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

// CloseWrite shuts down the sending side of the connection.
func (s *TCPSocket) CloseWrite() error {
	c, err := s.current()
	if err != nil {
		return err
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close aborts a pending dial or closes the connection, then runs the
// shutdown hooks. It is safe to call more than once.
func (s *TCPSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.hooks
	s.hooks = nil
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, f := range hooks {
		f()
	}
	return err
}

func (s *TCPSocket) LocalAddr() net.Addr {
	if c, err := s.current(); err == nil {
		return c.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address, or the dial target while connecting.
func (s *TCPSocket) RemoteAddr() net.Addr {
	if c, err := s.current(); err == nil {
		return c.RemoteAddr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *TCPSocket) SetDeadline(t time.Time) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SetDeadline(t)
}

func (s *TCPSocket) SetReadDeadline(t time.Time) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

func (s *TCPSocket) SetWriteDeadline(t time.Time) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
