package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wrappingObserver struct {
	inner ConnectObserver
}

func (w *wrappingObserver) HandleConnect(r Result)      { w.inner.HandleConnect(r) }
func (w *wrappingObserver) Delegate() ConnectObserver { return w.inner }

// sliceObserver has an uncomparable dynamic type.
type sliceObserver []Result

func (s sliceObserver) HandleConnect(Result) {}

func TestMatchesWalksDelegateChain(t *testing.T) {
	inner := NewChanObserver()
	middle := &wrappingObserver{inner: inner}
	outer := &wrappingObserver{inner: middle}

	assert.True(t, Matches(outer, inner))
	assert.True(t, Matches(outer, middle))
	assert.True(t, Matches(outer, outer))
	assert.False(t, Matches(outer, NewChanObserver()))
	assert.False(t, Matches(inner, outer), "matching does not walk upwards")
	assert.Same(t, inner, Unwrap(outer))
}

func TestMatchesUncomparableObserver(t *testing.T) {
	a := sliceObserver{}
	assert.NotPanics(t, func() {
		assert.False(t, Matches(a, a))
	})
}

func TestChanObserverDropsDuplicate(t *testing.T) {
	obs := NewChanObserver()
	obs.HandleConnect(Failed(errors.New("first")))
	obs.HandleConnect(Cancelled())

	r, err := obs.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.EqualError(t, r.Err, "first")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = obs.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "connected", OutcomeConnected.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
}

func TestIsBindError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"bind error", &BindError{Err: errors.New("x")}, true},
		{"syscall bind", &net.OpError{Op: "dial", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}, true},
		{"addr not available", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EADDRNOTAVAIL)}, true},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBindError(tt.err))
		})
	}
}

func TestOpError(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80}
	err := NewOpError("connect", addr, ErrTimeout)
	assert.Equal(t, "peerdial connect 10.0.0.1:80: connect timed out", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "peerdial close: socket closed", NewOpError("close", nil, ErrClosed).Error())
}

func TestPrefixConnReplaysFirst(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := NewPrefixConn(server, []byte("abc"))
	go func() {
		client.Write([]byte("def"))
	}()

	buf := make([]byte, 2)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	rest := make([]byte, 4)
	n, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(rest[:n]))
	conn.Close()

	assert.Same(t, server, NewPrefixConn(server, nil))
}

func TestConnChannelDeliversAndKeepsLeftover(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ch := NewConnChannel(server)
	got := make(chan string, 1)

	var mu sync.Mutex
	var acc []byte
	ch.SetReadHandler(func() {
		mu.Lock()
		defer mu.Unlock()
		buf := make([]byte, 4-len(acc))
		n, err := ch.ReadAvailable(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)
		if len(acc) == 4 {
			ch.SetReadHandler(nil)
			got <- string(acc)
		}
	})

	go client.Write([]byte("HEADtail"))

	select {
	case s := <-got:
		assert.Equal(t, "HEAD", s)
	case <-time.After(2 * time.Second):
		t.Fatal("read handler not called")
	}

	conn := ch.Conn()
	rest := make([]byte, 4)
	_, err := io.ReadFull(conn, rest)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(rest))
	require.NoError(t, conn.Close())
}

func TestConnChannelReportsEOF(t *testing.T) {
	client, server := net.Pipe()
	ch := NewConnChannel(server)
	done := make(chan error, 1)

	ch.SetReadHandler(func() {
		buf := make([]byte, 8)
		_, err := ch.ReadAvailable(buf)
		if err != nil {
			ch.SetReadHandler(nil)
			done <- err
		}
	})
	client.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("EOF not delivered")
	}
	ch.Close()
}

func TestChannelOfReturnsNativeChannel(t *testing.T) {
	_, server := net.Pipe()
	ch := NewConnChannel(server)
	assert.IsType(t, &ConnChannel{}, ChannelOf(server))
	assert.NotNil(t, ch.Conn())
	ch.Close()
}

func TestTCPSocketConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("hi"))
		c.Close()
	}()

	s := NewTCPSocket()
	assert.False(t, s.IsConnected())
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background(), nil, ln.Addr()))
	assert.True(t, s.IsConnected())

	buf := make([]byte, 2)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	err = s.Connect(context.Background(), nil, ln.Addr())
	assert.ErrorIs(t, err, ErrAlreadyConnecting)
	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
}

func TestTCPSocketConnectAsync(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	s := NewTCPSocket()
	obs := NewChanObserver()
	require.NoError(t, s.ConnectAsync(nil, ln.Addr(), time.Second, obs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := obs.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnected, r.Outcome)
	assert.Same(t, s, r.Conn)
	s.Close()
}

func TestTCPSocketConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	ln.Close()

	s := NewTCPSocket()
	obs := NewChanObserver()
	require.NoError(t, s.ConnectAsync(nil, addr, time.Second, obs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := obs.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Error(t, r.Err)
}

func TestTCPSocketOnShutdown(t *testing.T) {
	s := NewTCPSocket()
	calls := 0
	s.OnShutdown(func() { calls++ })
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)

	s.OnShutdown(func() { calls++ })
	assert.Equal(t, 2, calls, "hooks registered after close run immediately")

	err := s.Connect(context.Background(), nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectTypeParse(t *testing.T) {
	tests := []struct {
		in   string
		want ConnectType
		ok   bool
	}{
		{"", ConnectPlain, true},
		{"plain", ConnectPlain, true},
		{"TLS", ConnectTLS, true},
		{"ssl", ConnectSSL, true},
		{"quic", ConnectPlain, false},
	}
	for _, tt := range tests {
		got, err := ParseConnectType(tt.in)
		if tt.ok {
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		} else {
			assert.Error(t, err)
		}
	}
}

func mustParse(t *testing.T, s string) ConnectType {
	t.Helper()
	ct, err := ParseConnectType(s)
	require.NoError(t, err)
	return ct
}

func TestPlainStrategyIsIdentity(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn, err := StrategyFor(ConnectPlain, nil).Upgrade(context.Background(), a, "")
	require.NoError(t, err)
	assert.Same(t, a, conn)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.1.2.3", HostOf(&net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 443}))
	assert.Equal(t, "", HostOf(nil))
}
