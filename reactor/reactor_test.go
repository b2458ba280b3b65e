//go:build linux

package reactor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerdial/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := NewLoop()
	require.NoError(t, err)
	loop.Start()
	t.Cleanup(func() { loop.Close() })
	return loop
}

func waitResult(t *testing.T, obs *socket.ChanObserver) socket.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := obs.Wait(ctx)
	require.NoError(t, err)
	return r
}

func TestInvokeRunsOnLoop(t *testing.T) {
	loop := startLoop(t)
	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, loop.Invoke(func() { done <- i }))
	}
	for want := 0; want < 3; want++ {
		select {
		case got := <-done:
			assert.Equal(t, want, got, "tasks run in submission order")
		case <-time.After(2 * time.Second):
			t.Fatal("task not run")
		}
	}
}

func TestInvokeAfterClose(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Close())
	assert.ErrorIs(t, loop.Invoke(func() {}), ErrLoopClosed)
	_, err = loop.NewSocket()
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestConnectAsyncToStdlibListener(t *testing.T) {
	loop := startLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	s, err := loop.NewSocket()
	require.NoError(t, err)
	obs := socket.NewChanObserver()
	require.NoError(t, s.ConnectAsync(nil, ln.Addr(), 2*time.Second, obs))

	r := waitResult(t, obs)
	require.Equal(t, socket.OutcomeConnected, r.Outcome, "err: %v", r.Err)
	assert.True(t, s.IsConnected())
	assert.NotNil(t, s.LocalAddr())

	peer := <-accepted
	defer peer.Close()

	// blocking view
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
}

func TestConnectRefused(t *testing.T) {
	loop := startLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	ln.Close()

	s, err := loop.NewSocket()
	require.NoError(t, err)
	obs := socket.NewChanObserver()
	require.NoError(t, s.ConnectAsync(nil, addr, time.Second, obs))

	r := waitResult(t, obs)
	assert.Equal(t, socket.OutcomeFailed, r.Outcome)
	assert.Error(t, r.Err)
	assert.False(t, s.IsConnected())
}

func TestBlockingConnect(t *testing.T) {
	loop := startLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	s, err := loop.NewSocket()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, nil, ln.Addr()))
	s.Close()
}

func TestListenerAndReadHandler(t *testing.T) {
	loop := startLoop(t)

	got := make(chan string, 1)
	ln, err := loop.Listen("127.0.0.1:0", func(s *Socket) {
		var acc []byte
		s.SetReadHandler(func() {
			buf := make([]byte, 16)
			for {
				n, err := s.ReadAvailable(buf)
				if err != nil {
					s.Close()
					return
				}
				if n == 0 {
					return
				}
				acc = append(acc, buf[:n]...)
				if len(acc) >= 5 {
					s.SetReadHandler(nil)
					got <- string(acc[:5])
					s.Close()
					return
				}
			}
		})
	})
	require.NoError(t, err)
	defer ln.Close()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("HEL"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Write([]byte("LO"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "HELLO", s)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not assemble input")
	}
}

func TestReadDeadline(t *testing.T) {
	loop := startLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			time.Sleep(500 * time.Millisecond)
			c.Close()
		}
	}()

	s, err := loop.NewSocket()
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), nil, ln.Addr()))
	defer s.Close()

	require.NoError(t, s.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	_, err = s.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestCloseRunsShutdownHooks(t *testing.T) {
	loop := startLoop(t)
	s, err := loop.NewSocket()
	require.NoError(t, err)

	calls := 0
	s.OnShutdown(func() { calls++ })
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)

	err = s.ConnectAsync(nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, 0, socket.NewChanObserver())
	assert.ErrorIs(t, err, socket.ErrClosed)
}
