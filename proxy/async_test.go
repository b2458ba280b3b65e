package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerdial/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a socket.Channel whose readiness is driven by the test.
type fakeChannel struct {
	mu           sync.Mutex
	in           []byte
	eof          bool
	out          bytes.Buffer
	writeBlocked bool
	readH        func()
	writeH       func()
	closed       bool
}

func (f *fakeChannel) ReadAvailable(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) > 0 {
		n := copy(p, f.in)
		f.in = f.in[n:]
		return n, nil
	}
	if f.eof {
		return 0, io.EOF
	}
	return 0, nil
}

func (f *fakeChannel) WriteAvailable(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeBlocked {
		return 0, nil
	}
	return f.out.Write(p)
}

func (f *fakeChannel) SetReadHandler(h func()) {
	f.mu.Lock()
	f.readH = h
	f.mu.Unlock()
}

func (f *fakeChannel) SetWriteHandler(h func()) {
	f.mu.Lock()
	f.writeH = h
	f.mu.Unlock()
}

func (f *fakeChannel) feed(b []byte) {
	f.mu.Lock()
	f.in = append(f.in, b...)
	h := f.readH
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeChannel) hangUp() {
	f.mu.Lock()
	f.eof = true
	h := f.readH
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeChannel) unblockWrites() {
	f.mu.Lock()
	f.writeBlocked = false
	h := f.writeH
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeChannel) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.out.Bytes()...)
}

func (f *fakeChannel) Conn() net.Conn       { return nil }
func (f *fakeChannel) Close() error         { f.mu.Lock(); f.closed = true; f.mu.Unlock(); return nil }
func (f *fakeChannel) LocalAddr() net.Addr  { return nil }
func (f *fakeChannel) RemoteAddr() net.Addr { return nil }

type doneRecorder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *doneRecorder) done(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.err = err
}

func (d *doneRecorder) result() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.err
}

func TestAsyncSOCKS5ByteByByte(t *testing.T) {
	hs, err := SOCKS5Handshake(exampleTarget, "u", "p")
	require.NoError(t, err)

	ch := &fakeChannel{}
	rec := &doneRecorder{}
	RunAsync(ch, hs, rec.done)

	assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x02}, ch.written())

	reply := bytes.Join([][]byte{
		{0x05, 0x02},
		{0x01, 0x00},
		{0x05, 0x00, 0x00, 0x03, 0x02, 'h', 'i', 0x00, 0x50},
	}, nil)
	for i, b := range reply {
		calls, _ := rec.result()
		require.Zero(t, calls, "finished early at byte %d", i)
		ch.feed([]byte{b})
	}

	calls, err := rec.result()
	require.Equal(t, 1, calls)
	require.NoError(t, err)

	want := bytes.Join([][]byte{
		{0x05, 0x02, 0x00, 0x02},
		{0x01, 0x01, 0x75, 0x01, 0x70},
		{0x05, 0x01, 0x00, 0x01, 0x5D, 0xB8, 0xD8, 0x22, 0x00, 0x50},
	}, nil)
	assert.Equal(t, want, ch.written())
	assert.Nil(t, ch.readH, "handlers cleared when finished")
	assert.Nil(t, ch.writeH)
}

func TestAsyncLeavesTunnelledData(t *testing.T) {
	hs, err := SOCKS4Handshake(exampleTarget, "")
	require.NoError(t, err)

	ch := &fakeChannel{}
	rec := &doneRecorder{}
	RunAsync(ch, hs, rec.done)
	ch.feed([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'})

	_, err = rec.result()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(ch.in))
}

func TestAsyncWaitsForWritability(t *testing.T) {
	hs, err := HTTPHandshake(exampleTarget, "", "")
	require.NoError(t, err)

	ch := &fakeChannel{writeBlocked: true}
	rec := &doneRecorder{}
	RunAsync(ch, hs, rec.done)
	assert.Empty(t, ch.written())
	require.NotNil(t, ch.writeH)

	ch.unblockWrites()
	assert.Equal(t, "CONNECT 93.184.216.34:80 HTTP/1.0\r\n\r\n", string(ch.written()))

	ch.feed([]byte("HTTP/1.0 200 OK\r\n"))
	calls, _ := rec.result()
	assert.Zero(t, calls)
	ch.feed([]byte("\r\n"))
	calls, err = rec.result()
	assert.Equal(t, 1, calls)
	assert.NoError(t, err)
}

func TestAsyncFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		hs, err := HTTPHandshake(exampleTarget, "", "")
		require.NoError(t, err)
		ch := &fakeChannel{}
		rec := &doneRecorder{}
		RunAsync(ch, hs, rec.done)
		ch.feed([]byte("HTTP/1.0 403 Forbidden\r\n\r\n"))
		calls, err := rec.result()
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("premature eof", func(t *testing.T) {
		hs, err := SOCKS4Handshake(exampleTarget, "")
		require.NoError(t, err)
		ch := &fakeChannel{}
		rec := &doneRecorder{}
		RunAsync(ch, hs, rec.done)
		ch.feed([]byte{0x00, 0x5A})
		ch.hangUp()
		calls, err := rec.result()
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("abort", func(t *testing.T) {
		hs, err := SOCKS4Handshake(exampleTarget, "")
		require.NoError(t, err)
		ch := &fakeChannel{}
		rec := &doneRecorder{}
		r := RunAsync(ch, hs, rec.done)
		boom := errors.New("boom")
		r.Abort(boom)
		r.Abort(errors.New("again"))
		ch.feed([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
		calls, err := rec.result()
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, boom)
	})
}

// serveSOCKS4 plays a SOCKS4 proxy on conn.
func serveSOCKS4(t *testing.T, conn net.Conn, status byte, after string) {
	defer func() {
		if status != 0x5A {
			conn.Close()
		}
	}()
	req := make([]byte, 9)
	if _, err := io.ReadFull(conn, req); err != nil {
		t.Errorf("proxy read: %v", err)
		return
	}
	reply := append([]byte{0x00, status, 0, 0, 0, 0, 0, 0}, after...)
	conn.Write(reply)
}

func TestConnectorOverPipe(t *testing.T) {
	m := NewManager(&Settings{Type: TypeSOCKS4, Host: "127.0.0.1", Port: 1080}, nil)
	obs := socket.NewChanObserver()
	c, err := m.ConnectorFor(TypeSOCKS4, obs, exampleTarget, time.Second)
	require.NoError(t, err)
	assert.Same(t, obs, c.Delegate())

	client, server := net.Pipe()
	defer client.Close()
	go serveSOCKS4(t, server, 0x5A, "welcome")

	c.HandleConnect(socket.Connected(client))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := obs.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, socket.OutcomeConnected, r.Outcome, "err: %v", r.Err)

	buf := make([]byte, 7)
	_, err = io.ReadFull(r.Conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(buf))
}

func TestConnectorRejected(t *testing.T) {
	m := NewManager(&Settings{Type: TypeSOCKS4, Host: "127.0.0.1", Port: 1080}, nil)
	obs := socket.NewChanObserver()
	c, err := m.ConnectorFor(TypeSOCKS4, obs, exampleTarget, time.Second)
	require.NoError(t, err)

	client, server := net.Pipe()
	go serveSOCKS4(t, server, 0x5B, "")
	c.HandleConnect(socket.Connected(client))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := obs.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, socket.OutcomeFailed, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrProtocol)

	_, err = client.Write([]byte{1})
	assert.Error(t, err, "proxy connection closed on failure")
}

func TestConnectorPassesThroughFailure(t *testing.T) {
	m := NewManager(&Settings{Type: TypeSOCKS5}, nil)
	obs := socket.NewChanObserver()
	c, err := m.ConnectorFor(TypeSOCKS5, obs, exampleTarget, 0)
	require.NoError(t, err)

	c.HandleConnect(socket.Cancelled())
	r := <-obs.Results()
	assert.Equal(t, socket.OutcomeCancelled, r.Outcome)
}
