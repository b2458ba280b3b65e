package dispatch

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/limits"
	"github.com/opd-ai/peerdial/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	localIsPrivate bool
	allowTLS       bool
	timeout        time.Duration
}

func (s inbound) LocalIsPrivate() bool           { return s.localIsPrivate }
func (s inbound) AllowTLS() bool                 { return s.allowTLS }
func (s inbound) WordReadTimeout() time.Duration { return s.timeout }

type loopbackOnly struct{}

func (loopbackOnly) IsLoopback(addr net.Addr) bool {
	ta, ok := addr.(*net.TCPAddr)
	return ok && ta.IP.IsLoopback()
}

func (c loopbackOnly) IsPrivate(addr net.Addr) bool { return c.IsLoopback(addr) }

// recorder is an acceptor that reports each connection with the bytes
// that followed the word.
type recorder struct {
	got  chan accepted
	read int
}

type accepted struct {
	word string
	rest string
}

func newRecorder(read int) *recorder {
	return &recorder{got: make(chan accepted, 4), read: read}
}

func (r *recorder) AcceptConnection(word string, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, r.read)
	io.ReadFull(conn, buf)
	r.got <- accepted{word: word, rest: string(buf)}
}

func (r *recorder) wait(t *testing.T) accepted {
	t.Helper()
	select {
	case a := <-r.got:
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not dispatched")
		return accepted{}
	}
}

var _ interfaces.ConnectionAcceptor = (*recorder)(nil)

func TestRegisterUnregisterRestoresMaxWordSize(t *testing.T) {
	d := NewDispatcher(inbound{}, loopbackOnly{})
	assert.Equal(t, 0, d.MaxWordSize())

	require.NoError(t, d.Register(newRecorder(0), false, true, "GET", "HEAD"))
	assert.Equal(t, 4, d.MaxWordSize())

	require.NoError(t, d.Register(newRecorder(0), false, true, "GNUTELLA", "CONNECT"))
	assert.Equal(t, 8, d.MaxWordSize())
	assert.True(t, d.IsKnownWord("CONNECT"))

	d.Unregister("GNUTELLA", "CONNECT")
	assert.Equal(t, 4, d.MaxWordSize())
	assert.False(t, d.IsKnownWord("CONNECT"))

	d.Unregister("GET", "HEAD")
	assert.Equal(t, 0, d.MaxWordSize())
}

func TestRegisterRejectsInvalidWords(t *testing.T) {
	d := NewDispatcher(inbound{}, nil)
	assert.ErrorIs(t, d.Register(newRecorder(0), false, false, "OK", ""), limits.ErrWordEmpty)
	assert.ErrorIs(t, d.Register(newRecorder(0), false, false, "TWO WORDS"), limits.ErrWordInvalid)
	assert.ErrorIs(t, d.Register(newRecorder(0), false, false, strings.Repeat("A", limits.MaxWordLength+1)), limits.ErrWordTooLong)
	assert.False(t, d.IsKnownWord("OK"), "nothing registered when one word is invalid")
}

func TestReregisterReplacesBinding(t *testing.T) {
	var table WordTable
	first, second := newRecorder(0), newRecorder(0)
	require.NoError(t, table.Put(Binding{Acceptor: first}, "PING"))
	require.NoError(t, table.Put(Binding{Acceptor: second, LocalOnly: true}, "PING"))

	b, ok := table.Lookup("PING")
	require.True(t, ok)
	assert.Same(t, second, b.Acceptor)
	assert.True(t, b.LocalOnly)
	assert.Equal(t, 1, table.Len())
}

func TestReadWord(t *testing.T) {
	r := strings.NewReader("PING payload")
	word, err := readWord(r, 4)
	require.NoError(t, err)
	assert.Equal(t, "PING", word)
	rest, _ := io.ReadAll(r)
	assert.Equal(t, "payload", string(rest))

	_, err = readWord(strings.NewReader("GNUTELLA CONNECT"), 4)
	assert.ErrorIs(t, err, ErrWordTooLong)

	_, err = readWord(strings.NewReader("PIN"), 4)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readWord(strings.NewReader("PING "), 0)
	assert.Error(t, err)
}

// serve starts a blocking accept loop on loopback.
func serve(t *testing.T, d *Dispatcher) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(d).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func send(t *testing.T, addr, msg string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Write([]byte(msg))
	require.NoError(t, err)
	return c
}

func assertClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err, "connection left open")
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open")
}

func TestLoopbackPolicy(t *testing.T) {
	d := NewDispatcher(inbound{localIsPrivate: true}, loopbackOnly{})
	alpha, beta := newRecorder(2), newRecorder(2)
	require.NoError(t, d.Register(alpha, false, true, "ALPHA"))
	require.NoError(t, d.Register(beta, true, false, "BETA"))
	addr := serve(t, d)

	send(t, addr, "BETA hi")
	got := beta.wait(t)
	assert.Equal(t, accepted{word: "BETA", rest: "hi"}, got)

	c := send(t, addr, "ALPHA hi")
	assertClosed(t, c)
	assert.Empty(t, alpha.got)
	assert.Eventually(t, func() bool { return d.Stats().Dropped == 1 }, time.Second, 10*time.Millisecond)
}

func TestLoopbackAllowedWhenNotPrivate(t *testing.T) {
	d := NewDispatcher(inbound{}, loopbackOnly{})
	alpha := newRecorder(2)
	require.NoError(t, d.Register(alpha, false, true, "ALPHA"))
	addr := serve(t, d)

	send(t, addr, "ALPHA hi")
	assert.Equal(t, "ALPHA", alpha.wait(t).word)
}

func TestProxyProtocolPeerAddress(t *testing.T) {
	d := NewDispatcher(inbound{localIsPrivate: true}, loopbackOnly{})
	alpha := newRecorder(2)
	require.NoError(t, d.Register(alpha, false, true, "ALPHA"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(d)
	srv.ProxyProtocol = true
	go srv.Serve(ctx, ln)

	send(t, ln.Addr().String(), "PROXY TCP4 192.0.2.1 127.0.0.1 5000 80\r\nALPHA hi")
	assert.Equal(t, accepted{word: "ALPHA", rest: "hi"}, alpha.wait(t))
}

func TestLocalOnlyRefusesRemotePeer(t *testing.T) {
	d := NewDispatcher(inbound{}, loopbackOnly{})
	rec := newRecorder(0)
	require.NoError(t, d.Register(rec, true, false, "STATUS"))

	client, server := net.Pipe()
	defer client.Close()
	d.Dispatch("STATUS", server, false)
	_, err := server.Write([]byte{1})
	assert.Error(t, err, "pipe peer is not loopback, connection closed")
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestBlockingFrontEndClosesUnknown(t *testing.T) {
	d := NewDispatcher(inbound{timeout: time.Second}, loopbackOnly{})
	require.NoError(t, d.Register(newRecorder(0), false, true, "PING"))
	addr := serve(t, d)

	assertClosed(t, send(t, addr, "PONG "))
	assertClosed(t, send(t, addr, "GNUTELLA/0.6"))
	assert.Eventually(t, func() bool { return d.Stats().Unknown == 2 }, time.Second, 10*time.Millisecond)
}

func TestBlockingFrontEndTimesOut(t *testing.T) {
	d := NewDispatcher(inbound{timeout: 50 * time.Millisecond}, loopbackOnly{})
	require.NoError(t, d.Register(newRecorder(0), false, true, "PING"))
	addr := serve(t, d)

	assertClosed(t, send(t, addr, "PI"))
}

func TestNonBlockingFrontEnd(t *testing.T) {
	d := NewDispatcher(inbound{}, loopbackOnly{})
	rec := newRecorder(5)
	require.NoError(t, d.Register(rec, false, true, "HELLO"))
	fe := NewNonBlockingFrontEnd(d, nil)

	client, server := net.Pipe()
	defer client.Close()
	fe.HandleChannel(socket.NewConnChannel(server), "")

	go func() {
		client.Write([]byte("HEL"))
		client.Write([]byte("LO wo"))
		client.Write([]byte("rld"))
	}()
	assert.Equal(t, accepted{word: "HELLO", rest: "world"}, rec.wait(t))
	assert.Equal(t, uint64(1), d.Stats().Dispatched)
}

func TestNonBlockingFrontEndFailures(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"unknown word", "WORLD ", ""},
		{"no space", "HELLOHELLO", ""},
		{"unexpected word", "HELLO ", "GNUTELLA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(inbound{}, loopbackOnly{})
			rec := newRecorder(0)
			require.NoError(t, d.Register(rec, false, true, "HELLO", "GNUTELLA"))
			fe := NewNonBlockingFrontEnd(d, nil)

			client, server := net.Pipe()
			defer client.Close()
			fe.HandleChannel(socket.NewConnChannel(server), tt.expected)
			go client.Write([]byte(tt.input))

			client.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, err := client.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF)
			assert.Empty(t, rec.got)
		})
	}
}

func TestNonBlockingFrontEndTimesOut(t *testing.T) {
	d := NewDispatcher(inbound{timeout: 50 * time.Millisecond}, loopbackOnly{})
	require.NoError(t, d.Register(newRecorder(0), false, true, "HELLO"))
	fe := NewNonBlockingFrontEnd(d, nil)

	client, server := net.Pipe()
	defer client.Close()
	fe.HandleChannel(socket.NewConnChannel(server), "")

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "peerdial test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func TestNonBlockingFrontEndUpgradesToTLS(t *testing.T) {
	d := NewDispatcher(inbound{allowTLS: true}, loopbackOnly{})
	var once sync.Once
	got := make(chan accepted, 1)
	require.NoError(t, d.Register(interfaces.AcceptorFunc(func(word string, conn net.Conn) {
		buf := make([]byte, 4)
		io.ReadFull(conn, buf)
		conn.Write([]byte("ok"))
		once.Do(func() { got <- accepted{word: word, rest: string(buf)} })
	}), false, true, "HELLO"))
	fe := NewNonBlockingFrontEnd(d, selfSignedConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			fe.HandleChannel(socket.NewConnChannel(c), "")
		}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, client.Handshake())
	_, err = client.Write([]byte("HELLO data"))
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))

	select {
	case a := <-got:
		assert.Equal(t, accepted{word: "HELLO", rest: "data"}, a)
	case <-time.After(3 * time.Second):
		t.Fatal("TLS connection was not dispatched")
	}
	assert.Equal(t, uint64(1), d.Stats().TLSUpgrades)
}

func TestNonBlockingFrontEndTLSDisabled(t *testing.T) {
	d := NewDispatcher(inbound{allowTLS: false}, loopbackOnly{})
	require.NoError(t, d.Register(newRecorder(0), false, true, "HELLO"))
	fe := NewNonBlockingFrontEnd(d, selfSignedConfig(t))

	client, server := net.Pipe()
	defer client.Close()
	fe.HandleChannel(socket.NewConnChannel(server), "")
	go client.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01})

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, d.Stats().TLSUpgrades)
}

func TestNewRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 10))
	l := NewRateLimiter(1, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}
