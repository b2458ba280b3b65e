package dispatch

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

// NonBlockingFrontEnd reads the first word of a channel across readiness
// callbacks. Unknown words may upgrade the channel to TLS and read the word
// again inside the session.
type NonBlockingFrontEnd struct {
	d   *Dispatcher
	tls *tls.Config
}

// NewNonBlockingFrontEnd creates a front end for d. tlsConfig may be nil,
// which disables the TLS upgrade.
func NewNonBlockingFrontEnd(d *Dispatcher, tlsConfig *tls.Config) *NonBlockingFrontEnd {
	return &NonBlockingFrontEnd{d: d, tls: tlsConfig}
}

// HandleChannel starts reading the word from ch. When expected is not
// empty any other word fails the match.
func (fe *NonBlockingFrontEnd) HandleChannel(ch socket.Channel, expected string) {
	fe.d.stats.accepted.Add(1)
	fe.start(ch, expected, fe.tls != nil && fe.d.allowTLS())
}

func (fe *NonBlockingFrontEnd) start(ch socket.Channel, expected string, allowTLS bool) {
	wr := &wordReader{
		fe:       fe,
		ch:       ch,
		buf:      make([]byte, fe.d.MaxWordSize()+1),
		expected: expected,
		allowTLS: allowTLS,
	}
	wr.timer = time.AfterFunc(fe.d.wordReadTimeout(), wr.expire)
	ch.SetReadHandler(wr.onReadable)
}

// wordReader is the per-channel state of a non-blocking word read.
type wordReader struct {
	fe       *NonBlockingFrontEnd
	ch       socket.Channel
	buf      []byte
	n        int
	expected string
	allowTLS bool
	timer    *time.Timer

	mu   sync.Mutex
	done bool
}

func (wr *wordReader) onReadable() {
	wr.mu.Lock()
	if wr.done {
		wr.mu.Unlock()
		return
	}
	for wr.n < len(wr.buf) {
		n, err := wr.ch.ReadAvailable(wr.buf[wr.n:])
		if n > 0 {
			start := wr.n
			wr.n += n
			if i := bytes.IndexByte(wr.buf[start:wr.n], ' '); i >= 0 {
				word := string(wr.buf[:start+i])
				leftover := append([]byte(nil), wr.buf[start+i+1:wr.n]...)
				wr.finish()
				wr.mu.Unlock()
				wr.matched(word, leftover)
				return
			}
		}
		if err != nil {
			wr.finish()
			wr.mu.Unlock()
			wr.failed(err)
			return
		}
		if n == 0 {
			wr.mu.Unlock()
			return
		}
	}
	wr.finish()
	wr.mu.Unlock()
	wr.failed(fmt.Errorf("%w: %d bytes without a space", ErrWordTooLong, wr.n))
}

// finish stops further callbacks. Called with wr.mu held.
func (wr *wordReader) finish() {
	wr.done = true
	wr.timer.Stop()
	wr.ch.SetReadHandler(nil)
}

func (wr *wordReader) expire() {
	wr.mu.Lock()
	if wr.done {
		wr.mu.Unlock()
		return
	}
	wr.finish()
	wr.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "wordReader.expire",
		"peer":     addrString(wr.ch.RemoteAddr()),
	}).Debug("Timed out waiting for protocol word")
	wr.fe.d.stats.unknown.Add(1)
	wr.ch.Close()
}

func (wr *wordReader) matched(word string, leftover []byte) {
	d := wr.fe.d
	switch {
	case wr.expected != "" && word != wr.expected:
		wr.failed(fmt.Errorf("%w: got %q, want %q", ErrUnexpectedWord, word, wr.expected))
	case d.IsKnownWord(word):
		d.Dispatch(word, socket.NewPrefixConn(wr.ch.Conn(), leftover), true)
	default:
		wr.failed(fmt.Errorf("unknown protocol word %q", word))
	}
}

// failed upgrades to TLS when allowed and the peer sent anything, otherwise
// closes the channel.
func (wr *wordReader) failed(cause error) {
	fields := logrus.Fields{
		"function": "wordReader.failed",
		"peer":     addrString(wr.ch.RemoteAddr()),
		"error":    cause.Error(),
	}

	up, ok := wr.ch.(socket.TLSUpgrader)
	if wr.allowTLS && ok && wr.n > 0 {
		tlsCh, err := up.StartTLS(wr.fe.tls, wr.buf[:wr.n])
		if err == nil {
			wr.fe.d.stats.tlsUpgrades.Add(1)
			logrus.WithFields(fields).Debug("Upgrading to TLS")
			wr.fe.start(tlsCh, wr.expected, false)
			return
		}
		fields["tls_error"] = err.Error()
	}

	logrus.WithFields(fields).Debug("Closing connection without a protocol word")
	wr.fe.d.stats.unknown.Add(1)
	wr.ch.Close()
}
