package dispatch

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWordTooLong indicates no space was found within the longest
	// registered word
	ErrWordTooLong = errors.New("protocol word too long")

	// ErrUnexpectedWord indicates the word differs from the one expected
	// on the connection
	ErrUnexpectedWord = errors.New("unexpected protocol word")
)

// Stats counts inbound connections by what happened to them.
type Stats struct {
	Accepted    uint64
	Dispatched  uint64
	Dropped     uint64
	Unknown     uint64
	TLSUpgrades uint64
}

type counters struct {
	accepted    atomic.Uint64
	dispatched  atomic.Uint64
	dropped     atomic.Uint64
	unknown     atomic.Uint64
	tlsUpgrades atomic.Uint64
}

// Dispatcher routes accepted connections to the acceptor registered for
// their first word.
type Dispatcher struct {
	table      WordTable
	settings   interfaces.InboundSettings
	classifier interfaces.AddressClassifier
	stats      counters
}

// NewDispatcher creates a dispatcher with an empty word table.
func NewDispatcher(settings interfaces.InboundSettings, classifier interfaces.AddressClassifier) *Dispatcher {
	return &Dispatcher{settings: settings, classifier: classifier}
}

// Register binds acceptor to words. Re-registering a word replaces its
// binding.
func (d *Dispatcher) Register(acceptor interfaces.ConnectionAcceptor, localOnly, blocking bool, words ...string) error {
	b := Binding{Acceptor: acceptor, LocalOnly: localOnly, Blocking: blocking}
	if err := d.table.Put(b, words...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Register",
			"words":    words,
			"error":    err.Error(),
		}).Warn("Rejected protocol word")
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Dispatcher.Register",
		"words":      words,
		"local_only": localOnly,
		"blocking":   blocking,
	}).Debug("Registered protocol words")
	return nil
}

// Unregister removes words from the table.
func (d *Dispatcher) Unregister(words ...string) {
	d.table.Remove(words...)
}

// IsKnownWord reports whether word has a binding.
func (d *Dispatcher) IsKnownWord(word string) bool {
	_, ok := d.table.Lookup(word)
	return ok
}

// MaxWordSize returns the length of the longest registered word.
func (d *Dispatcher) MaxWordSize() int {
	return d.table.MaxLen()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:    d.stats.accepted.Load(),
		Dispatched:  d.stats.dispatched.Load(),
		Dropped:     d.stats.dropped.Load(),
		Unknown:     d.stats.unknown.Load(),
		TLSUpgrades: d.stats.tlsUpgrades.Load(),
	}
}

// Dispatch hands conn to the acceptor bound to word, or closes it when the
// word is unknown or the peer is refused. A blocking binding runs on a new
// goroutine when spawn is set; everything else runs inline.
func (d *Dispatcher) Dispatch(word string, conn net.Conn, spawn bool) {
	b, ok := d.table.Lookup(word)
	if !ok {
		d.stats.unknown.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Dispatch",
			"word":     word,
			"peer":     addrString(conn.RemoteAddr()),
		}).Debug("Unknown protocol word")
		conn.Close()
		return
	}

	if !d.allowed(b, conn.RemoteAddr()) {
		d.stats.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.Dispatch",
			"word":       word,
			"peer":       addrString(conn.RemoteAddr()),
			"local_only": b.LocalOnly,
		}).Info("Dropped connection by peer policy")
		conn.Close()
		return
	}

	d.stats.dispatched.Add(1)
	if b.Blocking && spawn {
		go b.Acceptor.AcceptConnection(word, conn)
		return
	}
	b.Acceptor.AcceptConnection(word, conn)
}

// allowed applies the peer policy: local-only bindings refuse remote peers,
// and when loopback counts as private the other bindings refuse loopback
// peers.
func (d *Dispatcher) allowed(b Binding, peer net.Addr) bool {
	loopback := d.classifier != nil && peer != nil && d.classifier.IsLoopback(peer)
	if b.LocalOnly {
		return loopback
	}
	if loopback && d.settings != nil && d.settings.LocalIsPrivate() {
		return false
	}
	return true
}

func (d *Dispatcher) allowTLS() bool {
	return d.settings != nil && d.settings.AllowTLS()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
