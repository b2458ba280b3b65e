package main

import (
	"fmt"
	"io"
	"net"

	"github.com/opd-ai/peerdial/dispatch"
	"github.com/opd-ai/peerdial/interfaces"
	"github.com/sirupsen/logrus"
)

// registerAcceptors binds PING and STATUS on d.
func registerAcceptors(d *dispatch.Dispatcher) error {
	if err := d.Register(interfaces.AcceptorFunc(echo), false, true, "PING"); err != nil {
		return err
	}
	return d.Register(statusAcceptor(d), true, true, "STATUS")
}

// echo copies the rest of the stream back to the peer.
func echo(word string, conn net.Conn) {
	defer conn.Close()
	n, err := io.Copy(conn, conn)
	logrus.WithFields(logrus.Fields{
		"function": "echo",
		"peer":     conn.RemoteAddr().String(),
		"bytes":    n,
		"error":    err,
	}).Debug("Echo finished")
}

// statusAcceptor reports the dispatcher counters and closes.
func statusAcceptor(d *dispatch.Dispatcher) interfaces.ConnectionAcceptor {
	return interfaces.AcceptorFunc(func(word string, conn net.Conn) {
		defer conn.Close()
		s := d.Stats()
		fmt.Fprintf(conn, "accepted=%d dispatched=%d dropped=%d unknown=%d tls_upgrades=%d\n",
			s.Accepted, s.Dispatched, s.Dropped, s.Unknown, s.TLSUpgrades)
	})
}
