//go:build linux

package dispatch

import (
	"github.com/opd-ai/peerdial/reactor"
	"github.com/sirupsen/logrus"
)

// ListenReactor accepts connections on loop and reads their words with a
// NonBlockingFrontEnd. Connections over the rate limit are closed.
func (s *Server) ListenReactor(loop *reactor.Loop, address string) (*reactor.Listener, error) {
	fe := NewNonBlockingFrontEnd(s.d, s.TLSConfig)
	return loop.Listen(address, func(sock *reactor.Socket) {
		if s.Limiter != nil && !s.Limiter.Allow() {
			logrus.WithFields(logrus.Fields{
				"function": "Server.ListenReactor",
				"peer":     addrString(sock.RemoteAddr()),
			}).Debug("Accept rate exceeded")
			s.d.stats.dropped.Add(1)
			sock.Close()
			return
		}
		fe.HandleChannel(sock, "")
	})
}
