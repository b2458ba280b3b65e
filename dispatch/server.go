package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server runs accept loops that feed a Dispatcher.
type Server struct {
	d *Dispatcher

	// ProxyProtocol expects a PROXY protocol header on every connection so
	// the peer policy sees the real client address
	ProxyProtocol bool

	// HeaderTimeout bounds the wait for the PROXY header
	HeaderTimeout time.Duration

	// Limiter throttles accepted connections when set
	Limiter *rate.Limiter

	// TLSConfig enables TLS upgrades in the non-blocking front end
	TLSConfig *tls.Config
}

// NewServer creates a server for d.
func NewServer(d *Dispatcher) *Server {
	return &Server{d: d, HeaderTimeout: 5 * time.Second}
}

// NewRateLimiter returns a limiter admitting perSecond connections with the
// given burst, or nil when perSecond is not positive.
func NewRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Serve accepts connections from ln until ctx is done or ln fails, serving
// each on its own goroutine with a BlockingFrontEnd. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: s.HeaderTimeout}
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	logrus.WithFields(logrus.Fields{
		"function":       "Server.Serve",
		"address":        ln.Addr().String(),
		"proxy_protocol": s.ProxyProtocol,
	}).Info("Accepting connections")

	fe := NewBlockingFrontEnd(s.d)
	for {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.Serve",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}
		go fe.Serve(conn)
	}
}
