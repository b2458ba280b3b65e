//go:build linux

package main

import (
	"context"

	"github.com/opd-ai/peerdial"
	"github.com/opd-ai/peerdial/reactor"
	"github.com/sirupsen/logrus"
)

// serveReactor accepts inbound connections on an epoll loop until ctx is
// done.
func serveReactor(ctx context.Context, node *peerdial.Node) error {
	loop, err := reactor.NewLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	loop.Start()

	address := node.Options().Inbound.Listen
	ln, err := node.Server.ListenReactor(loop, address)
	if err != nil {
		return err
	}
	defer ln.Close()

	logrus.WithFields(logrus.Fields{
		"function": "serveReactor",
		"address":  ln.Addr().String(),
	}).Info("Accepting connections on reactor")

	<-ctx.Done()
	return ctx.Err()
}
