//go:build !linux

package main

import (
	"context"
	"errors"

	"github.com/opd-ai/peerdial"
)

func serveReactor(ctx context.Context, node *peerdial.Node) error {
	return errors.New("the reactor is only available on linux")
}
