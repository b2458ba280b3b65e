package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/peerdial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNode(t *testing.T) (*peerdial.Node, string) {
	t.Helper()
	opts := peerdial.NewOptions()
	opts.Inbound.LocalIsPrivate = false
	node, err := peerdial.New(opts, nil)
	require.NoError(t, err)
	require.NoError(t, registerAcceptors(node.Dispatcher))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go node.Server.Serve(ctx, ln)
	return node, ln.Addr().String()
}

func TestDialPing(t *testing.T) {
	node, addr := startNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, dial(ctx, node, addr, "PING", "hello peer", &out))
	assert.Equal(t, "hello peer", out.String())
}

func TestDialStatus(t *testing.T) {
	node, addr := startNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, dial(ctx, node, addr, "STATUS", "", &out))
	assert.True(t, strings.HasPrefix(out.String(), "accepted="), out.String())
	assert.Contains(t, out.String(), "dispatched=1")
}

func TestValidateCLIConfig(t *testing.T) {
	ok := &CLIConfig{word: "PING", timeout: time.Second}
	assert.NoError(t, validateCLIConfig(ok))

	assert.Error(t, validateCLIConfig(&CLIConfig{word: "PING", timeout: time.Second, certFile: "c.pem"}))
	assert.Error(t, validateCLIConfig(&CLIConfig{dial: "127.0.0.1:1", timeout: time.Second}))
	assert.Error(t, validateCLIConfig(&CLIConfig{word: "PING"}))
}
