// Package sockets is the single entry point for outbound connects.
//
// A [Manager] combines the proxy engine, the admission controller and the
// connect type strategies:
//
//	m := sockets.NewManager(sockets.Config{
//		Controller: admission.NewBounded(4, opts),
//		Proxy:      proxy.NewManager(opts, network.NewClassifier()),
//		Binds:      opts,
//	})
//	conn, err := m.Connect(ctx, nil, nil, remote, 10*time.Second, nil, socket.ConnectTLS)
//
// For an IP endpoint the manager decides whether the target is proxied,
// connects the raw socket to the proxy or the target under admission
// control, runs the proxy handshake and finally applies the connect type,
// so TLS runs end to end through the proxy.
//
// Addresses that are not IP endpoints go through the registered resolvers
// and connectors. Resolvers are applied in registration order until none
// claims the result, at most limits.MaxResolveCycles times; the result is
// connected directly when it is an IP endpoint and by the first claiming
// connector otherwise.
//
// Manager also implements golang.org/x/net/proxy.Dialer and ContextDialer.
package sockets
