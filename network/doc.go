// Package network provides address types and the collaborators the sockets
// facade plugs in: a private-range [Classifier], a [DNSResolver] for
// unresolved [HostAddr] values built on github.com/miekg/dns, and a
// [WebSocketConnector] for [WSAddr] endpoints built on
// github.com/gorilla/websocket.
package network
