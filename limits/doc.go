// Package limits provides centralized bounds for connection establishment.
// Every package that admits connections, parses handshakes or sniffs protocol
// words takes its limits from here so the values stay consistent.
//
// # Admission
//
//   - DefaultMaxConnecting (4): the number of outbound connects allowed in
//     flight at once before non-blocking callers are queued and blocking
//     callers wait.
//
// # Protocol Words
//
// Inbound connections are routed by the first word a peer sends. Words are
// validated on registration:
//
//	err := limits.ValidateWord("GNUTELLA")
//	if err != nil {
//	    // ErrWordEmpty, ErrWordTooLong or ErrWordInvalid
//	}
//
// MaxWordLength bounds both registration and the number of bytes a front end
// is willing to buffer while sniffing.
//
// # Handshakes
//
// MaxHandshakeLine and MaxHandshakeLines bound an HTTP CONNECT reply so a
// hostile proxy cannot make the client buffer without limit.
//
// # Resolution
//
// MaxResolveCycles bounds how many times abstract address resolvers may
// rewrite an address before the facade gives up.
package limits
