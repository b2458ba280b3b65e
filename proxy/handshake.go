package proxy

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

type stepKind uint8

const (
	stepWrite stepKind = iota
	stepRead
	stepReadLines
)

// State carries values between the steps of one handshake run.
type State struct {
	Method   byte // SOCKS5 method chosen by the server
	AddrType byte // SOCKS5 bound address type
	NameLen  int  // SOCKS5 bound domain name length
}

// Step is one unit of a handshake: write bytes, read exactly N bytes, or read
// header lines up to a blank line. A step with a When predicate is skipped
// when the predicate is false.
type Step struct {
	Name string

	kind       stepKind
	build      func(*State) []byte
	size       func(*State) int
	check      func(*State, []byte) error
	checkLines func(*State, []string) error
	when       func(*State) bool
}

func (s *Step) applies(st *State) bool {
	return s.when == nil || s.when(st)
}

// Handshake is an immutable list of steps. It owns no socket; the same
// handshake can be run by either executor.
type Handshake struct {
	Type  Type
	steps []Step
}

// Steps returns a copy of the step list.
func (h Handshake) Steps() []Step {
	return append([]Step(nil), h.steps...)
}

func fixed(b []byte) func(*State) []byte {
	return func(*State) []byte { return b }
}

func size(n int) func(*State) int {
	return func(*State) int { return n }
}

// SOCKS4Handshake builds a SOCKS4 CONNECT for an IPv4 target.
func SOCKS4Handshake(addr net.Addr, username string) (Handshake, error) {
	t, err := parseTarget(addr)
	if err != nil {
		return Handshake{}, err
	}
	ip4 := t.ip.To4()
	if ip4 == nil {
		return Handshake{}, fmt.Errorf("%w: socks4 requires an IPv4 target, got %s", ErrUnsupportedType, t)
	}

	req := []byte{0x04, 0x01, byte(t.port >> 8), byte(t.port)}
	req = append(req, ip4...)
	req = append(req, username...)
	req = append(req, 0x00)

	return Handshake{Type: TypeSOCKS4, steps: []Step{
		{Name: "socks4 request", kind: stepWrite, build: fixed(req)},
		{Name: "socks4 reply", kind: stepRead, size: size(8), check: checkSOCKS4Reply},
	}}, nil
}

func checkSOCKS4Reply(_ *State, b []byte) error {
	if (b[0] != 0x00 && b[0] != 0x04) || b[1] != 0x5A {
		return fmt.Errorf("%w: Request rejected with status: %d", ErrProtocol, b[1])
	}
	return nil
}

// SOCKS5Handshake builds a SOCKS5 CONNECT. Credentials are offered when
// username is non-empty. IP targets use address types 1 and 4, other hosts
// type 3.
func SOCKS5Handshake(addr net.Addr, username, password string) (Handshake, error) {
	t, err := parseTarget(addr)
	if err != nil {
		return Handshake{}, err
	}
	if len(username) > 255 || len(password) > 255 {
		return Handshake{}, fmt.Errorf("socks5 credentials longer than 255 bytes")
	}

	auth := username != ""
	greeting := []byte{0x05, 0x01, 0x00}
	if auth {
		greeting = []byte{0x05, 0x02, 0x00, 0x02}
	}

	creds := []byte{0x01, byte(len(username))}
	creds = append(creds, username...)
	creds = append(creds, byte(len(password)))
	creds = append(creds, password...)

	req := []byte{0x05, 0x01, 0x00}
	switch {
	case t.ip.To4() != nil:
		req = append(req, 0x01)
		req = append(req, t.ip.To4()...)
	case t.ip != nil:
		req = append(req, 0x04)
		req = append(req, t.ip.To16()...)
	default:
		if len(t.host) > 255 {
			return Handshake{}, fmt.Errorf("socks5 host name longer than 255 bytes")
		}
		req = append(req, 0x03, byte(len(t.host)))
		req = append(req, t.host...)
	}
	req = append(req, byte(t.port>>8), byte(t.port))

	usesAuth := func(st *State) bool { return st.Method == 0x02 }

	return Handshake{Type: TypeSOCKS5, steps: []Step{
		{Name: "socks5 greeting", kind: stepWrite, build: fixed(greeting)},
		{Name: "socks5 method", kind: stepRead, size: size(2), check: func(st *State, b []byte) error {
			if b[0] != 0x05 {
				return fmt.Errorf("%w: unexpected version %d", ErrProtocol, b[0])
			}
			switch {
			case b[1] == 0x00:
			case b[1] == 0x02 && auth:
			case b[1] == 0xFF:
				return fmt.Errorf("%w: no acceptable authentication method", ErrProtocol)
			default:
				return fmt.Errorf("%w: server chose unoffered method %d", ErrProtocol, b[1])
			}
			st.Method = b[1]
			return nil
		}},
		{Name: "socks5 credentials", kind: stepWrite, build: fixed(creds), when: usesAuth},
		{Name: "socks5 auth reply", kind: stepRead, size: size(2), when: usesAuth, check: func(_ *State, b []byte) error {
			if b[0] != 0x01 || b[1] != 0x00 {
				return fmt.Errorf("%w: authentication failed with status: %d", ErrProtocol, b[1])
			}
			return nil
		}},
		{Name: "socks5 connect", kind: stepWrite, build: fixed(req)},
		{Name: "socks5 reply", kind: stepRead, size: size(4), check: func(st *State, b []byte) error {
			if b[0] != 0x05 {
				return fmt.Errorf("%w: unexpected version %d", ErrProtocol, b[0])
			}
			if b[1] != 0x00 {
				return fmt.Errorf("%w: Request rejected with status: %d", ErrProtocol, b[1])
			}
			switch b[3] {
			case 0x01, 0x03, 0x04:
			default:
				return fmt.Errorf("%w: unknown bound address type %d", ErrProtocol, b[3])
			}
			st.AddrType = b[3]
			return nil
		}},
		{Name: "socks5 bound name length", kind: stepRead, size: size(1),
			when: func(st *State) bool { return st.AddrType == 0x03 },
			check: func(st *State, b []byte) error {
				st.NameLen = int(b[0])
				return nil
			}},
		{Name: "socks5 bound address", kind: stepRead, size: func(st *State) int {
			switch st.AddrType {
			case 0x01:
				return 6
			case 0x04:
				return 18
			default:
				return st.NameLen + 2
			}
		}},
	}}, nil
}

// HTTPHandshake builds an HTTP/1.0 CONNECT. Basic proxy authentication is
// added when username is non-empty.
func HTTPHandshake(addr net.Addr, username, password string) (Handshake, error) {
	t, err := parseTarget(addr)
	if err != nil {
		return Handshake{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.0\r\n", t)
	if username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", token)
	}
	sb.WriteString("\r\n")

	return Handshake{Type: TypeHTTP, steps: []Step{
		{Name: "http connect", kind: stepWrite, build: fixed([]byte(sb.String()))},
		{Name: "http reply", kind: stepReadLines, checkLines: checkHTTPReply},
	}}, nil
}

func checkHTTPReply(_ *State, lines []string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: HTTP connection failed: empty reply", ErrProtocol)
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || fields[1] != "200" {
		return fmt.Errorf("%w: HTTP connection failed: %s", ErrProtocol, lines[0])
	}
	return nil
}
