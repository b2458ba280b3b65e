package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Common socket errors
var (
	// ErrNotConnected indicates an I/O call on a socket that has no connection yet
	ErrNotConnected = errors.New("socket not connected")

	// ErrClosed indicates the socket was closed
	ErrClosed = errors.New("socket closed")

	// ErrAlreadyConnecting indicates Connect was called twice on the same socket
	ErrAlreadyConnecting = errors.New("socket already connecting")

	// ErrCancelled indicates a pending connect was cancelled before it started
	ErrCancelled = errors.New("connect cancelled")

	// ErrTimeout indicates the raw connect did not complete in time
	ErrTimeout = errors.New("connect timed out")

	// ErrWouldBlock is returned by blocking views when a deadline expires
	ErrWouldBlock = errors.New("operation would block")
)

// OpError represents a socket error with additional context
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("peerdial %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("peerdial %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError. addr may be nil.
func NewOpError(op string, addr net.Addr, err error) *OpError {
	e := &OpError{Op: op, Err: err}
	if addr != nil {
		e.Addr = addr.String()
	}
	return e
}

// BindError reports that the requested local address could not be bound.
type BindError struct {
	Addr net.Addr
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %v: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// IsBindError reports whether err was caused by an unusable local bind address.
func IsBindError(err error) bool {
	if err == nil {
		return false
	}
	var be *BindError
	if errors.As(err, &be) {
		return true
	}
	var se *os.SyscallError
	if errors.As(err, &se) && se.Syscall == "bind" {
		return true
	}
	return errors.Is(err, syscall.EADDRNOTAVAIL)
}
