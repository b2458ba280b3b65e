package socket

import (
	"context"
	"fmt"
	"net"
	"reflect"

	"github.com/sirupsen/logrus"
)

// Outcome is the terminal state of an asynchronous connect.
type Outcome uint8

const (
	// OutcomeConnected means Result.Conn is a connected stream.
	OutcomeConnected Outcome = iota
	// OutcomeFailed means the attempt ran and failed; Result.Err says why.
	OutcomeFailed
	// OutcomeCancelled means the attempt was withdrawn or the socket was
	// shut down before it could finish.
	OutcomeCancelled
)

// String returns a human-readable representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Result is delivered exactly once to a ConnectObserver.
type Result struct {
	Conn    net.Conn
	Err     error
	Outcome Outcome
}

// Connected builds a successful Result.
func Connected(conn net.Conn) Result {
	return Result{Conn: conn, Outcome: OutcomeConnected}
}

// Failed builds a failed Result.
func Failed(err error) Result {
	return Result{Err: err, Outcome: OutcomeFailed}
}

// Cancelled builds a cancellation Result.
func Cancelled() Result {
	return Result{Err: ErrCancelled, Outcome: OutcomeCancelled}
}

// ConnectObserver is notified of the outcome of a non-blocking connect.
// HandleConnect is called exactly once per attempt. It may be invoked on a
// reactor goroutine and must not block.
type ConnectObserver interface {
	HandleConnect(r Result)
}

// Delegator is implemented by observers that decorate another observer.
// Cancellation lookups walk the Delegate chain to find the caller's own
// observer.
type Delegator interface {
	Delegate() ConnectObserver
}

// Unwrap returns the innermost observer in obs's delegate chain.
func Unwrap(obs ConnectObserver) ConnectObserver {
	for {
		d, ok := obs.(Delegator)
		if !ok {
			return obs
		}
		inner := d.Delegate()
		if inner == nil {
			return obs
		}
		obs = inner
	}
}

// Matches reports whether target is candidate or any observer that
// candidate delegates to.
func Matches(candidate, target ConnectObserver) bool {
	for candidate != nil {
		if sameObserver(candidate, target) {
			return true
		}
		d, ok := candidate.(Delegator)
		if !ok {
			return false
		}
		candidate = d.Delegate()
	}
	return false
}

// sameObserver compares observers without panicking on uncomparable
// dynamic types.
func sameObserver(a, b ConnectObserver) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// FuncObserver adapts a function to ConnectObserver. It is a pointer type so
// it can be matched for cancellation.
type FuncObserver struct {
	fn func(Result)
}

// NewFuncObserver wraps fn.
func NewFuncObserver(fn func(Result)) *FuncObserver {
	return &FuncObserver{fn: fn}
}

// HandleConnect calls the wrapped function.
func (f *FuncObserver) HandleConnect(r Result) {
	f.fn(r)
}

// ChanObserver delivers the Result on a channel.
type ChanObserver struct {
	ch chan Result
}

// NewChanObserver creates an observer with a one-slot result channel.
func NewChanObserver() *ChanObserver {
	return &ChanObserver{ch: make(chan Result, 1)}
}

// HandleConnect stores r for the receiver. A second result is dropped.
func (c *ChanObserver) HandleConnect(r Result) {
	select {
	case c.ch <- r:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "ChanObserver.HandleConnect",
			"outcome":  r.Outcome.String(),
		}).Warn("Dropping duplicate connect result")
	}
}

// Results returns the channel the Result is delivered on.
func (c *ChanObserver) Results() <-chan Result {
	return c.ch
}

// Wait blocks until the Result arrives or ctx is done.
func (c *ChanObserver) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-c.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
