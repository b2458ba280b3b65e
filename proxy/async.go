package proxy

import (
	"fmt"
	"sync"

	"github.com/opd-ai/peerdial/socket"
)

// AsyncRunner executes a handshake over a socket.Channel, driven by
// readiness callbacks. It reads exactly the bytes each step needs, so
// tunnelled data that follows the handshake stays in the channel.
type AsyncRunner struct {
	ch   socket.Channel
	hs   Handshake
	done func(error)

	mu       sync.Mutex
	notify   bool
	result   error
	st       State
	idx      int
	pending  []byte
	buf      []byte
	need     int
	reading  bool
	lines    lineAccumulator
	finished bool
}

// RunAsync starts hs on ch and returns at once. done is called exactly once,
// from a channel callback or from RunAsync itself, with nil on success.
// The runner never closes ch.
func RunAsync(ch socket.Channel, hs Handshake, done func(error)) *AsyncRunner {
	r := &AsyncRunner{ch: ch, hs: hs, done: done}
	r.mu.Lock()
	r.advance()
	r.unlockAndNotify()
	return r
}

// Abort stops the runner and reports err if it has not finished.
func (r *AsyncRunner) Abort(err error) {
	r.mu.Lock()
	r.finish(err)
	r.unlockAndNotify()
}

// advance runs steps until one has to wait. r.mu must be held.
func (r *AsyncRunner) advance() {
	for !r.finished {
		if r.idx == len(r.hs.steps) {
			r.finish(nil)
			return
		}
		step := &r.hs.steps[r.idx]
		if !r.reading && r.pending == nil && !step.applies(&r.st) {
			r.idx++
			continue
		}

		switch step.kind {
		case stepWrite:
			if r.pending == nil {
				r.pending = step.build(&r.st)
			}
			n, err := r.ch.WriteAvailable(r.pending)
			if err != nil {
				r.finish(fmt.Errorf("%s: %w", step.Name, err))
				return
			}
			r.pending = r.pending[n:]
			if len(r.pending) > 0 {
				r.ch.SetWriteHandler(r.onWritable)
				return
			}
			r.pending = nil
			r.idx++

		case stepRead, stepReadLines:
			if !r.reading {
				r.reading = true
				r.lines = lineAccumulator{}
				if step.kind == stepRead {
					r.need = step.size(&r.st)
					r.buf = make([]byte, 0, r.need)
				}
			}
			complete, err := r.pull(step)
			if err != nil {
				r.finish(err)
				return
			}
			if !complete {
				r.ch.SetReadHandler(r.onReadable)
				return
			}
			r.reading = false
			if err := r.checkStep(step); err != nil {
				r.finish(err)
				return
			}
			r.idx++
		}
	}
}

// pull reads what is available for the current read step.
func (r *AsyncRunner) pull(step *Step) (bool, error) {
	if step.kind == stepRead {
		for len(r.buf) < r.need {
			n, err := r.ch.ReadAvailable(r.buf[len(r.buf):r.need])
			r.buf = r.buf[:len(r.buf)+n]
			if err != nil {
				return false, fmt.Errorf("%s: %w", step.Name, unexpected(err))
			}
			if n == 0 {
				return false, nil
			}
		}
		return true, nil
	}

	var b [1]byte
	for {
		n, err := r.ch.ReadAvailable(b[:])
		if err != nil {
			return false, fmt.Errorf("%s: %w", step.Name, unexpected(err))
		}
		if n == 0 {
			return false, nil
		}
		done, err := r.lines.feed(b[0])
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
}

func (r *AsyncRunner) checkStep(step *Step) error {
	switch {
	case step.kind == stepRead && step.check != nil:
		return step.check(&r.st, r.buf)
	case step.kind == stepReadLines && step.checkLines != nil:
		return step.checkLines(&r.st, r.lines.lines)
	}
	return nil
}

func (r *AsyncRunner) onReadable() {
	r.mu.Lock()
	if !r.finished && r.reading {
		r.advance()
	}
	r.unlockAndNotify()
}

func (r *AsyncRunner) onWritable() {
	r.mu.Lock()
	if !r.finished && r.pending != nil {
		r.ch.SetWriteHandler(nil)
		r.advance()
	}
	r.unlockAndNotify()
}

// finish clears the handlers and records the outcome. r.mu must be held.
func (r *AsyncRunner) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.notify = true
	r.result = err
	r.ch.SetReadHandler(nil)
	r.ch.SetWriteHandler(nil)
}

// unlockAndNotify releases r.mu and then reports a recorded outcome, so
// done may freely close the channel or start other work.
func (r *AsyncRunner) unlockAndNotify() {
	notify, err := r.notify, r.result
	r.notify = false
	r.mu.Unlock()
	if notify {
		r.done(err)
	}
}
