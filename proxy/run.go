package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/peerdial/limits"
)

// lineAccumulator collects CRLF or LF terminated lines up to a blank line.
type lineAccumulator struct {
	line  []byte
	lines []string
}

// feed adds one byte and reports whether the blank line was seen.
func (a *lineAccumulator) feed(b byte) (bool, error) {
	if b != '\n' {
		if len(a.line) >= limits.MaxHandshakeLine {
			return false, fmt.Errorf("%w: reply line exceeds %d bytes", ErrProtocol, limits.MaxHandshakeLine)
		}
		a.line = append(a.line, b)
		return false, nil
	}
	line := strings.TrimSuffix(string(a.line), "\r")
	a.line = a.line[:0]
	if line == "" {
		return true, nil
	}
	if len(a.lines) >= limits.MaxHandshakeLines {
		return false, fmt.Errorf("%w: reply exceeds %d lines", ErrProtocol, limits.MaxHandshakeLines)
	}
	a.lines = append(a.lines, line)
	return false, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Run executes hs inline over rw. It never reads past the final byte of the
// handshake, so data the peer sends after it stays unread. If rw supports
// deadlines, ctx's deadline and cancellation are applied to it.
func Run(ctx context.Context, rw io.ReadWriter, hs Handshake) error {
	if d, ok := rw.(deadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			d.SetDeadline(dl)
		}
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if stop() {
				d.SetDeadline(time.Time{})
			}
		}()
	}

	st := &State{}
	for i := range hs.steps {
		step := &hs.steps[i]
		if !step.applies(st) {
			continue
		}
		if err := runStep(rw, st, step); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", step.Name, ctx.Err())
			}
			if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%s: %w", step.Name, context.DeadlineExceeded)
			}
			return err
		}
	}
	return nil
}

func runStep(rw io.ReadWriter, st *State, step *Step) error {
	switch step.kind {
	case stepWrite:
		if _, err := rw.Write(step.build(st)); err != nil {
			return fmt.Errorf("%s: %w", step.Name, err)
		}
	case stepRead:
		buf := make([]byte, step.size(st))
		if _, err := io.ReadFull(rw, buf); err != nil {
			return fmt.Errorf("%s: %w", step.Name, unexpected(err))
		}
		if step.check != nil {
			return step.check(st, buf)
		}
	case stepReadLines:
		var acc lineAccumulator
		var b [1]byte
		for {
			if _, err := io.ReadFull(rw, b[:]); err != nil {
				return fmt.Errorf("%s: %w", step.Name, unexpected(err))
			}
			done, err := acc.feed(b[0])
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		if step.checkLines != nil {
			return step.checkLines(st, acc.lines)
		}
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
