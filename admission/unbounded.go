package admission

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/socket"
)

// Unbounded starts every connect immediately.
type Unbounded struct {
	binds interfaces.BindSettings
}

// NewUnbounded creates a controller without a limit. binds may be nil.
func NewUnbounded(binds interfaces.BindSettings) *Unbounded {
	return &Unbounded{binds: binds}
}

// Connect creates and connects a socket.
func (u *Unbounded) Connect(ctx context.Context, factory socket.Factory, remote, local net.Addr, timeout time.Duration, obs socket.ConnectObserver) (socket.Socket, error) {
	s, err := factory.NewSocket()
	if err != nil {
		return nil, err
	}
	if obs == nil {
		if err := connectBlocking(ctx, s, remote, local, timeout, u.binds); err != nil {
			return nil, err
		}
		return s, nil
	}
	wrapped := &admittedObserver{
		id:      uuid.NewString(),
		sock:    s,
		remote:  remote,
		local:   local,
		timeout: timeout,
		binds:   u.binds,
		inner:   obs,
	}
	if err := s.ConnectAsync(local, remote, timeout, wrapped); err != nil {
		wrapped.HandleConnect(resultForStartError(err))
	}
	return s, nil
}

// RemoveObserver always returns false; nothing is ever queued.
func (u *Unbounded) RemoveObserver(socket.ConnectObserver) bool {
	return false
}

// MaxAllowed returns math.MaxInt.
func (u *Unbounded) MaxAllowed() int {
	return math.MaxInt
}

// NumWaiting always returns 0.
func (u *Unbounded) NumWaiting() int {
	return 0
}
