package admission

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/limits"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

// request is a non-blocking connect waiting for a slot.
type request struct {
	id      string
	sock    socket.Socket
	remote  net.Addr
	local   net.Addr
	timeout time.Duration
	obs     socket.ConnectObserver
}

// Bounded allows a fixed number of connects in flight. One mutex guards the
// counter and the queue; it is never held across I/O or observer calls.
type Bounded struct {
	binds interfaces.BindSettings
	max   int

	mu         sync.Mutex
	connecting int
	queue      []*request
	wake       chan struct{}
}

// NewBounded creates a controller allowing max connects in flight. A max of
// zero or less selects limits.DefaultMaxConnecting. binds may be nil.
func NewBounded(max int, binds interfaces.BindSettings) *Bounded {
	if max <= 0 {
		max = limits.DefaultMaxConnecting
	}
	return &Bounded{
		binds: binds,
		max:   max,
		wake:  make(chan struct{}),
	}
}

// Connect creates a socket and starts, queues or waits for its connect.
func (b *Bounded) Connect(ctx context.Context, factory socket.Factory, remote, local net.Addr, timeout time.Duration, obs socket.ConnectObserver) (socket.Socket, error) {
	s, err := factory.NewSocket()
	if err != nil {
		return nil, err
	}

	if obs == nil {
		if err := b.acquire(ctx); err != nil {
			s.Close()
			return nil, err
		}
		err := connectBlocking(ctx, s, remote, local, timeout, b.binds)
		b.release()
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	req := &request{
		id:      uuid.NewString(),
		sock:    s,
		remote:  remote,
		local:   local,
		timeout: timeout,
		obs:     obs,
	}

	b.mu.Lock()
	if b.connecting < b.max {
		b.connecting++
		b.mu.Unlock()
		b.start(req)
		return s, nil
	}
	b.queue = append(b.queue, req)
	waiting := len(b.queue)
	b.mu.Unlock()

	s.OnShutdown(func() {
		if b.remove(req) {
			logrus.WithFields(logrus.Fields{
				"function": "Bounded.Connect",
				"request":  req.id,
			}).Debug("Queued connect cancelled by socket shutdown")
			obs.HandleConnect(socket.Cancelled())
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "Bounded.Connect",
		"request":  req.id,
		"remote":   remote.String(),
		"waiting":  waiting,
	}).Debug("Connect queued")
	return s, nil
}

// acquire takes a slot for a blocking caller.
func (b *Bounded) acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.connecting < b.max {
			b.connecting++
			b.mu.Unlock()
			return nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release frees a slot, hands free slots to queued requests in FIFO order
// and wakes blocking waiters if capacity is left.
func (b *Bounded) release() {
	b.mu.Lock()
	b.connecting--
	var ready []*request
	for b.connecting < b.max && len(b.queue) > 0 {
		req := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.connecting++
		ready = append(ready, req)
	}
	if b.connecting < b.max {
		close(b.wake)
		b.wake = make(chan struct{})
	}
	b.mu.Unlock()

	for _, req := range ready {
		b.start(req)
	}
}

func (b *Bounded) start(req *request) {
	logrus.WithFields(logrus.Fields{
		"function": "Bounded.start",
		"request":  req.id,
		"remote":   req.remote.String(),
	}).Debug("Starting connect")

	obs := &admittedObserver{
		id:      req.id,
		sock:    req.sock,
		remote:  req.remote,
		local:   req.local,
		timeout: req.timeout,
		binds:   b.binds,
		inner:   req.obs,
		release: b.release,
	}
	if err := req.sock.ConnectAsync(req.local, req.remote, req.timeout, obs); err != nil {
		obs.HandleConnect(resultForStartError(err))
	}
}

// remove drops req from the queue and reports whether it was still there.
func (b *Bounded) remove(req *request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.queue {
		if r == req {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveObserver withdraws the first queued request matching obs.
func (b *Bounded) RemoveObserver(obs socket.ConnectObserver) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.queue {
		if socket.Matches(r.obs, obs) {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			logrus.WithFields(logrus.Fields{
				"function": "Bounded.RemoveObserver",
				"request":  r.id,
			}).Debug("Queued connect withdrawn")
			return true
		}
	}
	return false
}

// MaxAllowed returns the in-flight limit.
func (b *Bounded) MaxAllowed() int {
	return b.max
}

// NumWaiting returns the queue length.
func (b *Bounded) NumWaiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// NumConnecting returns the number of connects in flight.
func (b *Bounded) NumConnecting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connecting
}

var (
	_ Controller = (*Bounded)(nil)
	_ Controller = (*Unbounded)(nil)
)
