package admission

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/socket"
	"github.com/sirupsen/logrus"
)

// Controller admits outbound connects.
type Controller interface {
	// Connect creates a socket from factory and connects it to remote,
	// binding to local when non-nil. With a nil observer the call blocks
	// until the connect completes. Otherwise it returns the unconnected
	// socket at once and obs receives exactly one Result, unless the
	// request is withdrawn with RemoveObserver.
	Connect(ctx context.Context, factory socket.Factory, remote, local net.Addr, timeout time.Duration, obs socket.ConnectObserver) (socket.Socket, error)

	// RemoveObserver withdraws a queued request whose observer is obs or
	// delegates to obs. It returns false if no such request is queued.
	RemoveObserver(obs socket.ConnectObserver) bool

	// MaxAllowed returns the number of connects allowed in flight.
	MaxAllowed() int

	// NumWaiting returns the number of queued non-blocking requests.
	NumWaiting() int
}

// connectBlocking runs a synchronous connect with the bind retry. The socket
// is closed on failure.
func connectBlocking(ctx context.Context, s socket.Socket, remote, local net.Addr, timeout time.Duration, binds interfaces.BindSettings) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := s.Connect(ctx, local, remote)
	if err != nil && local != nil && socket.IsBindError(err) {
		reportBindFailure(binds, local, err)
		err = s.Connect(ctx, nil, remote)
	}
	if err != nil {
		s.Close()
		return err
	}
	return nil
}

func reportBindFailure(binds interfaces.BindSettings, local net.Addr, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "reportBindFailure",
		"local":    local.String(),
		"error":    err.Error(),
	}).Warn("Local bind failed, retrying unbound")
	if binds != nil {
		binds.BindFailed(local, err)
	}
}

// admittedObserver wraps the caller's observer for a started request. It
// retries once unbound after a bind failure, releases the admission slot
// exactly once and closes the socket on failure.
type admittedObserver struct {
	id      string
	sock    socket.Socket
	remote  net.Addr
	local   net.Addr
	timeout time.Duration
	binds   interfaces.BindSettings
	inner   socket.ConnectObserver
	release func()

	once    sync.Once
	mu      sync.Mutex
	retried bool
}

func (o *admittedObserver) HandleConnect(r socket.Result) {
	if r.Outcome == socket.OutcomeFailed && o.shouldRetry(r.Err) {
		reportBindFailure(o.binds, o.local, r.Err)
		err := o.sock.ConnectAsync(nil, o.remote, o.timeout, o)
		if err == nil {
			return
		}
		r = resultForStartError(err)
	}

	o.once.Do(func() {
		if o.release != nil {
			o.release()
		}
	})

	fields := logrus.Fields{
		"function": "admittedObserver.HandleConnect",
		"request":  o.id,
		"remote":   o.remote.String(),
		"outcome":  r.Outcome.String(),
	}
	if r.Outcome == socket.OutcomeFailed {
		o.sock.Close()
		fields["error"] = r.Err.Error()
		logrus.WithFields(fields).Debug("Connect failed")
	} else {
		logrus.WithFields(fields).Debug("Connect settled")
	}
	o.inner.HandleConnect(r)
}

func (o *admittedObserver) shouldRetry(err error) bool {
	if o.local == nil || !socket.IsBindError(err) {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retried {
		return false
	}
	o.retried = true
	return true
}

// Delegate returns the caller's observer.
func (o *admittedObserver) Delegate() socket.ConnectObserver {
	return o.inner
}

func resultForStartError(err error) socket.Result {
	if errors.Is(err, socket.ErrClosed) {
		return socket.Cancelled()
	}
	return socket.Failed(err)
}
