//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrLoopClosed is returned when work is submitted to a closed loop.
var ErrLoopClosed = errors.New("reactor loop closed")

const maxEvents = 128

type eventHandler interface {
	handleEvents(events uint32)
	Close() error
}

// Loop is a single-goroutine epoll event loop. Registered descriptors are
// edge-triggered; handlers and tasks submitted with Invoke run on the loop
// goroutine in submission order.
type Loop struct {
	epfd   int
	wakefd int

	mu       sync.Mutex
	tasks    []func()
	handlers map[int]eventHandler
	closed   bool
	running  bool
	done     chan struct{}
}

// NewLoop creates an epoll instance and its wakeup eventfd.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, evt); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]eventHandler),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go func() {
		if err := l.Run(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Loop.Start",
				"error":    err.Error(),
			}).Error("Reactor loop stopped")
		}
	}()
}

// Run dispatches events until Close is called.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()
	defer l.shutdown()

	logrus.WithFields(logrus.Fields{
		"function": "Loop.Run",
		"epfd":     l.epfd,
	}).Debug("Reactor loop running")

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			l.mu.Lock()
			h := l.handlers[fd]
			l.mu.Unlock()
			if h != nil {
				h.handleEvents(events[i].Events)
			}
		}
		if l.runTasks() {
			return nil
		}
	}
}

// runTasks runs queued tasks and reports whether the loop was closed.
func (l *Loop) runTasks() bool {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	closed := l.closed
	l.mu.Unlock()
	for _, f := range tasks {
		f()
	}
	return closed
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(l.wakefd, buf[:])
}

// Invoke schedules f to run on the loop goroutine.
func (l *Loop) Invoke(f func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *Loop) register(fd int, h eventHandler, events uint32) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.handlers[fd] = h
	l.mu.Unlock()

	evt := &unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, evt); err != nil {
		l.mu.Lock()
		delete(l.handlers, fd)
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *Loop) unregister(fd int) {
	l.mu.Lock()
	delete(l.handlers, fd)
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// Close stops the loop and closes every registered socket and listener.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	running := l.running
	l.mu.Unlock()

	if running {
		l.wake()
		<-l.done
		return nil
	}
	l.shutdown()
	return nil
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	handlers := make([]eventHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.handlers = make(map[int]eventHandler)
	l.closed = true
	l.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
	close(l.done)

	logrus.WithFields(logrus.Fields{
		"function": "Loop.shutdown",
		"closed":   len(handlers),
	}).Debug("Reactor loop shut down")
}
