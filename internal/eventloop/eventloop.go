// Package eventloop is the backend's single-threaded epoll reactor.
// Everything — vhost-user sockets, guest kick eventfds, the harness
// control channel — runs as watches on one loop goroutine, so the rest
// of the backend needs no locking.
package eventloop

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

type watchKind int

const (
	watchListen watchKind = iota
	watchSocket
	watchCallback
)

func (k watchKind) String() string {
	switch k {
	case watchListen:
		return "listen"
	case watchSocket:
		return "socket"
	case watchCallback:
		return "callback"
	default:
		return "invalid"
	}
}

type watch struct {
	fd    int
	kind  watchKind
	owner any
	cb    func() error
}

// Loop is the epoll reactor. Not safe for concurrent use; all methods
// run on the loop goroutine (or before Run starts).
type Loop struct {
	epfd    int
	watches map[int]*watch

	// preDispatch runs exactly once per wake, before the ready set is
	// dispatched. The control channel drains here.
	preDispatch func() error

	// done is polled after each dispatch round; the loop exits when it
	// returns true.
	done func() bool
}

// New creates the reactor.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		watches: make(map[int]*watch),
	}, nil
}

// SetPreDispatch installs the per-wake hook.
func (l *Loop) SetPreDispatch(f func() error) {
	l.preDispatch = f
}

// SetDone installs the exit predicate.
func (l *Loop) SetDone(f func() bool) {
	l.done = f
}

func (l *Loop) add(fd int, kind watchKind, owner any, events uint32, cb func() error) error {
	if _, ok := l.watches[fd]; ok {
		return fmt.Errorf("eventloop: fd %d already watched", fd)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.watches[fd] = &watch{fd: fd, kind: kind, owner: owner, cb: cb}
	slog.Debug("eventloop: watch added", "fd", fd, "kind", kind.String())
	return nil
}

// AddListen watches a listening socket. It fires once; the callback
// accepts the connection and promotes it.
func (l *Loop) AddListen(fd int, owner any, cb func() error) error {
	return l.add(fd, watchListen, owner, unix.EPOLLIN|unix.EPOLLONESHOT, cb)
}

// AddSocket watches a connected vhost-user socket, level-triggered.
func (l *Loop) AddSocket(fd int, owner any, cb func() error) error {
	return l.add(fd, watchSocket, owner, unix.EPOLLIN, cb)
}

// AddCallback watches an eventfd or other internal fd.
func (l *Loop) AddCallback(fd int, owner any, cb func() error) error {
	return l.add(fd, watchCallback, owner, unix.EPOLLIN, cb)
}

// Remove drops the watch on fd. Removing an unwatched fd is a no-op.
func (l *Loop) Remove(fd int) {
	if _, ok := l.watches[fd]; !ok {
		return
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		slog.Debug("eventloop: epoll_ctl del failed", "fd", fd, "err", err)
	}
	delete(l.watches, fd)
}

// RemoveOwner drops every watch registered by owner, the
// remove_watch(dev, -1) teardown path.
func (l *Loop) RemoveOwner(owner any) {
	for fd, w := range l.watches {
		if w.owner == owner {
			l.Remove(fd)
		}
	}
}

// Run dispatches until the done predicate reports completion. A watch
// callback error is fatal and aborts the loop.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		if l.done != nil && l.done() {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		if l.preDispatch != nil {
			if err := l.preDispatch(); err != nil {
				return err
			}
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			w, ok := l.watches[fd]
			if !ok {
				// Removed by an earlier callback in this batch.
				continue
			}
			if w.kind == watchListen {
				// One-shot: the callback accepts and promotes the
				// connection; the listener is done.
				l.Remove(fd)
			}
			if err := w.cb(); err != nil {
				return err
			}
		}
	}
}

// Close releases the epoll fd. Watched fds belong to their owners.
func (l *Loop) Close() error {
	if l.epfd >= 0 {
		unix.Close(l.epfd)
		l.epfd = -1
	}
	return nil
}
