//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness for every WebSocket connection through a
// single kernel epoll instance, so the server runs one event loop instead of
// one goroutine per connection.
type Epoll struct {
	fd     int               // epoll file descriptor
	mu     sync.RWMutex      // protects conns
	conns  map[int]net.Conn  // registered connections by socket fd
	events []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates an epoll instance via epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness notifications. EPOLLRDHUP is
// included so a peer that half-closes its side wakes the event loop, which
// then observes the closed stream on the next read.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes a connection out of the epoll interest list and forgets it.
// The map delete happens regardless of the syscall result, so a descriptor
// the kernel already dropped cannot leak an entry.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("ws: epoll remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered connection is ready and returns
// the ready connections. Descriptors removed between epoll_wait returning
// and the map lookup are skipped. When a full event buffer comes back, the
// buffer is grown for the next round so a burst of ready connections does
// not starve the tail.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()

	if n == len(e.events) {
		e.events = make([]unix.EpollEvent, len(e.events)*2)
	}
	return conns, nil
}

// Close releases the epoll file descriptor. Registered connections are not
// closed here; the server owns their lifecycle.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn through the
// SyscallConn interface. Unlike File(), this does not duplicate the
// descriptor, so the fd stays valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
