package worker

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blackbird-ai/incubator-kvrocks/internal/core/domain"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

const (
	// tickInterval is the cadence of the periodic timer driving the
	// idle scan.
	tickInterval = 10 * time.Second

	// maxEpollEvents bounds a single epoll_wait batch.
	maxEpollEvents = 128

	// maxWaitMs caps a single epoll_wait so Break is observed promptly
	// even when no fd is active.
	maxWaitMs = 200
)

// ReactorLoop owns one epoll instance, the worker's listening sockets,
// and the periodic timer. Listen errors are fatal at construction;
// everything after Dispatch starts is isolated per connection.
type ReactorLoop struct {
	epfd    int
	stopped atomic.Bool

	lmu       sync.Mutex
	listeners map[int]bool

	owner  *Worker
	logger logger.Logger
}

func newReactorLoop(owner *Worker, log logger.Logger) (*ReactorLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, domain.ErrEventLoopCreate.WithCause(err)
	}
	return &ReactorLoop{
		epfd:      epfd,
		listeners: make(map[int]bool),
		owner:     owner,
		logger:    log,
	}, nil
}

// Listen opens a non-blocking listening socket on host:port and
// registers it for accept readiness. SO_REUSEADDR and SO_REUSEPORT are
// both required: the latter lets every worker bind the same port so the
// kernel spreads accepts across the fleet.
func (r *ReactorLoop) Listen(host string, port, backlog int) error {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return domain.ErrListenFailed.WithDetails(host + " is not an IPv4 address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return domain.ErrListenFailed.WithCause(err)
	}

	fail := func(err error) error {
		unix.Close(fd)
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		return domain.ErrListenFailed.WithDetails(addr).WithCause(err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fail(err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail(err)
	}
	if err := r.register(fd); err != nil {
		return fail(err)
	}

	r.lmu.Lock()
	r.listeners[fd] = true
	r.lmu.Unlock()
	return nil
}

// ListenAddrs returns the bound "host:port" of every listener. Useful
// when the configured port is 0 and the kernel picked one.
func (r *ReactorLoop) ListenAddrs() []string {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	addrs := make([]string, 0, len(r.listeners))
	for fd := range r.listeners {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			continue
		}
		addrs = append(addrs, formatSockaddr(sa))
	}
	return addrs
}

func (r *ReactorLoop) isListener(fd int) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return r.listeners[fd]
}

// Dispatch blocks running the event loop until Break is called. The
// periodic timer fires every 10 seconds and invokes the owning worker's
// idle scan.
func (r *ReactorLoop) Dispatch() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	nextTick := time.Now().Add(tickInterval)

	for !r.stopped.Load() {
		waitMs := int(time.Until(nextTick) / time.Millisecond)
		if waitMs < 0 {
			waitMs = 0
		}
		if waitMs > maxWaitMs {
			waitMs = maxWaitMs
		}

		n, err := unix.EpollWait(r.epfd, events, waitMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if r.stopped.Load() {
				return
			}
			r.logger.Error("epoll wait", "error", err)
			time.Sleep(time.Millisecond)
			continue
		}

		if !time.Now().Before(nextTick) {
			r.owner.onTick()
			nextTick = time.Now().Add(tickInterval)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if r.isListener(fd) {
				r.owner.onAccept(fd)
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				r.owner.onTransportEvent(fd)
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 {
				r.owner.onReadable(fd)
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				r.owner.onWritable(fd)
			}
		}
	}
}

// Break makes Dispatch return after the current turn.
func (r *ReactorLoop) Break() {
	r.stopped.Store(true)
}

// CloseListeners unregisters and closes every listening socket.
func (r *ReactorLoop) CloseListeners() {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for fd := range r.listeners {
		_ = r.unregister(fd)
		_ = unix.Close(fd)
	}
	r.listeners = make(map[int]bool)
}

// close releases the epoll descriptor. Only call after Dispatch exited.
func (r *ReactorLoop) close() {
	_ = unix.Close(r.epfd)
}

// register subscribes fd for read readiness. Writes are armed lazily
// when output is queued.
func (r *ReactorLoop) register(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *ReactorLoop) unregister(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// enableWrite arms write readiness for fd. Failure means the fd is
// already gone; the caller treats that as a no-op.
func (r *ReactorLoop) enableWrite(fd int) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// disableWrite disarms write readiness once the output buffer drained.
func (r *ReactorLoop) disableWrite(fd int) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// formatSockaddr renders a socket address as "host:port".
func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}
