package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/blackbird-ai/incubator-kvrocks/internal/core/domain"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

const (
	// idleScanBudget bounds how many table entries one timer tick
	// visits, regardless of connection count.
	idleScanBudget = 50

	readChunkSize = 4096
)

// Worker owns one reactor loop, one connection table, and a reference
// to the shared server context. All readiness callbacks for its
// connections run on its thread; admin operations may arrive from any
// thread and take the table mutex.
type Worker struct {
	ctx   *ServerContext
	loop  *ReactorLoop
	table *ConnectionTable
	repl  bool

	mu         sync.Mutex // table mutex, guards table and lastScanFd
	lastScanFd int        // fd of last connection visited by the idle scan

	readBuf [readChunkSize]byte // reused by the single reactor thread

	logger logger.Logger
}

// NewWorker constructs a worker and opens its listeners. Bind or listen
// failure is construction-fatal: the error propagates and the process
// refuses to start.
func NewWorker(ctx *ServerContext, repl bool) (*Worker, error) {
	role := "worker"
	if repl {
		role = "repl-worker"
	}
	w := &Worker{
		ctx:    ctx,
		table:  newConnectionTable(),
		repl:   repl,
		logger: ctx.Logger().With("thread", role),
	}

	loop, err := newReactorLoop(w, w.logger)
	if err != nil {
		return nil, err
	}
	w.loop = loop

	cfg := ctx.Config().Server
	port := cfg.Port
	binds := cfg.Binds
	if repl {
		port = cfg.ReplPort
		if len(cfg.ReplBinds) > 0 {
			binds = cfg.ReplBinds
		}
	}
	for _, bind := range binds {
		if err := loop.Listen(bind, port, cfg.Backlog); err != nil {
			loop.CloseListeners()
			loop.close()
			return nil, err
		}
	}
	return w, nil
}

// IsRepl reports whether this is the replication reactor.
func (w *Worker) IsRepl() bool { return w.repl }

// ListenAddrs returns the bound listener addresses.
func (w *Worker) ListenAddrs() []string { return w.loop.ListenAddrs() }

// Run dispatches the event loop. It blocks until Stop.
func (w *Worker) Run() {
	w.loop.Dispatch()
}

// Stop breaks the event loop and closes the listening sockets.
func (w *Worker) Stop() {
	w.loop.Break()
	w.loop.CloseListeners()
}

// Close destroys every remaining connection and releases the event
// loop. Call after Run returned.
func (w *Worker) Close() {
	w.mu.Lock()
	fds := w.table.allFdsLocked()
	w.mu.Unlock()
	for _, fd := range fds {
		w.RemoveConnection(fd)
	}
	w.loop.close()
}

// AddConnection admits a connection. It fails if the fd is already
// tracked or if admitting would exceed maxclients; on the cap failure
// the counter increment is rolled back. On success the connection gets
// its process-unique id.
//
// The increment-check-decrement sequence may transiently overshoot the
// cap under simultaneous accepts across workers; the cap is a soft
// ceiling.
func (w *Worker) AddConnection(c *Connection) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.table.lookupLocked(c.fd) != nil {
		return domain.ErrConnAlreadyExists
	}
	if w.ctx.IncrClientNum() > int64(w.ctx.Config().Server.MaxClients) {
		w.ctx.DecrClientNum()
		return domain.ErrMaxClientsReached
	}
	c.id = w.ctx.NextClientID()
	w.table.conns[c.fd] = c
	return nil
}

// RemoveConnection destroys the connection owning fd, whichever
// sub-table it lives in. It decrements the client counter once, and the
// monitor counter too when the fd was a monitor. A second call with the
// same fd is a no-op.
func (w *Worker) RemoveConnection(fd int) {
	w.mu.Lock()
	victim := w.detachLocked(fd, 0, false)
	w.mu.Unlock()
	if victim != nil {
		w.destroy(victim)
	}
}

// RemoveConnectionByID destroys the connection owning fd only if its id
// still matches. This defends against the fd having been recycled by a
// newer connection since the caller recorded the pair. Returns whether
// a connection was removed.
func (w *Worker) RemoveConnectionByID(fd int, id uint64) bool {
	w.mu.Lock()
	victim := w.detachLocked(fd, id, true)
	w.mu.Unlock()
	if victim == nil {
		return false
	}
	w.destroy(victim)
	return true
}

// detachLocked removes fd from its sub-table and adjusts counters. With
// checkID set, a stored id different from id leaves the table
// untouched. The caller holds the table mutex.
func (w *Worker) detachLocked(fd int, id uint64, checkID bool) *Connection {
	if c, ok := w.table.conns[fd]; ok {
		if checkID && c.id != id {
			return nil
		}
		delete(w.table.conns, fd)
		w.ctx.DecrClientNum()
		return c
	}
	if c, ok := w.table.monitors[fd]; ok {
		if checkID && c.id != id {
			return nil
		}
		delete(w.table.monitors, fd)
		w.ctx.DecrClientNum()
		w.ctx.DecrMonitorClientNum()
		return c
	}
	return nil
}

// destroy unregisters and closes the detached connection's socket.
func (w *Worker) destroy(c *Connection) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = w.loop.unregister(c.fd)
	_ = unix.Close(c.fd)
	w.logger.Debug("connection destroyed", "fd", c.fd, "id", c.id, "addr", c.addr)
}

// EnableWriteEvent arms write readiness for a local fd. It fails when
// the fd is not owned by this worker.
func (w *Worker) EnableWriteEvent(fd int) error {
	w.mu.Lock()
	c := w.table.lookupLocked(fd)
	w.mu.Unlock()
	if c == nil {
		return domain.ErrConnNotFound
	}
	w.loop.enableWrite(fd)
	return nil
}

// Reply appends a reply frame to a local fd's output buffer and arms
// write readiness. It fails when the fd is not in the normal table.
func (w *Worker) Reply(fd int, reply string) error {
	w.mu.Lock()
	c, ok := w.table.conns[fd]
	w.mu.Unlock()
	if !ok {
		return domain.ErrConnNotFound
	}
	c.Reply(reply)
	return nil
}

// BecomeMonitorConn moves a local connection from the normal table to
// the monitor table, sets its Monitor flag, and bumps the monitor
// counter. The client counter is unchanged: the connection still counts
// as one client.
func (w *Worker) BecomeMonitorConn(c *Connection) {
	w.mu.Lock()
	delete(w.table.conns, c.fd)
	w.table.monitors[c.fd] = c
	w.mu.Unlock()
	w.ctx.IncrMonitorClientNum()
	c.EnableFlag(FlagMonitor)
}

// FeedMonitorConns appends a trace line for the source's command to
// every monitor connection on this worker whose namespace matches the
// source's, or whose namespace is the default namespace. The source
// itself never receives its own trace.
//
// The caller must not hold any worker-local lock: the table mutex is
// non-reentrant, so feeding happens after the mutating command
// returned.
func (w *Worker) FeedMonitorConns(source *Connection, tokens []string) {
	now := time.Now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d.%06d [0 %s]", now.Unix(), now.Nanosecond()/1000, source.Addr())
	for _, tok := range tokens {
		sb.WriteString(" \"")
		sb.WriteString(tok)
		sb.WriteString("\"")
	}
	line := sb.String()
	srcNS := source.Namespace()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.table.monitors {
		if m == source {
			continue
		}
		ns := m.Namespace()
		if ns == srcNS || ns == config.DefaultNamespace {
			m.Reply("+" + line + "\r\n")
		}
	}
}

// GetClientsStr renders the admin report: one line per normal
// connection, in ascending fd order. Monitor connections are not
// listed.
func (w *Worker) GetClientsStr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sb strings.Builder
	for _, fd := range w.table.sortedFdsLocked() {
		c := w.table.conns[fd]
		fmt.Fprintf(&sb, "id=%d addr=%s fd=%d name=%s age=%d idle=%d flags=%d namespace=%s qbuf=%d obuf=%d cmd=%s\n",
			c.id, c.addr, fd, c.Name(), c.Age(), c.IdleTime(), c.Flags(),
			c.Namespace(), c.in.Len(), c.out.Len(), c.LastCmd())
	}
	return sb.String()
}

// KillClient marks matching local connections for destruction. Only the
// normal table is searched; monitor connections never match. A
// connection matches when addr is non-empty and equals its address, or
// when id is non-zero and equals its id. With skipme, self is never
// matched. Matches get CloseAfterReply and an armed write event so the
// owning reactor wakes up and performs the close once pending output
// drains. Returns the number of matches.
func (w *Worker) KillClient(self *Connection, id uint64, addr string, skipme bool) int64 {
	var killed int64
	w.mu.Lock()
	for _, c := range w.table.conns {
		if skipme && c == self {
			continue
		}
		if (addr != "" && c.addr == addr) || (id != 0 && c.id == id) {
			c.EnableFlag(FlagCloseAfterReply)
			w.loop.enableWrite(c.fd)
			killed++
		}
	}
	w.mu.Unlock()
	return killed
}

type killPair struct {
	fd int
	id uint64
}

// KickoutIdleClients scans for idle connections and destroys them. Per
// tick it visits at most idleScanBudget entries in ascending fd order,
// resuming after the fd recorded by the previous tick and wrapping at
// the end, so consecutive ticks cover the whole table fairly even under
// churn.
//
// Idle connections are only recorded during the traversal; removal
// happens after the lock is released, keyed by (fd, id) so a recycled
// fd is never killed by mistake.
func (w *Worker) KickoutIdleClients(timeout int) {
	if timeout <= 0 {
		return
	}

	pending := queue.New()

	w.mu.Lock()
	if len(w.table.conns) == 0 {
		w.mu.Unlock()
		return
	}
	fds := w.table.sortedFdsLocked()
	iterations := len(fds)
	if iterations > idleScanBudget {
		iterations = idleScanBudget
	}
	idx := sort.SearchInts(fds, w.lastScanFd+1)
	for i := 0; i < iterations; i++ {
		if idx >= len(fds) {
			idx = 0
		}
		c := w.table.conns[fds[idx]]
		if c.IdleTime() >= int64(timeout) {
			pending.Add(killPair{fd: c.fd, id: c.id})
		}
		idx++
	}
	w.lastScanFd = fds[idx-1]
	w.mu.Unlock()

	for pending.Length() > 0 {
		p := pending.Remove().(killPair)
		if w.RemoveConnectionByID(p.fd, p.id) {
			w.logger.Info("kicked out idle client", "fd", p.fd, "id", p.id, "timeout", timeout)
			if m := w.ctx.Metrics(); m != nil {
				m.IdleKickouts.Inc()
			}
		}
	}
}

// onTick runs on the reactor thread every 10 seconds.
func (w *Worker) onTick() {
	timeout := w.ctx.Config().Server.Timeout
	if timeout == 0 {
		return
	}
	w.KickoutIdleClients(timeout)
}

// onAccept drains the listener's accept queue. Per-connection failures
// close the new fd and keep the reactor running.
func (w *Worker) onAccept(listenFd int) {
	for {
		fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("accept", "error", err)
			return
		}
		w.admit(fd, sa)
	}
}

// admit configures and registers a just-accepted socket. A socket that
// cannot get keepalive set is never admitted. On admission refusal the
// client gets a single best-effort RESP error before the fd closes; the
// write may drop bytes and is deliberately not retried.
func (w *Worker) admit(fd int, sa unix.Sockaddr) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		w.logger.Error("failed to set tcp-keepalive", "fd", fd, "error", err)
		if m := w.ctx.Metrics(); m != nil {
			m.AdmissionsRefused.WithLabelValues("keepalive").Inc()
		}
		_ = unix.Close(fd)
		return
	}

	c := newConnection(fd, w)
	c.addr = formatSockaddr(sa)

	if err := w.AddConnection(c); err != nil {
		w.logger.Warn("connection refused", "fd", fd, "addr", c.addr, "error", err)
		if m := w.ctx.Metrics(); m != nil {
			m.AdmissionsRefused.WithLabelValues(domain.GetErrorCode(err)).Inc()
		}
		_, _ = unix.Write(fd, []byte("-ERR "+err.Error()+"\r\n"))
		_ = unix.Close(fd)
		return
	}

	if err := w.loop.register(fd); err != nil {
		w.logger.Error("register connection", "fd", fd, "error", err)
		w.RemoveConnection(fd)
		return
	}
	w.logger.Debug("new connection", "fd", fd, "addr", c.addr, "id", c.id)
}

// lookupConn finds the connection owning fd in either sub-table.
func (w *Worker) lookupConn(fd int) *Connection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.table.lookupLocked(fd)
}

// onReadable drains the socket into the connection's input buffer and
// hands the buffer to the command engine. EOF and read errors destroy
// the connection.
func (w *Worker) onReadable(fd int) {
	c := w.lookupConn(fd)
	if c == nil {
		return
	}

	closed := false
	for {
		n, err := unix.Read(fd, w.readBuf[:])
		if n > 0 {
			_, _ = c.in.Write(w.readBuf[:n])
			continue
		}
		if n == 0 && err == nil {
			closed = true // peer closed
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		closed = true
		break
	}
	if closed {
		w.RemoveConnection(fd)
		return
	}

	if engine := w.ctx.Engine(); engine != nil {
		engine.OnRead(c)
	}
	if c.out.Len() > 0 {
		w.loop.enableWrite(fd)
	} else if c.HasFlag(FlagCloseAfterReply) {
		// Nothing left to send; arm write so the close happens on the
		// next turn.
		w.loop.enableWrite(fd)
	}
}

// onWritable flushes the output buffer. Once drained, write readiness
// is disarmed; a connection flagged CloseAfterReply is destroyed
// instead.
func (w *Worker) onWritable(fd int) {
	c := w.lookupConn(fd)
	if c == nil {
		return
	}

	empty, err := c.out.Flush(func(p []byte) (int, error) {
		return unix.Write(fd, p)
	})
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return // socket full, keep write armed
		}
		w.RemoveConnection(fd)
		return
	}
	if empty {
		if c.HasFlag(FlagCloseAfterReply) {
			w.RemoveConnection(fd)
			return
		}
		w.loop.disableWrite(fd)
	}
}

// onTransportEvent handles hangup or error readiness.
func (w *Worker) onTransportEvent(fd int) {
	if w.lookupConn(fd) == nil {
		return
	}
	w.RemoveConnection(fd)
}
