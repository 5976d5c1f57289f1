package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
)

// Flag is a bit in a connection's flag set. The worker core defines the
// monitor and close-after-reply bits; the command engine owns the rest.
type Flag uint32

const (
	// FlagMonitor marks a connection that has entered monitor mode.
	FlagMonitor Flag = 1 << iota

	// FlagCloseAfterReply makes the reactor destroy the connection once
	// its output buffer drains.
	FlagCloseAfterReply

	// FlagAuthenticated marks a connection that has passed AUTH.
	FlagAuthenticated
)

// Connection represents one accepted client socket plus its server-side
// state. It is created by the accept handler, admitted by the owning
// Worker, and destroyed by that same Worker.
//
// Readiness callbacks only ever run on the owning worker's thread; admin
// operations from other threads touch the connection under the owning
// worker's table lock, which is why the mutable string fields carry
// their own small mutex and the timestamps are atomics.
type Connection struct {
	fd    int
	id    uint64 // assigned at admission, unique process-wide
	addr  string // set once after accept, before admission
	owner *Worker

	created         time.Time
	lastInteraction atomic.Int64 // unix seconds
	flags           atomic.Uint32
	closed          atomic.Bool

	mu        sync.Mutex // guards name, namespace, lastCmd
	name      string
	namespace string
	lastCmd   string

	in  *Buffer
	out *Buffer
}

func newConnection(fd int, owner *Worker) *Connection {
	now := time.Now()
	c := &Connection{
		fd:        fd,
		owner:     owner,
		created:   now,
		namespace: config.DefaultNamespace,
		in:        &Buffer{},
		out:       &Buffer{},
	}
	c.lastInteraction.Store(now.Unix())
	return c
}

// FD returns the socket descriptor. It is unique within the owning
// worker for the connection's lifetime, but may be recycled afterwards;
// use ID for identity across time.
func (c *Connection) FD() int { return c.fd }

// ID returns the process-wide monotonic client id.
func (c *Connection) ID() uint64 { return c.id }

// Addr returns the peer "host:port", or empty if resolution failed.
func (c *Connection) Addr() string { return c.addr }

// Owner returns the worker owning this connection. The reference is
// non-owning; the worker always outlives its connections.
func (c *Connection) Owner() *Worker { return c.owner }

// Input returns the read-side buffer handle for the command engine.
func (c *Connection) Input() *Buffer { return c.in }

// Output returns the write-side buffer handle for the command engine.
func (c *Connection) Output() *Buffer { return c.out }

// Reply appends a raw reply frame to the output buffer and arms the
// write-ready subscription so the owning reactor drains it on its next
// turn.
func (c *Connection) Reply(frame string) {
	c.out.WriteString(frame)
	c.owner.loop.enableWrite(c.fd)
}

// EnableFlag sets a flag bit.
func (c *Connection) EnableFlag(f Flag) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// HasFlag reports whether a flag bit is set.
func (c *Connection) HasFlag(f Flag) bool {
	return c.flags.Load()&uint32(f) != 0
}

// Flags returns the raw flag bits, as printed by the client list.
func (c *Connection) Flags() uint32 { return c.flags.Load() }

// Touch records a command interaction now. Mere TCP readiness does not
// touch the connection; the command engine calls this on every dispatch.
func (c *Connection) Touch() {
	c.lastInteraction.Store(time.Now().Unix())
}

// Age returns seconds since the connection was created.
func (c *Connection) Age() int64 {
	return int64(time.Since(c.created) / time.Second)
}

// IdleTime returns seconds since the last completed command.
func (c *Connection) IdleTime() int64 {
	idle := time.Now().Unix() - c.lastInteraction.Load()
	if idle < 0 {
		return 0
	}
	return idle
}

// Name returns the operator-settable label.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName sets the operator-settable label.
func (c *Connection) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Namespace returns the authorization scope of the connection.
func (c *Connection) Namespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

// SetNamespace sets the authorization scope of the connection.
func (c *Connection) SetNamespace(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespace = ns
}

// LastCmd returns the name of the last executed command.
func (c *Connection) LastCmd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmd
}

// SetLastCmd records the name of the command being dispatched.
func (c *Connection) SetLastCmd(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCmd = cmd
}
