package worker

import "sort"

// ConnectionTable is the per-worker registry of live connections. Every
// connection lives in exactly one of the two maps: conns for normal
// clients, monitors for connections in monitor mode. One mutex guards
// both; it is held only for table operations, never across socket I/O.
//
// The idle scan needs ascending-fd traversal with upper-bound resume.
// Go has no ordered map in the standard library, so the scan takes a
// sorted snapshot of the fd set under the lock; sortedFdsLocked is cheap
// at the scan's 10 second cadence and the snapshot preserves the
// round-robin coverage the cursor depends on.
type ConnectionTable struct {
	conns    map[int]*Connection
	monitors map[int]*Connection
}

func newConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		conns:    make(map[int]*Connection),
		monitors: make(map[int]*Connection),
	}
}

// lookupLocked returns the connection owning fd from either sub-table.
// The caller holds the worker's table mutex.
func (t *ConnectionTable) lookupLocked(fd int) *Connection {
	if c, ok := t.conns[fd]; ok {
		return c
	}
	if c, ok := t.monitors[fd]; ok {
		return c
	}
	return nil
}

// sortedFdsLocked returns the normal-table fds in ascending order. The
// caller holds the worker's table mutex.
func (t *ConnectionTable) sortedFdsLocked() []int {
	fds := make([]int, 0, len(t.conns))
	for fd := range t.conns {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// allFdsLocked returns every fd across both sub-tables. The caller
// holds the worker's table mutex.
func (t *ConnectionTable) allFdsLocked() []int {
	fds := make([]int, 0, len(t.conns)+len(t.monitors))
	for fd := range t.conns {
		fds = append(fds, fd)
	}
	for fd := range t.monitors {
		fds = append(fds, fd)
	}
	return fds
}
