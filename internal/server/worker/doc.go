// Package worker implements the per-thread event-loop reactors that own
// client sockets for the kvrocks front-end.
//
// The server runs N worker reactors plus an optional replication
// reactor, each bound to its own OS thread. Every Worker owns one epoll
// loop, one or more listening sockets (shared across workers with
// SO_REUSEPORT), a 10 second timer, and a private table of live
// connections split into a normal and a monitor sub-table.
//
// Ownership model: readiness callbacks for a connection only ever run
// on its owning worker's thread. Admin operations (kill, monitor feed,
// client list, idle kick-out) may arrive from any thread and take the
// owning worker's table mutex, which is held only for table operations
// and never across socket I/O. Destruction is always performed by the
// owning worker.
//
// The shared ServerContext carries the atomic client counter, monitor
// counter, and the client id seed; the sum of table sizes across all
// workers equals the client counter, modulo in-flight operations.
package worker
