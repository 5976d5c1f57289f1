// Package storage provides the persistent storage engine behind the
// command engine's data commands.
//
// It wraps Badger v3 with namespace-scoped keys and TTL support. The
// worker core never touches this package directly; bytes flow from a
// Connection through the command engine, which calls into the engine
// synchronously from the owning reactor thread.
package storage
