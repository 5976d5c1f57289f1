// Package cmap provides a concurrent map implementation for kvrocks.
//
// This package implements a sharded concurrent map with per-shard
// RWMutex locking. The command engine uses it to track per-client rate
// limiter state without serializing dispatch across reactors.
//
// Usage:
//
//	m := cmap.New[string, *rate.Limiter]()
//	m.Set("10.0.0.1", limiter)
//	val, ok := m.Get("10.0.0.1")
//
// All operations are thread-safe. Read operations (Get, Has) use RLock,
// write operations (Set, Delete) use Lock.
package cmap
