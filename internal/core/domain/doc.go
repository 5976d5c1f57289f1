// Package domain defines the core domain models for kvrocks.
//
// It contains the structured error type shared by the worker core, the
// command engine, and the storage layer, together with the sentinel
// errors of the server's error taxonomy:
//
//   - CONN: connection admission and lookup
//   - NET: listener and event loop construction (fatal)
//   - CMD: protocol and command dispatch
//   - STOR: storage layer
//
// Errors carry a stable code for errors.Is comparison and a message that
// doubles as the client-facing RESP error text.
package domain
