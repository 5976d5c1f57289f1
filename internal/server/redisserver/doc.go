// Package redisserver implements the RESP command engine for kvrocks.
//
// The engine sits behind the worker core's CommandEngine interface: on
// read readiness it consumes complete frames from a connection's input
// buffer, dispatches them, and appends replies to the output buffer. It
// never manages socket lifetime; closing is expressed through the
// CloseAfterReply flag and realized by the owning reactor.
//
// Administrative commands (CLIENT LIST, CLIENT KILL, MONITOR) reach
// across workers through the AdminSurface, implemented by the server
// orchestrator.
package redisserver
