// Package shutdown provides graceful shutdown handling for the server
// process.
//
// Components register named phases at startup; on SIGINT or SIGTERM the
// handler runs them in reverse registration order under a shared
// timeout, logging each phase's outcome, so the worker fleet stops
// before the storage engine closes. Phase failures are aggregated into
// the error returned by Wait instead of masking one another.
package shutdown
