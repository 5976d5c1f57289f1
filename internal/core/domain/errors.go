// Package domain defines the core domain models for kvrocks.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a server error with a structured error code.
// The Message is what a client sees after the RESP "-ERR " prefix, so it
// must stay stable across releases.
type DomainError struct {
	Code    string // Error code (e.g., "KV-CONN-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Connection admission errors (CONN).
var (
	// ErrConnAlreadyExists indicates the fd is already tracked by the worker.
	ErrConnAlreadyExists = NewDomainError("KV-CONN-4090", "connection was exists")

	// ErrMaxClientsReached indicates the client cap was hit at admission.
	// The message is part of the wire contract: refused clients see
	// "-ERR max number of clients reached".
	ErrMaxClientsReached = NewDomainError("KV-CONN-4030", "max number of clients reached")

	// ErrConnNotFound indicates the fd is not owned by this worker.
	ErrConnNotFound = NewDomainError("KV-CONN-4040", "connection doesn't exist")
)

// Listener and reactor errors (NET). These are construction-fatal: the
// process refuses to start when one occurs.
var (
	// ErrListenFailed indicates bind/listen failed for a worker listener.
	ErrListenFailed = NewDomainError("KV-NET-5000", "failed to listen")

	// ErrEventLoopCreate indicates the event loop could not be created.
	ErrEventLoopCreate = NewDomainError("KV-NET-5001", "failed to create event loop")

	// ErrPortInUse indicates the configured port already has a listener.
	// Raised by the startup preflight; SO_REUSEPORT would otherwise let a
	// second instance bind the same port silently.
	ErrPortInUse = NewDomainError("KV-NET-5002", "port is already in use")
)

// Protocol and command errors (CMD).
var (
	// ErrProtocol indicates a malformed RESP frame.
	ErrProtocol = NewDomainError("KV-CMD-4000", "protocol error")

	// ErrProtocolLimit indicates a frame exceeded a protocol limit.
	ErrProtocolLimit = NewDomainError("KV-CMD-4001", "protocol limit exceeded")

	// ErrAuthRequired indicates the connection has not authenticated.
	ErrAuthRequired = NewDomainError("KV-CMD-4010", "authentication required")

	// ErrAuthInvalid indicates AUTH was given a wrong password or token.
	ErrAuthInvalid = NewDomainError("KV-CMD-4011", "invalid password")

	// ErrRateLimited indicates the per-client command budget was exceeded.
	ErrRateLimited = NewDomainError("KV-CMD-4290", "too many commands")
)

// Storage errors (STOR).
var (
	// ErrKeyNotFound indicates the requested key does not exist.
	ErrKeyNotFound = NewDomainError("KV-STOR-4040", "key not found")

	// ErrStorage indicates a storage layer failure.
	ErrStorage = NewDomainError("KV-STOR-5000", "storage error")
)
