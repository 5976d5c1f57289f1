// Package logger provides structured logging for kvrocks.
//
// It wraps log/slog with a small interface so packages do not depend on a
// concrete handler, supports runtime level changes driven by config
// reloads, and redacts credential-bearing attributes (requirepass,
// namespace tokens) before they reach the log stream. ParseLevel and
// ParseFormat are exported for config validation, so a log-section typo
// fails Verify instead of being silently mapped to info/json.
package logger
