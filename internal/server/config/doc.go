// Package config provides server configuration for kvrocks.
//
// This package defines the server configuration structure and validation:
//
//   - spec.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Business validation (port ranges, bind addresses)
//   - sanitize.go: Log sanitization (hide requirepass and namespace tokens)
//
// Configuration is loaded via internal/infra/confloader and supports
// files and environment variables. It is read-only after load: workers
// take a snapshot at construction and never observe changes.
package config
