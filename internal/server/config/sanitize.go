// Package config defines the server configuration structure.
package config

import "strings"

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for logging configuration without exposing secrets.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg

	if sanitized.Server.Requirepass != "" {
		sanitized.Server.Requirepass = maskSecret(sanitized.Server.Requirepass)
	}
	if len(sanitized.Server.Namespaces) > 0 {
		masked := make(map[string]string, len(sanitized.Server.Namespaces))
		for name, token := range sanitized.Server.Namespaces {
			masked[name] = maskSecret(token)
		}
		sanitized.Server.Namespaces = masked
	}

	return &sanitized
}

// maskSecret masks a secret value for safe logging.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
