// Package config defines the server configuration structure.
package config

// Default configuration values.
const (
	DefaultPort       = 6666
	DefaultBind       = "127.0.0.1"
	DefaultBacklog    = 511
	DefaultMaxClients = 10000
	DefaultWorkers    = 8

	DefaultDataDir = "/var/lib/kvrocks/data"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultNamespace is the sentinel name of the default namespace. A
// monitor connection in this namespace receives the feed of every
// namespace.
const DefaultNamespace = "__namespace"

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Port:        DefaultPort,
			ReplPort:    0,
			Binds:       []string{DefaultBind},
			Backlog:     DefaultBacklog,
			MaxClients:  DefaultMaxClients,
			Timeout:     0,
			Workers:     DefaultWorkers,
			ReplWorkers: 1,
		},
		Storage: StorageSection{
			DataDir: DefaultDataDir,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
