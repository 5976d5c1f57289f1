// Package config defines the server configuration structure.
package config

// ServerConfig is the root configuration for kvrocks-server.
type ServerConfig struct {
	Server  ServerSection  `koanf:"server"`
	Storage StorageSection `koanf:"storage"`
	Log     LogSection     `koanf:"log"`
}

// ServerSection configures the worker fleet and client admission.
type ServerSection struct {
	// Port is the TCP listen port for the normal worker reactors.
	Port int `koanf:"port"`

	// ReplPort is the TCP listen port for the replication reactor.
	// Zero disables the replication reactor.
	ReplPort int `koanf:"repl_port"`

	// Binds is the list of interface addresses the normal reactors
	// listen on. Every worker binds all of them with SO_REUSEPORT.
	Binds []string `koanf:"binds"`

	// ReplBinds is the list of interface addresses for the replication
	// reactor. Defaults to Binds when empty.
	ReplBinds []string `koanf:"repl_binds"`

	// Backlog is the listen(2) backlog.
	Backlog int `koanf:"backlog"`

	// MaxClients is the soft cap on concurrently connected clients
	// across all workers. The admission check is approximate under
	// heavy simultaneous accepts.
	MaxClients int `koanf:"maxclients"`

	// Timeout is the seconds of idleness before a client is kicked
	// out by the periodic scan. Zero disables the kick-out.
	Timeout int `koanf:"timeout"`

	// Workers is the number of normal worker reactors.
	Workers int `koanf:"workers"`

	// ReplWorkers is the number of replication reactors.
	ReplWorkers int `koanf:"repl_workers"`

	// Requirepass is the password for the default namespace. Empty
	// disables authentication.
	Requirepass string `koanf:"requirepass"`

	// Namespaces maps namespace names to their AUTH tokens.
	Namespaces map[string]string `koanf:"namespaces"`
}

// StorageSection configures the persistent storage engine.
type StorageSection struct {
	// DataDir is the directory holding the storage engine files.
	DataDir string `koanf:"data_dir"`

	// SyncWrites forces fsync on every write batch.
	SyncWrites bool `koanf:"sync_writes"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
