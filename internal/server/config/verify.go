// Package config defines the server configuration structure.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyLog(&cfg.Log); err != nil {
		return err
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Port)
	}
	if cfg.ReplPort < 0 || cfg.ReplPort > 65535 {
		return fmt.Errorf("server.repl_port %d is out of range", cfg.ReplPort)
	}
	if cfg.ReplPort != 0 && cfg.ReplPort == cfg.Port {
		return errors.New("server.repl_port must differ from server.port")
	}
	if len(cfg.Binds) == 0 {
		return errors.New("server.binds must not be empty")
	}
	for _, bind := range cfg.Binds {
		if net.ParseIP(bind) == nil {
			return fmt.Errorf("server.binds entry %q is not an IP address", bind)
		}
	}
	for _, bind := range cfg.ReplBinds {
		if net.ParseIP(bind) == nil {
			return fmt.Errorf("server.repl_binds entry %q is not an IP address", bind)
		}
	}
	if cfg.Workers < 1 {
		return errors.New("server.workers must be at least 1")
	}
	if cfg.MaxClients < 1 {
		return errors.New("server.maxclients must be at least 1")
	}
	if cfg.Timeout < 0 {
		return errors.New("server.timeout must not be negative")
	}
	if cfg.Backlog < 1 {
		return errors.New("server.backlog must be at least 1")
	}
	for name, token := range cfg.Namespaces {
		if name == DefaultNamespace {
			return fmt.Errorf("namespace %q is reserved", DefaultNamespace)
		}
		// The storage layer separates namespace and key with a NUL
		// byte, and the admin report prints namespaces space-separated.
		if name == "" || strings.ContainsAny(name, "\x00 \r\n") {
			return fmt.Errorf("namespace %q contains invalid characters", name)
		}
		if token == "" {
			return fmt.Errorf("namespace %q has an empty token", name)
		}
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}

	return nil
}

// verifyLog rejects level and format typos at load time; the log
// section is also what the config watcher re-applies at runtime, so a
// bad value must never make it into a saved file silently.
func verifyLog(cfg *LogSection) error {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logger.ParseFormat(cfg.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	return nil
}
