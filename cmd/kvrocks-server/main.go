// Package main provides the entry point for kvrocks-server.
//
// kvrocks-server implements the Redis protocol on top of a persistent
// storage engine, fronted by a fleet of per-thread event-loop workers.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/blackbird-ai/incubator-kvrocks/internal/core/domain"
	"github.com/blackbird-ai/incubator-kvrocks/internal/infra/buildinfo"
	"github.com/blackbird-ai/incubator-kvrocks/internal/infra/confloader"
	"github.com/blackbird-ai/incubator-kvrocks/internal/infra/shutdown"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/storage"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/metric"
)

func main() {
	app := &cli.App{
		Name:    "kvrocks-server",
		Usage:   "Redis protocol server backed by a persistent storage engine",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"KVROCKS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Address serving Prometheus metrics (empty disables)",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.String("config"), c.String("metrics-addr"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, metricsAddr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting kvrocks-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"config", configFile)

	// Workers bind with SO_REUSEPORT, so a second instance on the same
	// port would not fail at bind time. Probe the port up front and
	// refuse to start when something is already listening.
	if err := checkPortInUse(cfg); err != nil {
		return err
	}

	storageEngine, err := storage.New(storage.Config{
		Dir:        cfg.Storage.DataDir,
		SyncWrites: cfg.Storage.SyncWrites,
		GCInterval: 10 * time.Minute,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	metrics := metric.NewRegistry()

	srv, err := server.New(cfg, storageEngine, metrics, log)
	if err != nil {
		_ = storageEngine.Close()
		return fmt.Errorf("init server: %w", err)
	}

	shutdownHandler := shutdown.NewHandler(30*time.Second, log)
	shutdownHandler.OnShutdown("storage", func(ctx context.Context) error {
		return storageEngine.Close()
	})
	shutdownHandler.OnShutdown("workers", func(ctx context.Context) error {
		srv.Stop()
		srv.Join()
		return nil
	})

	if watcher := startConfigWatcher(configFile, log); watcher != nil {
		shutdownHandler.OnShutdown("config-watcher", func(ctx context.Context) error {
			return watcher.Stop()
		})
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metrics, log)
	}

	srv.Start()

	log.Info("server ready", "listeners", srv.ListenAddrs())
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("bye bye")
	return nil
}

// loadConfig merges defaults, the optional config file, and the
// environment, then validates the result.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// checkPortInUse dials the configured listen addresses and fails when a
// listener answers.
func checkPortInUse(cfg *config.ServerConfig) error {
	ports := []int{cfg.Server.Port}
	if cfg.Server.ReplPort > 0 {
		ports = append(ports, cfg.Server.ReplPort)
	}
	for _, port := range ports {
		for _, bind := range cfg.Server.Binds {
			addr := net.JoinHostPort(bind, strconv.Itoa(port))
			conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
			if err == nil {
				_ = conn.Close()
				return domain.ErrPortInUse.WithDetails(addr)
			}
		}
	}
	return nil
}

// startConfigWatcher reloads the log level when the config file
// changes. Every other option stays fixed for the process lifetime.
func startConfigWatcher(configFile string, log logger.Logger) *confloader.Watcher {
	if configFile == "" {
		return nil
	}
	watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}
	if err := watcher.Watch(configFile); err != nil {
		log.Warn("config watcher unavailable", "error", err)
		_ = watcher.Stop()
		return nil
	}
	watcher.OnChange(func(path string) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("log level reload rejected", "level", cfg.Log.Level, "error", err)
			return
		}
		log.Info("log level reloaded", "level", cfg.Log.Level)
	})
	watcher.StartAsync()
	return watcher
}

func serveMetrics(addr string, metrics *metric.Registry, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server error", "error", err)
	}
}
