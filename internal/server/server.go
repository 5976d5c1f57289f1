// Package server composes the worker fleet behind the kvrocks
// front-end.
package server

import (
	"sync/atomic"

	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/redisserver"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/worker"
	"github.com/blackbird-ai/incubator-kvrocks/internal/storage"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/metric"
)

// Server owns the shared context and the worker threads. It is the
// admin orchestrator: cross-worker operations are applied to every
// worker's table in turn, each under that worker's own lock, so a
// CLIENT LIST never stalls all reactors at once.
type Server struct {
	ctx     *worker.ServerContext
	cfg     *config.ServerConfig
	metrics *metric.Registry
	logger  logger.Logger

	workers []*worker.WorkerThread
	stopped atomic.Bool
}

// New builds the shared context, the command engine, and the worker
// fleet. Listener failure in any worker aborts construction; workers
// already built are torn down.
func New(cfg *config.ServerConfig, store *storage.Engine, metrics *metric.Registry, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	ctx := worker.NewServerContext(cfg, log, metrics)

	s := &Server{
		ctx:     ctx,
		cfg:     cfg,
		metrics: metrics,
		logger:  log,
	}

	engine := redisserver.NewHandler(ctx, store, s, log)
	ctx.SetEngine(engine)

	total := cfg.Server.Workers
	replWorkers := 0
	if cfg.Server.ReplPort > 0 {
		replWorkers = cfg.Server.ReplWorkers
	}

	for i := 0; i < total+replWorkers; i++ {
		repl := i >= total
		w, err := worker.NewWorker(ctx, repl)
		if err != nil {
			for _, wt := range s.workers {
				wt.GetWorker().Stop()
				wt.GetWorker().Close()
			}
			return nil, err
		}
		s.workers = append(s.workers, worker.NewWorkerThread(w))
	}

	log.Info("server constructed",
		"run_id", ctx.RunID(),
		"workers", total,
		"repl_workers", replWorkers,
		"port", cfg.Server.Port)
	return s, nil
}

// Context returns the shared server context.
func (s *Server) Context() *worker.ServerContext { return s.ctx }

// Start launches every worker thread.
func (s *Server) Start() {
	for _, wt := range s.workers {
		wt.Start()
	}
	s.logger.Info("server started", "listeners", s.ListenAddrs())
}

// Stop breaks every worker's event loop and closes listeners. Safe to
// call more than once.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, wt := range s.workers {
		wt.Stop()
	}
	s.logger.Info("server stopping")
}

// Join waits for every worker thread to exit, then destroys the
// remaining connections and releases the event loops.
func (s *Server) Join() {
	for _, wt := range s.workers {
		wt.Join()
	}
	for _, wt := range s.workers {
		wt.GetWorker().Close()
	}
	s.logger.Info("server stopped")
}

// ListenAddrs returns the bound addresses of the normal workers.
// Workers share ports via SO_REUSEPORT, so the first worker's set is
// the server's.
func (s *Server) ListenAddrs() []string {
	for _, wt := range s.workers {
		if !wt.GetWorker().IsRepl() {
			return wt.GetWorker().ListenAddrs()
		}
	}
	return nil
}

// GetClientsStr concatenates the admin report of every worker.
func (s *Server) GetClientsStr() string {
	var out string
	for _, wt := range s.workers {
		out += wt.GetClientsStr()
	}
	return out
}

// KillClient applies the kill filter to every worker and returns the
// total number of matched connections.
func (s *Server) KillClient(self *worker.Connection, id uint64, addr string, skipme bool) int64 {
	var killed int64
	for _, wt := range s.workers {
		killed += wt.KillClient(self, id, addr, skipme)
	}
	if killed > 0 && s.metrics != nil {
		s.metrics.ClientsKilled.Add(float64(killed))
	}
	return killed
}

// FeedMonitorConns feeds the command trace to the monitor connections
// of every worker.
func (s *Server) FeedMonitorConns(source *worker.Connection, tokens []string) {
	for _, wt := range s.workers {
		wt.GetWorker().FeedMonitorConns(source, tokens)
	}
}
