package worker

import (
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/metric"
)

// CommandEngine consumes bytes the reactor read into a connection's
// input buffer. OnRead runs on the owning worker's thread; the engine
// consumes complete frames from the input buffer and appends replies to
// the output buffer. It must never manage the fd lifetime directly.
type CommandEngine interface {
	OnRead(c *Connection)
}

// ServerContext holds the process-wide state shared by every worker:
// atomic counters, the read-only configuration, and the command engine
// handle.
//
// The counters use plain atomic increments; correctness relies only on
// eventual consistency of the counts and monotonicity of the client id
// seed.
type ServerContext struct {
	cfg     *config.ServerConfig
	metrics *metric.Registry
	logger  logger.Logger
	runID   string

	engine CommandEngine // set once before any worker starts

	clientNum    atomic.Int64
	monitorNum   atomic.Int64
	nextClientID atomic.Uint64
}

// NewServerContext creates the shared context. A fresh run id is minted
// for the process; it shows up in INFO and in startup logs.
func NewServerContext(cfg *config.ServerConfig, log logger.Logger, metrics *metric.Registry) *ServerContext {
	if log == nil {
		log = logger.Default()
	}
	return &ServerContext{
		cfg:     cfg,
		metrics: metrics,
		logger:  log,
		runID:   ulid.Make().String(),
	}
}

// Config returns the read-only configuration snapshot.
func (ctx *ServerContext) Config() *config.ServerConfig { return ctx.cfg }

// RunID returns the process run identifier.
func (ctx *ServerContext) RunID() string { return ctx.runID }

// Metrics returns the metric registry, or nil when metrics are off.
func (ctx *ServerContext) Metrics() *metric.Registry { return ctx.metrics }

// Logger returns the context logger.
func (ctx *ServerContext) Logger() logger.Logger { return ctx.logger }

// SetEngine installs the command engine. Must happen before any worker
// thread starts; workers read the field without synchronization.
func (ctx *ServerContext) SetEngine(engine CommandEngine) { ctx.engine = engine }

// Engine returns the installed command engine, or nil.
func (ctx *ServerContext) Engine() CommandEngine { return ctx.engine }

// IncrClientNum increments the client counter and returns the new
// count.
func (ctx *ServerContext) IncrClientNum() int64 {
	n := ctx.clientNum.Add(1)
	if ctx.metrics != nil {
		ctx.metrics.ConnectedClients.Set(float64(n))
	}
	return n
}

// DecrClientNum decrements the client counter.
func (ctx *ServerContext) DecrClientNum() {
	n := ctx.clientNum.Add(-1)
	if ctx.metrics != nil {
		ctx.metrics.ConnectedClients.Set(float64(n))
	}
}

// ClientNum returns the current client count.
func (ctx *ServerContext) ClientNum() int64 { return ctx.clientNum.Load() }

// IncrMonitorClientNum increments the monitor counter.
func (ctx *ServerContext) IncrMonitorClientNum() {
	n := ctx.monitorNum.Add(1)
	if ctx.metrics != nil {
		ctx.metrics.MonitorClients.Set(float64(n))
	}
}

// DecrMonitorClientNum decrements the monitor counter.
func (ctx *ServerContext) DecrMonitorClientNum() {
	n := ctx.monitorNum.Add(-1)
	if ctx.metrics != nil {
		ctx.metrics.MonitorClients.Set(float64(n))
	}
}

// MonitorClientNum returns the current monitor count.
func (ctx *ServerContext) MonitorClientNum() int64 { return ctx.monitorNum.Load() }

// NextClientID returns the next process-unique client id. Ids start at
// 1 and never repeat within a process lifetime.
func (ctx *ServerContext) NextClientID() uint64 {
	return ctx.nextClientID.Add(1)
}
