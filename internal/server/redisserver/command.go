// Package redisserver implements the RESP command engine for kvrocks.
package redisserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackbird-ai/incubator-kvrocks/internal/core/domain"
	"github.com/blackbird-ai/incubator-kvrocks/internal/infra/buildinfo"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/worker"
	"github.com/blackbird-ai/incubator-kvrocks/internal/storage"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
	"github.com/blackbird-ai/incubator-kvrocks/pkg/cmap"
)

// defaultCommandsPerSecond is the per-client command budget. Generous
// enough for pipelined clients; it exists to bound a runaway peer.
const defaultCommandsPerSecond = 10000

// AdminSurface is the cross-worker admin fan-out the engine calls back
// into. Implemented by the server orchestrator: every operation is
// applied to each worker's table in turn under that worker's lock.
type AdminSurface interface {
	GetClientsStr() string
	KillClient(self *worker.Connection, id uint64, addr string, skipme bool) int64
	FeedMonitorConns(source *worker.Connection, tokens []string)
}

// Handler is the command engine. It receives a connection's buffered
// input on read readiness, dispatches complete commands, and appends
// replies to the output buffer. It runs on the owning reactor's thread;
// storage calls are synchronous.
type Handler struct {
	ctx      *worker.ServerContext
	store    *storage.Engine
	admin    AdminSurface
	logger   logger.Logger
	limiters *cmap.Map[string, *rate.Limiter]
	cmdRate  rate.Limit
}

// NewHandler creates the command engine.
func NewHandler(ctx *worker.ServerContext, store *storage.Engine, admin AdminSurface, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		ctx:      ctx,
		store:    store,
		admin:    admin,
		logger:   log,
		limiters: cmap.New[string, *rate.Limiter](),
		cmdRate:  rate.Limit(defaultCommandsPerSecond),
	}
}

// OnRead consumes complete commands from the connection's input buffer.
// A protocol error gets one error reply and closes the connection after
// it drains.
func (h *Handler) OnRead(c *worker.Connection) {
	in := c.Input()
	for {
		args, consumed, err := ParseCommand(in.Peek())
		if err != nil {
			if domain.IsDomainError(err, domain.ErrProtocolLimit.Code) {
				h.logger.Warn("protocol limit exceeded", "addr", c.Addr(), "error", err)
			}
			AppendError(c.Output(), "ERR "+err.Error())
			c.EnableFlag(worker.FlagCloseAfterReply)
			in.Discard(in.Len())
			return
		}
		if consumed == 0 {
			return // incomplete frame, wait for more bytes
		}
		in.Discard(consumed)
		if len(args) == 0 {
			continue
		}
		h.dispatch(c, args)
		if c.HasFlag(worker.FlagCloseAfterReply) {
			in.Discard(in.Len())
			return
		}
	}
}

func (h *Handler) dispatch(c *worker.Connection, args [][]byte) {
	cmd := normalizeCommandName(args[0])
	c.Touch()
	c.SetLastCmd(strings.ToLower(cmd))
	if m := h.ctx.Metrics(); m != nil {
		m.CommandsProcessed.WithLabelValues(cmd).Inc()
	}

	out := c.Output()

	if !h.allow(c) {
		AppendError(out, "ERR "+domain.ErrRateLimited.Message)
		return
	}

	if h.requiresAuth(c, cmd) {
		AppendError(out, "NOAUTH Authentication required.")
		return
	}

	switch cmd {
	case "PING":
		h.handlePing(c, args)
	case "ECHO":
		h.handleEcho(c, args)
	case "AUTH":
		h.handleAuth(c, args)
	case "QUIT":
		AppendSimpleString(out, "OK")
		c.EnableFlag(worker.FlagCloseAfterReply)
	case "SELECT":
		// Single logical database; accepted for client compatibility.
		AppendSimpleString(out, "OK")
	case "MONITOR":
		h.handleMonitor(c)
	case "CLIENT":
		h.handleClient(c, args)
	case "INFO":
		h.handleInfo(c)
	case "COMMAND":
		AppendArrayHeader(out, 0)
	case "GET":
		h.handleGet(c, args)
	case "SET":
		h.handleSet(c, args)
	case "DEL":
		h.handleDel(c, args)
	case "EXISTS":
		h.handleExists(c, args)
	case "TTL":
		h.handleTTL(c, args)
	case "EXPIRE":
		h.handleExpire(c, args)
	default:
		AppendError(out, "ERR unknown command '"+string(args[0])+"'")
	}

	// Feed the trace to monitor connections on every worker. No
	// worker-local lock is held here; the table lock is non-reentrant
	// and the feed acquires it per worker. AUTH is excluded so tokens
	// never reach a monitor.
	if h.admin != nil && h.ctx.MonitorClientNum() > 0 && cmd != "AUTH" {
		tokens := make([]string, len(args))
		for i, a := range args {
			tokens[i] = string(a)
		}
		h.admin.FeedMonitorConns(c, tokens)
	}
}

// allow applies the per-client command budget.
func (h *Handler) allow(c *worker.Connection) bool {
	if h.cmdRate <= 0 {
		return true
	}
	host := c.Addr()
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	lim, ok := h.limiters.Get(host)
	if !ok {
		lim, _ = h.limiters.GetOrSet(host, rate.NewLimiter(h.cmdRate, int(h.cmdRate)))
	}
	return lim.Allow()
}

// requiresAuth reports whether cmd must be rejected until the
// connection authenticates.
func (h *Handler) requiresAuth(c *worker.Connection, cmd string) bool {
	if h.ctx.Config().Server.Requirepass == "" {
		return false
	}
	if c.HasFlag(worker.FlagAuthenticated) {
		return false
	}
	switch cmd {
	case "AUTH", "QUIT":
		return false
	}
	return true
}

func wrongArgs(out *worker.Buffer, cmd string) {
	AppendError(out, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"' command")
}

func (h *Handler) handlePing(c *worker.Connection, args [][]byte) {
	switch len(args) {
	case 1:
		AppendSimpleString(c.Output(), "PONG")
	case 2:
		AppendBulk(c.Output(), args[1])
	default:
		wrongArgs(c.Output(), "ping")
	}
}

func (h *Handler) handleEcho(c *worker.Connection, args [][]byte) {
	if len(args) != 2 {
		wrongArgs(c.Output(), "echo")
		return
	}
	AppendBulk(c.Output(), args[1])
}

// handleAuth authenticates against requirepass (default namespace) or a
// configured namespace token.
func (h *Handler) handleAuth(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) != 2 {
		wrongArgs(out, "auth")
		return
	}

	cfg := h.ctx.Config().Server
	if cfg.Requirepass == "" && len(cfg.Namespaces) == 0 {
		AppendError(out, "ERR Client sent AUTH, but no password is set")
		return
	}

	token := string(args[1])
	if cfg.Requirepass != "" && token == cfg.Requirepass {
		c.SetNamespace(config.DefaultNamespace)
		c.EnableFlag(worker.FlagAuthenticated)
		AppendSimpleString(out, "OK")
		return
	}
	for name, nsToken := range cfg.Namespaces {
		if nsToken != "" && token == nsToken {
			c.SetNamespace(name)
			c.EnableFlag(worker.FlagAuthenticated)
			AppendSimpleString(out, "OK")
			return
		}
	}

	AppendError(out, "ERR "+domain.ErrAuthInvalid.Message)
}

// handleMonitor moves the connection into the owning worker's monitor
// table. From then on it receives the trace of commands executed by
// other clients in compatible namespaces; its own commands are still
// dispatched and answered.
func (h *Handler) handleMonitor(c *worker.Connection) {
	out := c.Output()
	if c.HasFlag(worker.FlagMonitor) {
		AppendSimpleString(out, "OK")
		return
	}
	AppendSimpleString(out, "OK")
	c.Owner().BecomeMonitorConn(c)
}

func (h *Handler) handleClient(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) < 2 {
		wrongArgs(out, "client")
		return
	}
	sub := normalizeCommandName(args[1])

	switch sub {
	case "LIST":
		if h.admin == nil {
			AppendBulkString(out, c.Owner().GetClientsStr())
			return
		}
		AppendBulkString(out, h.admin.GetClientsStr())
	case "ID":
		AppendInteger(out, int64(c.ID()))
	case "GETNAME":
		AppendBulkString(out, c.Name())
	case "SETNAME":
		if len(args) != 3 {
			wrongArgs(out, "client")
			return
		}
		name := string(args[2])
		if strings.ContainsAny(name, " \r\n") {
			AppendError(out, "ERR Client names cannot contain spaces, newlines or special characters.")
			return
		}
		c.SetName(name)
		AppendSimpleString(out, "OK")
	case "KILL":
		h.handleClientKill(c, args)
	default:
		AppendError(out, "ERR Unknown CLIENT subcommand or wrong number of arguments for '"+string(args[1])+"'")
	}
}

// handleClientKill supports the legacy form CLIENT KILL <addr:port> and
// the filter form CLIENT KILL [ID <id>] [ADDR <addr:port>] [SKIPME yes/no].
func (h *Handler) handleClientKill(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if h.admin == nil {
		AppendError(out, "ERR CLIENT KILL is unavailable")
		return
	}

	// Legacy form: exactly one operand, the address.
	if len(args) == 3 {
		addr := string(args[2])
		killed := h.admin.KillClient(c, 0, addr, false)
		if killed == 0 {
			AppendError(out, "ERR No such client")
			return
		}
		AppendSimpleString(out, "OK")
		return
	}

	var (
		id     uint64
		addr   string
		skipme = true
	)
	for i := 2; i+1 < len(args); i += 2 {
		opt := normalizeCommandName(args[i])
		val := string(args[i+1])
		switch opt {
		case "ID":
			parsed, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				AppendError(out, "ERR value is not an integer or out of range")
				return
			}
			id = parsed
		case "ADDR":
			addr = val
		case "SKIPME":
			switch strings.ToLower(val) {
			case "yes":
				skipme = true
			case "no":
				skipme = false
			default:
				AppendError(out, "ERR syntax error")
				return
			}
		default:
			AppendError(out, "ERR syntax error")
			return
		}
	}
	if (len(args)-2)%2 != 0 {
		AppendError(out, "ERR syntax error")
		return
	}

	killed := h.admin.KillClient(c, id, addr, skipme)
	AppendInteger(out, killed)
}

func (h *Handler) handleInfo(c *worker.Connection) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Server\r\n")
	for _, kv := range buildinfo.Get().Fields() {
		fmt.Fprintf(&sb, "%s:%s\r\n", kv[0], kv[1])
	}
	fmt.Fprintf(&sb, "run_id:%s\r\n", h.ctx.RunID())
	fmt.Fprintf(&sb, "tcp_port:%d\r\n", h.ctx.Config().Server.Port)
	fmt.Fprintf(&sb, "\r\n# Clients\r\n")
	fmt.Fprintf(&sb, "connected_clients:%d\r\n", h.ctx.ClientNum())
	fmt.Fprintf(&sb, "monitor_clients:%d\r\n", h.ctx.MonitorClientNum())
	AppendBulkString(c.Output(), sb.String())
}

func (h *Handler) handleGet(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) != 2 {
		wrongArgs(out, "get")
		return
	}
	value, err := h.store.Get(c.Namespace(), args[1])
	if err != nil {
		if domain.IsDomainError(err, domain.ErrKeyNotFound.Code) {
			AppendNullBulk(out)
			return
		}
		AppendError(out, "ERR "+err.Error())
		return
	}
	AppendBulk(out, value)
}

func (h *Handler) handleSet(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) < 3 {
		wrongArgs(out, "set")
		return
	}

	var ttl time.Duration
	for i := 3; i < len(args); i += 2 {
		opt := normalizeCommandName(args[i])
		if opt != "EX" || i+1 >= len(args) {
			AppendError(out, "ERR syntax error")
			return
		}
		seconds, err := strconv.ParseInt(string(args[i+1]), 10, 64)
		if err != nil || seconds <= 0 {
			AppendError(out, "ERR invalid expire time in 'set' command")
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	if err := h.store.Set(c.Namespace(), args[1], args[2], ttl); err != nil {
		AppendError(out, "ERR "+err.Error())
		return
	}
	AppendSimpleString(out, "OK")
}

func (h *Handler) handleDel(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) < 2 {
		wrongArgs(out, "del")
		return
	}
	var deleted int64
	for _, key := range args[1:] {
		existed, err := h.store.Delete(c.Namespace(), key)
		if err != nil {
			AppendError(out, "ERR "+err.Error())
			return
		}
		if existed {
			deleted++
		}
	}
	AppendInteger(out, deleted)
}

func (h *Handler) handleExists(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) < 2 {
		wrongArgs(out, "exists")
		return
	}
	var count int64
	for _, key := range args[1:] {
		found, err := h.store.Exists(c.Namespace(), key)
		if err != nil {
			AppendError(out, "ERR "+err.Error())
			return
		}
		if found {
			count++
		}
	}
	AppendInteger(out, count)
}

func (h *Handler) handleTTL(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) != 2 {
		wrongArgs(out, "ttl")
		return
	}
	ttl, err := h.store.TTL(c.Namespace(), args[1])
	if err != nil {
		AppendError(out, "ERR "+err.Error())
		return
	}
	AppendInteger(out, ttl)
}

// handleExpire rewrites the value with the new TTL; the storage engine
// has no in-place TTL update.
func (h *Handler) handleExpire(c *worker.Connection, args [][]byte) {
	out := c.Output()
	if len(args) != 3 {
		wrongArgs(out, "expire")
		return
	}
	seconds, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		AppendError(out, "ERR value is not an integer or out of range")
		return
	}

	ns := c.Namespace()
	value, err := h.store.Get(ns, args[1])
	if err != nil {
		if domain.IsDomainError(err, domain.ErrKeyNotFound.Code) {
			AppendInteger(out, 0)
			return
		}
		AppendError(out, "ERR "+err.Error())
		return
	}

	if seconds <= 0 {
		if _, err := h.store.Delete(ns, args[1]); err != nil {
			AppendError(out, "ERR "+err.Error())
			return
		}
		AppendInteger(out, 1)
		return
	}

	if err := h.store.Set(ns, args[1], value, time.Duration(seconds)*time.Second); err != nil {
		AppendError(out, "ERR "+err.Error())
		return
	}
	AppendInteger(out, 1)
}
