package redisserver_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/blackbird-ai/incubator-kvrocks/internal/server"
	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/storage"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

type testServer struct {
	srv  *server.Server
	addr string
}

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.Binds = []string{"127.0.0.1"}
	cfg.Server.Workers = 1
	cfg.Storage.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: io.Discard})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	storeCfg := storage.DefaultConfig(cfg.Storage.DataDir)
	storeCfg.GCInterval = 0
	storeCfg.Logger = log
	store, err := storage.New(storeCfg)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	srv, err := server.New(cfg, store, nil, log)
	if err != nil {
		store.Close()
		t.Fatalf("server: %v", err)
	}
	srv.Start()

	t.Cleanup(func() {
		srv.Stop()
		srv.Join()
		store.Close()
	})

	addrs := srv.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("server has no listeners")
	}
	return &testServer{srv: srv, addr: addrs[0]}
}

type client struct {
	conn net.Conn
	br   *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, args ...string) {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(a), a)
	}
	if _, err := c.conn.Write([]byte(sb.String())); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.br.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSuffix(line, "\r\n")
}

// readReply decodes one RESP reply into a printable form: simple
// strings and errors verbatim, integers as ":n", bulks as their
// payload, nulls as "<nil>".
func (c *client) readReply(t *testing.T) string {
	t.Helper()
	line := c.readLine(t)
	if line == "" {
		t.Fatal("empty reply line")
	}
	switch line[0] {
	case '+', '-', ':':
		return line
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			t.Fatalf("bad bulk header %q", line)
		}
		if n == -1 {
			return "<nil>"
		}
		buf := make([]byte, n+2)
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(c.br, buf); err != nil {
			t.Fatalf("read bulk: %v", err)
		}
		return string(buf[:n])
	default:
		t.Fatalf("unexpected reply %q", line)
		return ""
	}
}

func TestPing(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "PING")
	if got := c.readReply(t); got != "+PONG" {
		t.Errorf("PING reply = %q, want +PONG", got)
	}

	c.send(t, "PING", "hello")
	if got := c.readReply(t); got != "hello" {
		t.Errorf("PING hello reply = %q, want hello", got)
	}
}

func TestEcho(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "ECHO", "abc")
	if got := c.readReply(t); got != "abc" {
		t.Errorf("ECHO reply = %q", got)
	}

	c.send(t, "ECHO")
	if got := c.readReply(t); !strings.HasPrefix(got, "-ERR wrong number of arguments") {
		t.Errorf("ECHO without args reply = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "FLY")
	if got := c.readReply(t); !strings.HasPrefix(got, "-ERR unknown command") {
		t.Errorf("reply = %q, want unknown command error", got)
	}
}

func TestDataCommands(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "SET", "foo", "bar")
	if got := c.readReply(t); got != "+OK" {
		t.Fatalf("SET reply = %q", got)
	}

	c.send(t, "GET", "foo")
	if got := c.readReply(t); got != "bar" {
		t.Errorf("GET reply = %q, want bar", got)
	}

	c.send(t, "GET", "missing")
	if got := c.readReply(t); got != "<nil>" {
		t.Errorf("GET missing reply = %q, want null bulk", got)
	}

	c.send(t, "EXISTS", "foo", "missing")
	if got := c.readReply(t); got != ":1" {
		t.Errorf("EXISTS reply = %q, want :1", got)
	}

	c.send(t, "TTL", "foo")
	if got := c.readReply(t); got != ":-1" {
		t.Errorf("TTL reply = %q, want :-1 (no expiry)", got)
	}

	c.send(t, "EXPIRE", "foo", "100")
	if got := c.readReply(t); got != ":1" {
		t.Errorf("EXPIRE reply = %q, want :1", got)
	}

	c.send(t, "TTL", "foo")
	got := c.readReply(t)
	n, err := strconv.Atoi(strings.TrimPrefix(got, ":"))
	if err != nil || n <= 0 || n > 100 {
		t.Errorf("TTL after EXPIRE reply = %q, want positive seconds", got)
	}

	c.send(t, "DEL", "foo", "missing")
	if got := c.readReply(t); got != ":1" {
		t.Errorf("DEL reply = %q, want :1", got)
	}

	c.send(t, "SET", "short", "v", "EX", "50")
	if got := c.readReply(t); got != "+OK" {
		t.Fatalf("SET EX reply = %q", got)
	}
	c.send(t, "TTL", "short")
	got = c.readReply(t)
	n, err = strconv.Atoi(strings.TrimPrefix(got, ":"))
	if err != nil || n <= 0 || n > 50 {
		t.Errorf("TTL reply = %q, want positive seconds up to 50", got)
	}
}

func TestClientCommands(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "CLIENT", "ID")
	idReply := c.readReply(t)
	if !strings.HasPrefix(idReply, ":") {
		t.Fatalf("CLIENT ID reply = %q", idReply)
	}

	c.send(t, "CLIENT", "GETNAME")
	if got := c.readReply(t); got != "" {
		t.Errorf("CLIENT GETNAME reply = %q, want empty", got)
	}

	c.send(t, "CLIENT", "SETNAME", "ops")
	if got := c.readReply(t); got != "+OK" {
		t.Fatalf("CLIENT SETNAME reply = %q", got)
	}

	c.send(t, "CLIENT", "SETNAME", "has space")
	if got := c.readReply(t); !strings.HasPrefix(got, "-ERR") {
		t.Errorf("CLIENT SETNAME with space reply = %q, want error", got)
	}

	c.send(t, "CLIENT", "LIST")
	list := c.readReply(t)
	if !strings.Contains(list, "name=ops") || !strings.Contains(list, "cmd=client") {
		t.Errorf("CLIENT LIST = %q, want the caller listed with its name", list)
	}
}

func TestAuth(t *testing.T) {
	ts := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.Requirepass = "hunter2"
		cfg.Server.Namespaces = map[string]string{"tenant-a": "token-a"}
	})

	c := ts.dial(t)

	c.send(t, "GET", "foo")
	if got := c.readReply(t); !strings.HasPrefix(got, "-NOAUTH") {
		t.Errorf("pre-auth GET reply = %q, want NOAUTH", got)
	}

	c.send(t, "AUTH", "wrong")
	if got := c.readReply(t); !strings.HasPrefix(got, "-ERR") {
		t.Errorf("bad AUTH reply = %q, want error", got)
	}

	c.send(t, "AUTH", "hunter2")
	if got := c.readReply(t); got != "+OK" {
		t.Fatalf("AUTH reply = %q", got)
	}

	c.send(t, "SET", "foo", "bar")
	if got := c.readReply(t); got != "+OK" {
		t.Errorf("post-auth SET reply = %q", got)
	}
}

func TestAuth_NamespaceIsolation(t *testing.T) {
	ts := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.Requirepass = "rootpass"
		cfg.Server.Namespaces = map[string]string{"tenant-a": "token-a"}
	})

	root := ts.dial(t)
	root.send(t, "AUTH", "rootpass")
	if got := root.readReply(t); got != "+OK" {
		t.Fatalf("root AUTH reply = %q", got)
	}
	root.send(t, "SET", "shared", "root-value")
	if got := root.readReply(t); got != "+OK" {
		t.Fatalf("root SET reply = %q", got)
	}

	tenant := ts.dial(t)
	tenant.send(t, "AUTH", "token-a")
	if got := tenant.readReply(t); got != "+OK" {
		t.Fatalf("tenant AUTH reply = %q", got)
	}

	tenant.send(t, "GET", "shared")
	if got := tenant.readReply(t); got != "<nil>" {
		t.Errorf("tenant sees other namespace's key: %q", got)
	}
}

func TestQuit(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "QUIT")
	if got := c.readReply(t); got != "+OK" {
		t.Fatalf("QUIT reply = %q", got)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.br.ReadByte(); err != io.EOF {
		t.Errorf("after QUIT read err = %v, want EOF", err)
	}
}

func TestInfo(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	c.send(t, "INFO")
	info := c.readReply(t)
	if !strings.Contains(info, "run_id:") {
		t.Errorf("INFO = %q, want run_id field", info)
	}
	if !strings.Contains(info, "connected_clients:1") {
		t.Errorf("INFO = %q, want connected_clients:1", info)
	}
}

func TestMonitorFeed(t *testing.T) {
	ts := startServer(t, nil)

	a := ts.dial(t)
	b := ts.dial(t)
	c := ts.dial(t)

	// C stays a normal client; prove it is alive first.
	c.send(t, "PING")
	if got := c.readReply(t); got != "+PONG" {
		t.Fatalf("C PING reply = %q", got)
	}

	b.send(t, "MONITOR")
	if got := b.readReply(t); got != "+OK" {
		t.Fatalf("MONITOR reply = %q", got)
	}

	a.send(t, "GET", "foo")
	if got := a.readReply(t); got != "<nil>" {
		t.Fatalf("A GET reply = %q", got)
	}

	line := b.readLine(t)
	pattern := regexp.MustCompile(`^\+\d+\.\d+ \[0 127\.0\.0\.1:\d+\] "GET" "foo"$`)
	if !pattern.MatchString(line) {
		t.Errorf("monitor line = %q, want trace format", line)
	}

	// C receives nothing.
	c.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := c.br.ReadByte(); err == nil {
		t.Error("non-monitor client received feed bytes")
	}
}

func TestClientKill_ByAddr(t *testing.T) {
	ts := startServer(t, nil)

	a := ts.dial(t)
	b := ts.dial(t)

	// The server sees B under B's local address.
	bAddr := b.conn.LocalAddr().String()

	// Make sure both connections were admitted before killing.
	b.send(t, "PING")
	if got := b.readReply(t); got != "+PONG" {
		t.Fatalf("B PING reply = %q", got)
	}

	a.send(t, "CLIENT", "KILL", "ADDR", bAddr, "SKIPME", "yes")
	if got := a.readReply(t); got != ":1" {
		t.Fatalf("CLIENT KILL reply = %q, want :1", got)
	}

	b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.br.ReadByte(); err != io.EOF {
		t.Errorf("killed client read err = %v, want EOF", err)
	}

	// A itself survives.
	a.send(t, "PING")
	if got := a.readReply(t); got != "+PONG" {
		t.Errorf("A PING after kill reply = %q", got)
	}
}

func TestClientKill_ByIDSkipme(t *testing.T) {
	ts := startServer(t, nil)

	a := ts.dial(t)
	a.send(t, "CLIENT", "ID")
	idReply := a.readReply(t)
	id := strings.TrimPrefix(idReply, ":")

	a.send(t, "CLIENT", "KILL", "ID", id, "SKIPME", "yes")
	if got := a.readReply(t); got != ":0" {
		t.Errorf("CLIENT KILL self with skipme reply = %q, want :0", got)
	}

	a.send(t, "PING")
	if got := a.readReply(t); got != "+PONG" {
		t.Errorf("A PING reply = %q, connection must survive", got)
	}
}

func TestClientKill_Legacy(t *testing.T) {
	ts := startServer(t, nil)

	a := ts.dial(t)
	b := ts.dial(t)
	bAddr := b.conn.LocalAddr().String()

	b.send(t, "PING")
	if got := b.readReply(t); got != "+PONG" {
		t.Fatalf("B PING reply = %q", got)
	}

	a.send(t, "CLIENT", "KILL", "no-such-addr:1")
	if got := a.readReply(t); !strings.HasPrefix(got, "-ERR No such client") {
		t.Errorf("legacy KILL miss reply = %q", got)
	}

	a.send(t, "CLIENT", "KILL", bAddr)
	if got := a.readReply(t); got != "+OK" {
		t.Errorf("legacy KILL reply = %q, want +OK", got)
	}
}

func TestPipelinedCommands(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	// Two commands in one write; both replies must come back in order.
	if _, err := c.conn.Write([]byte("*1\r\n$4\r\nPING\r\n*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := c.readReply(t); got != "+PONG" {
		t.Errorf("first reply = %q", got)
	}
	if got := c.readReply(t); got != "hi" {
		t.Errorf("second reply = %q", got)
	}
}

func TestProtocolError_ClosesConnection(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial(t)

	if _, err := c.conn.Write([]byte("*1\r\n$bad\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := c.readReply(t); !strings.HasPrefix(got, "-ERR") {
		t.Errorf("reply = %q, want protocol error", got)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.br.ReadByte(); err != io.EOF {
		t.Errorf("after protocol error read err = %v, want EOF", err)
	}
}
