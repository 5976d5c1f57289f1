package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/blackbird-ai/incubator-kvrocks/internal/server/config"
	"github.com/blackbird-ai/incubator-kvrocks/internal/storage"
	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *Server {
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

	srv, err := New(cfg, store, nil, log)
	if err != nil {
		store.Close()
		t.Fatalf("New() error = %v", err)
	}
	srv.Start()

	t.Cleanup(func() {
		srv.Stop()
		srv.Join()
		store.Close()
	})
	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ListenAddrs()[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(a), a)
	}
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Admission cap end to end: with maxclients=2, A and B are served and
// listed with ids 1 and 2; C gets exactly the RESP admission error and
// EOF; the client counter stays at 2.
func TestAdmissionCap(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.MaxClients = 2
	})

	a := dialServer(t, srv)
	b := dialServer(t, srv)

	// Both must answer, proving they were admitted.
	for _, conn := range []net.Conn{a, b} {
		sendCommand(t, conn, "PING")
		br := bufio.NewReader(conn)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := br.ReadString('\n')
		if err != nil || line != "+PONG\r\n" {
			t.Fatalf("admitted client got %q, %v", line, err)
		}
	}

	c := dialServer(t, srv)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read refused client: %v", err)
	}
	if string(data) != "-ERR max number of clients reached\r\n" {
		t.Errorf("refused client read %q", data)
	}

	if got := srv.Context().ClientNum(); got != 2 {
		t.Errorf("ClientNum() = %d, want 2", got)
	}

	report := srv.GetClientsStr()
	if !strings.Contains(report, "id=1 ") || !strings.Contains(report, "id=2 ") {
		t.Errorf("client list %q should show ids 1 and 2", report)
	}
	if strings.Count(report, "\n") != 2 {
		t.Errorf("client list should have exactly 2 lines:\n%s", report)
	}
}

// Idle kick-out end to end: the silent connection goes and the active
// one stays, leaving one client counted.
func TestIdleKickout(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.Timeout = 1
	})

	active := dialServer(t, srv)
	idle := dialServer(t, srv)
	waitCond(t, "admission", func() bool { return srv.Context().ClientNum() == 2 })

	time.Sleep(1100 * time.Millisecond)

	// Touch the active connection, then run the scan the timer would
	// run. Driving it directly keeps the test off the 10s cadence.
	sendCommand(t, active, "PING")
	br := bufio.NewReader(active)
	active.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := br.ReadString('\n'); err != nil || line != "+PONG\r\n" {
		t.Fatalf("active client got %q, %v", line, err)
	}

	for _, wt := range srv.workers {
		wt.GetWorker().KickoutIdleClients(1)
	}

	idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(idle).ReadByte(); err != io.EOF {
		t.Errorf("idle client read err = %v, want EOF", err)
	}
	if got := srv.Context().ClientNum(); got != 1 {
		t.Errorf("ClientNum() = %d, want 1", got)
	}
}

// Multiple workers share one port via SO_REUSEPORT.
func TestMultiWorkerSharedPort(t *testing.T) {
	// Reserve a free port, release it, and let both workers bind it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	srv := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.Port = port
		cfg.Server.Workers = 2
	})

	const clients = 8
	conns := make([]net.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conns = append(conns, dialServer(t, srv))
	}
	waitCond(t, "admissions", func() bool {
		return srv.Context().ClientNum() == clients
	})

	for _, conn := range conns {
		sendCommand(t, conn, "PING")
		br := bufio.NewReader(conn)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if line, err := br.ReadString('\n'); err != nil || line != "+PONG\r\n" {
			t.Fatalf("client got %q, %v", line, err)
		}
	}

	// The counter equals the sum of all workers' tables.
	if got := srv.Context().ClientNum(); got != clients {
		t.Errorf("ClientNum() = %d, want %d", got, clients)
	}
	if got := strings.Count(srv.GetClientsStr(), "\n"); got != clients {
		t.Errorf("client list lines = %d, want %d", got, clients)
	}
}

// Cross-worker kill: the admin command lands on one worker but the
// victim may be owned by any.
func TestCrossWorkerKill(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	srv := startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.Port = port
		cfg.Server.Workers = 2
	})

	victims := make([]net.Conn, 0, 6)
	for i := 0; i < 6; i++ {
		victims = append(victims, dialServer(t, srv))
	}
	waitCond(t, "admissions", func() bool { return srv.Context().ClientNum() == 6 })

	// Kill them all directly through the orchestrator, by address.
	var killed int64
	for _, v := range victims {
		killed += srv.KillClient(nil, 0, v.LocalAddr().String(), false)
	}
	if killed != 6 {
		t.Errorf("killed = %d, want 6", killed)
	}

	for _, v := range victims {
		v.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := bufio.NewReader(v).ReadByte(); err != io.EOF {
			t.Errorf("victim read err = %v, want EOF", err)
		}
	}
	waitCond(t, "removal", func() bool { return srv.Context().ClientNum() == 0 })
}

// The replication reactor listens on its own port with its own
// workers; the same command engine answers there.
func TestReplicationListener(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	replPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	startServer(t, func(cfg *config.ServerConfig) {
		cfg.Server.ReplPort = replPort
		cfg.Server.ReplWorkers = 1
	})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", replPort))
	if err != nil {
		t.Fatalf("dial repl port: %v", err)
	}
	defer conn.Close()

	sendCommand(t, conn, "PING")
	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := br.ReadString('\n'); err != nil || line != "+PONG\r\n" {
		t.Errorf("repl client got %q, %v", line, err)
	}
}

func TestStopIdempotent(t *testing.T) {
	srv := startServer(t, nil)
	srv.Stop()
	srv.Stop() // second call is a no-op
}
