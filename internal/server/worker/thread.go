package worker

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WorkerThread binds a Worker to a dedicated OS thread running its
// event loop.
type WorkerThread struct {
	worker *Worker
	wg     sync.WaitGroup
}

// NewWorkerThread wraps a worker for thread-bound execution.
func NewWorkerThread(w *Worker) *WorkerThread {
	return &WorkerThread{worker: w}
}

// GetWorker returns the wrapped worker.
func (t *WorkerThread) GetWorker() *Worker { return t.worker }

// Start spawns the thread, names it ("worker" or "repl-worker"), and
// runs the event loop. The goroutine is locked to its OS thread so the
// kernel's per-thread accept distribution and the thread name both hold
// for the loop's whole lifetime. A failure to set the name is logged
// and ignored.
func (t *WorkerThread) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		name := "worker"
		if t.worker.IsRepl() {
			name = "repl-worker"
		}
		if err := setThreadName(name); err != nil {
			t.worker.logger.Warn("failed to set thread name", "name", name, "error", err)
		}
		t.worker.Run()
	}()
	t.worker.logger.Info("worker thread started", "repl", t.worker.IsRepl())
}

// Stop signals the reactor to break and closes its listening sockets.
func (t *WorkerThread) Stop() {
	t.worker.Stop()
}

// Join waits for the event loop thread to exit.
func (t *WorkerThread) Join() {
	t.wg.Wait()
}

// GetClientsStr forwards to the worker's admin report.
func (t *WorkerThread) GetClientsStr() string {
	return t.worker.GetClientsStr()
}

// KillClient forwards to the worker's kill operation.
func (t *WorkerThread) KillClient(self *Connection, id uint64, addr string, skipme bool) int64 {
	return t.worker.KillClient(self, id, addr, skipme)
}

// setThreadName names the calling OS thread. Linux truncates names to
// 15 bytes.
func setThreadName(name string) error {
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}
