// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blackbird-ai/incubator-kvrocks/internal/telemetry/logger"
)

// phase is one named step of the shutdown sequence.
type phase struct {
	name string
	fn   func(context.Context) error
}

// Handler runs the server's shutdown sequence on SIGINT/SIGTERM. Phases
// are registered in startup order and executed in reverse, so the
// worker fleet stops draining connections before the storage engine
// closes underneath it.
type Handler struct {
	timeout time.Duration
	logger  logger.Logger

	mu     sync.Mutex
	phases []phase

	done chan struct{}
}

// NewHandler creates a new shutdown handler. Phase progress and
// failures are logged through log.
func NewHandler(timeout time.Duration, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		timeout: timeout,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a named shutdown phase. Phases run in reverse
// order of registration.
func (h *Handler) OnShutdown(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases = append(h.phases, phase{name: name, fn: fn})
}

// Wait blocks for SIGINT/SIGTERM, then runs every phase under one
// shared deadline. Each phase gets a structured log line with its
// elapsed time; failures are logged where they happen and also
// aggregated into the returned error.
func (h *Handler) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	h.mu.Lock()
	phases := make([]phase, len(h.phases))
	copy(phases, h.phases)
	h.mu.Unlock()

	h.logger.Info("shutdown signal received",
		"signal", sig.String(),
		"phases", len(phases),
		"timeout", h.timeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var errs []error
	for i := len(phases) - 1; i >= 0; i-- {
		p := phases[i]
		if ctx.Err() != nil {
			h.logger.Warn("shutdown deadline exceeded", "remaining_phase", p.name)
		}
		start := time.Now()
		if err := p.fn(ctx); err != nil {
			h.logger.Error("shutdown phase failed",
				"phase", p.name,
				"elapsed", time.Since(start).String(),
				"error", err)
			errs = append(errs, err)
			continue
		}
		h.logger.Info("shutdown phase complete",
			"phase", p.name,
			"elapsed", time.Since(start).String())
	}

	close(h.done)
	return errors.Join(errs...)
}

// Done returns a channel that closes when shutdown is complete.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
