package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownPhase orders teardown. Earlier phases complete before later ones
// start: first stop taking work, then drain what is running, then close
// connections.
type ShutdownPhase int

const (
	// PhaseStopIntake stops consumers and schedulers from accepting work.
	PhaseStopIntake ShutdownPhase = iota
	// PhaseDrain waits for in-flight agent runs and jobs.
	PhaseDrain
	// PhaseConnections closes Redis pools, HTTP sessions and caches.
	PhaseConnections
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopIntake:
		return "stop-intake"
	case PhaseDrain:
		return "drain"
	case PhaseConnections:
		return "connections"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs one component's cleanup. The context is cancelled if
// the handler exceeds its timeout.
type ShutdownFunc func(ctx context.Context) error

type shutdownHandler struct {
	name    string
	phase   ShutdownPhase
	timeout time.Duration
	fn      ShutdownFunc
}

// ShutdownCoordinator runs registered handlers phase by phase. Within a
// phase handlers run concurrently; a failing or slow handler is logged and
// never blocks the rest of the shutdown.
type ShutdownCoordinator struct {
	mu             sync.Mutex
	handlers       [phaseCount][]shutdownHandler
	defaultTimeout time.Duration
	logger         *slog.Logger
	once           sync.Once
}

// NewShutdownCoordinator creates a coordinator with a per-handler default
// timeout.
func NewShutdownCoordinator(defaultTimeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{defaultTimeout: defaultTimeout, logger: logger}
}

// Register adds a named handler to a phase.
func (c *ShutdownCoordinator) Register(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.RegisterWithTimeout(name, phase, 0, fn)
}

// RegisterWithTimeout adds a handler with its own timeout (0 = default).
func (c *ShutdownCoordinator) RegisterWithTimeout(name string, phase ShutdownPhase, timeout time.Duration, fn ShutdownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if phase < 0 || phase >= phaseCount {
		phase = PhaseConnections
	}
	c.handlers[phase] = append(c.handlers[phase], shutdownHandler{
		name:    name,
		phase:   phase,
		timeout: timeout,
		fn:      fn,
	})
}

// Shutdown runs all handlers once, in phase order. Subsequent calls are
// no-ops.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) {
	c.once.Do(func() {
		start := time.Now()
		c.logger.Info("starting graceful shutdown")

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()
			if len(handlers) == 0 {
				continue
			}

			c.logger.Debug("shutdown phase", "phase", phase.String(), "handlers", len(handlers))
			var wg sync.WaitGroup
			for _, h := range handlers {
				wg.Add(1)
				go func(h shutdownHandler) {
					defer wg.Done()
					c.runHandler(ctx, h)
				}(h)
			}
			wg.Wait()

			if ctx.Err() != nil {
				c.logger.Warn("shutdown context cancelled", "phase", phase.String())
				break
			}
		}

		c.logger.Info("graceful shutdown complete", "duration", time.Since(start))
	})
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, h shutdownHandler) {
	timeout := h.timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.fn(handlerCtx) }()

	start := time.Now()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("shutdown handler error",
				"handler", h.name, "phase", h.phase.String(), "error", err)
		}
	case <-handlerCtx.Done():
		c.logger.Warn("shutdown handler timed out",
			"handler", h.name, "phase", h.phase.String(), "timeout", timeout,
			"elapsed", time.Since(start))
	}
}
