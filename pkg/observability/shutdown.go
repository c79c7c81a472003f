package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the process on SIGINT/SIGTERM: the API server stops
// taking requests first, then registered steps run in registration order.
// Order matters here; the payout workers must finish before their database
// pool closes, so register dependents before the resources they use.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	steps []shutdownStep
}

// NewShutdownManager wraps the API server. A zero timeout means 30 seconds
// for the whole drain.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// Register appends a named shutdown step. Steps run in registration order.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// WaitForShutdown blocks until a termination signal arrives, then drains.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sm.logger.Infof("Received %s, draining", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.run(ctx)
}

// run performs the drain. Split from the signal wait so tests can drive it.
func (sm *ShutdownManager) run(ctx context.Context) error {
	var errs []error

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("API server shutdown failed")
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}

	sm.mu.Lock()
	steps := sm.steps
	sm.mu.Unlock()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			sm.logger.WithField("step", step.name).Warn("Shutdown timeout reached, remaining steps skipped")
			errs = append(errs, fmt.Errorf("%s skipped: %w", step.name, err))
			break
		}
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("step", step.name).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		sm.logger.WithField("step", step.name).Debug("Shutdown step complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
