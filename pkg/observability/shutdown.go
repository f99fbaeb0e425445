package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds a shutdown when none is configured
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered shutdown hooks in reverse registration
// order, so components stop before the dependencies they were built on.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedShutdown
	done  bool
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named hook
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdown{name: name, fn: fn})
}

// Shutdown runs every hook once, last registered first, within the
// configured timeout. Later calls are no-ops. A hook error does not stop
// the remaining hooks; all errors are joined.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.done {
		sm.mu.Unlock()
		return nil
	}
	sm.done = true
	funcs := sm.funcs
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		hook := funcs[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached: %w", hook.name, err))
			continue
		}

		start := time.Now()
		err := runShutdownFunc(ctx, hook.fn)
		log := sm.logger.WithFields(map[string]interface{}{
			"component":   hook.name,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			log.WithError(err).Error("Shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			continue
		}
		log.Info("Shutdown complete")
	}

	return errors.Join(errs...)
}

func runShutdownFunc(ctx context.Context, fn ShutdownFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = MustRecover(r)
		}
	}()
	return fn(ctx)
}
