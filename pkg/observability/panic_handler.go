package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack. It must be
// called directly in a defer statement:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "replica health check")
//	    ...
//	}()
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}

// MustRecover converts a recovered value into an error, or nil when r is nil:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = observability.MustRecover(r)
//	    }
//	}()
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
