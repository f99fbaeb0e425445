package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors are logged, never propagated.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "cache warm", func(ctx context.Context) error {
//	    return catalog.Warm(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := runRecovered(ctx, taskName, fn); err != nil {
			logrus.WithField("task", taskName).WithError(err).Error("Background task failed")
		}
	}()
}

// Batch processes items concurrently on at most workers goroutines. Each
// item gets its own timeout-bound context, and a failure or panic in one
// item does not cancel the others. All errors are returned.
//
// Example:
//
//	errs := Batch(ctx, txs, 4, "reconcile", 30*time.Second, func(ctx context.Context, tx *Tx) error {
//	    return reconcile(ctx, tx)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(workers)

	for _, item := range items {
		if ctx.Err() != nil {
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			break
		}

		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := runRecovered(itemCtx, taskName, func(c context.Context) error { return fn(c, item) }); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func runRecovered(ctx context.Context, taskName string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"task":  taskName,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("PANIC recovered")
			err = fmt.Errorf("%s: panic: %v", taskName, r)
		}
	}()
	return fn(ctx)
}
