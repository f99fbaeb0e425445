package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/config"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		l.released++
		return nil
	}, true, nil
}

func newTestScheduler(opts ...Option) (*Scheduler, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append(opts, WithMetrics(metrics))
	return NewScheduler(observability.NewNopLogger(), opts...), metrics
}

func TestSchedulerRegister(t *testing.T) {
	s, _ := newTestScheduler()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register(Job{Name: "b", Schedule: "@every 10m", Run: noop}))
	require.NoError(t, s.Register(Job{Name: "a", Schedule: "0 2 * * *", Run: noop}))
	assert.Equal(t, []string{"a", "b"}, s.Jobs())

	err := s.Register(Job{Name: "a", Schedule: "@every 1m", Run: noop})
	assert.Error(t, err)

	err = s.Register(Job{Name: "bad", Schedule: "not a schedule", Run: noop})
	assert.Error(t, err)

	err = s.Register(Job{Name: "", Schedule: "@every 1m", Run: noop})
	assert.Error(t, err)
}

func TestSchedulerRunOnce(t *testing.T) {
	s, metrics := newTestScheduler()
	var runs int32

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: "@every 10m", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	require.NoError(t, s.RunOnce(context.Background(), "sweep"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("sweep", ResultSuccess)))

	err := s.RunOnce(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSchedulerRunOnceError(t *testing.T) {
	s, metrics := newTestScheduler()
	boom := errors.New("boom")

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: "@every 10m", Run: func(context.Context) error {
		return boom
	}}))

	err := s.RunOnce(context.Background(), "sweep")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("sweep", ResultError)))
}

func TestSchedulerRecoversPanic(t *testing.T) {
	s, metrics := newTestScheduler()

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: "@every 10m", Run: func(context.Context) error {
		panic("nil map")
	}}))

	err := s.RunOnce(context.Background(), "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("sweep", ResultPanic)))
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	locker := newFakeLocker()
	s, metrics := newTestScheduler(WithLocker(locker, time.Minute))
	var runs int32

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: "@every 10m", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	locker.held["sweep"] = true
	require.NoError(t, s.RunOnce(context.Background(), "sweep"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("sweep", ResultSkipped)))

	delete(locker.held, "sweep")
	require.NoError(t, s.RunOnce(context.Background(), "sweep"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, 1, locker.released)
	assert.False(t, locker.held["sweep"])
}

func TestSchedulerRunsWhenLockUnavailable(t *testing.T) {
	locker := newFakeLocker()
	locker.err = errors.New("redis down")
	s, _ := newTestScheduler(WithLocker(locker, time.Minute))
	var runs int32

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: "@every 10m", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	require.NoError(t, s.RunOnce(context.Background(), "sweep"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestSchedulerTimeout(t *testing.T) {
	s, _ := newTestScheduler()

	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Schedule: "@every 10m",
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	err := s.RunOnce(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedulerStartRunsOnSchedule(t *testing.T) {
	s, _ := newTestScheduler()
	var runs int32

	require.NoError(t, s.Register(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	s.Start(context.Background())
	defer func() { <-s.Stop().Done() }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 50*time.Millisecond)
}

type stubReconciler struct{ calls int32 }

func (r *stubReconciler) Run(context.Context) (*billing.ReconcileReport, error) {
	atomic.AddInt32(&r.calls, 1)
	return &billing.ReconcileReport{}, nil
}

type stubExpirer struct{ err error }

func (e *stubExpirer) Run(context.Context) (*billing.ExpiryReport, error) {
	return nil, e.err
}

func TestRegisterBillingJobs(t *testing.T) {
	s, _ := newTestScheduler()
	reconciler := &stubReconciler{}
	expirer := &stubExpirer{err: errors.New("db down")}

	cfg := config.JobsConfig{ReconcileSchedule: "@every 10m", ExpirySchedule: "0 2 * * *"}
	require.NoError(t, RegisterBillingJobs(s, cfg, reconciler, expirer))
	assert.Equal(t, []string{ExpiryJob, ReconcileJob}, s.Jobs())

	require.NoError(t, s.RunOnce(context.Background(), ReconcileJob))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reconciler.calls))

	assert.Error(t, s.RunOnce(context.Background(), ExpiryJob))
}

func TestRegisterBillingJobsBadSchedule(t *testing.T) {
	s, _ := newTestScheduler()
	cfg := config.JobsConfig{ReconcileSchedule: "every ten minutes", ExpirySchedule: "0 2 * * *"}
	assert.Error(t, RegisterBillingJobs(s, cfg, &stubReconciler{}, &stubExpirer{}))
}
