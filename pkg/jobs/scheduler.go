// Package jobs schedules the periodic billing sweeps.
//
// Each job runs on a cron schedule and may be guarded by a distributed lock
// so that only one instance of the service sweeps at a time. The sweeps are
// safe to run concurrently, so a lock that cannot be reached is logged and
// the job runs anyway.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// Job run results recorded in metrics
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultPanic   = "panic"
)

// ErrUnknownJob is returned by RunOnce for a name that was never registered
var ErrUnknownJob = errors.New("unknown job")

// Func is the body of a job
type Func func(ctx context.Context) error

// Job is a named unit of scheduled work
type Job struct {
	Name     string
	Schedule string
	Run      Func

	// Timeout bounds a single run; zero means no limit
	Timeout time.Duration
}

// Locker grants exclusive runs across instances
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLocker guards every run with the given lock
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = locker
		s.lockTTL = ttl
	}
}

// WithMetrics records run results
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// Scheduler runs registered jobs on their cron schedules
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	metrics *observability.Metrics
	locker  Locker
	lockTTL time.Duration

	mu   sync.RWMutex
	jobs map[string]Job
	ctx  context.Context
}

// NewScheduler creates a scheduler. Jobs run in UTC and a run that is still
// in progress causes the next tick to be skipped.
func NewScheduler(logger *observability.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("component", "scheduler")

	s := &Scheduler{
		logger:  logger,
		lockTTL: 5 * time.Minute,
		jobs:    make(map[string]Job),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Register adds a job. The schedule accepts standard five-field cron
// expressions and descriptors such as "@every 10m".
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	if _, err := s.cron.AddFunc(job.Schedule, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		_ = s.execute(ctx, job)
	}); err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
	}

	s.jobs[job.Name] = job
	s.logger.WithFields(map[string]interface{}{
		"job":      job.Name,
		"schedule": job.Schedule,
	}).Info("Job scheduled")
	return nil
}

// Start begins running jobs on schedule. Runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop prevents new runs. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Scheduler stopping")
	return s.cron.Stop()
}

// RunOnce executes a registered job immediately, honoring the lock
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	log := s.logger.WithField("job", job.Name)
	started := time.Now()

	if s.locker != nil {
		release, acquired, lockErr := s.locker.Acquire(ctx, job.Name, s.lockTTL)
		switch {
		case lockErr != nil:
			log.WithError(lockErr).Warn("Job lock unavailable, running without it")
		case !acquired:
			log.Debug("Job already running on another instance, skipping")
			s.metrics.RecordJobRun(job.Name, ResultSkipped)
			return nil
		default:
			defer func() {
				// Release must succeed even when the run context was cancelled
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if relErr := release(releaseCtx); relErr != nil {
					log.WithError(relErr).Warn("Failed to release job lock")
				}
			}()
		}
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("PANIC recovered in job")
			err = observability.MustRecover(r)
			s.metrics.RecordJobRun(job.Name, ResultPanic)
		}
	}()

	log.Debug("Job starting")
	if err := job.Run(ctx); err != nil {
		log.WithError(err).WithField("duration_ms", time.Since(started).Milliseconds()).Error("Job failed")
		s.metrics.RecordJobRun(job.Name, ResultError)
		return err
	}

	log.WithField("duration_ms", time.Since(started).Milliseconds()).Info("Job finished")
	s.metrics.RecordJobRun(job.Name, ResultSuccess)
	return nil
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
