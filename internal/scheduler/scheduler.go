// Package scheduler owns the per-plan workers.
//
// A single control loop receives submit, expand, cancel, done and tick messages.
// Each plan gets a logical worker that runs its jobs one at a time: the search
// first, then any cluster expansions queued behind it. Workers are forgotten as
// soon as their queue drains, so finished plans hold no memory here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStopped is returned for work that reaches a scheduler that is not running.
	ErrStopped = errors.New("scheduler stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultWatchdogBudget is the wall-clock budget of one search.
	DefaultWatchdogBudget = 2 * time.Minute
	// DefaultLockTTL bounds how long a crashed replica can keep a plan locked.
	DefaultLockTTL = 5 * time.Minute
)

// Executor runs the jobs. *runtime.Engine implements it.
type Executor interface {
	Run(ctx context.Context, planID string) error
	Expand(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error)
}

// Scheduler serializes the jobs of each plan and runs distinct plans concurrently.
type Scheduler struct {
	exec    Executor
	logger  *slog.Logger
	locker  ports.DistributedLocker
	lockTTL time.Duration
	budget  time.Duration
	tick    time.Duration
	now     func() time.Time

	msgs    chan message
	ready   chan struct{}
	done    chan struct{}
	started atomic.Bool
	jobs    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWatchdog sets the wall-clock budget of a search. Zero disables the watchdog.
func WithWatchdog(budget time.Duration) Option {
	return func(s *Scheduler) { s.budget = budget }
}

// WithTick sets how often the watchdog inspects running searches and pokes
// their plan locks.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLocker makes every job hold a distributed lock on its plan. The lock is
// refreshed on watchdog ticks, so ttl only bounds how long a crashed replica
// keeps a plan.
func WithLocker(l ports.DistributedLocker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Call Run to start it.
func New(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		exec:    exec,
		logger:  logging.NewNop(),
		lockTTL: DefaultLockTTL,
		budget:  DefaultWatchdogBudget,
		now:     time.Now,
		msgs:    make(chan message),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick == 0 {
		base := s.budget
		if base <= 0 {
			base = s.lockTTL
		}
		s.tick = max(base/10, 10*time.Millisecond)
	}
	return s
}

// Run drives the control loop and the watchdog until ctx is cancelled. On the way
// out running searches are cancelled with ErrStopped as cause and queued jobs are
// rejected; Run returns once every job goroutine has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	close(s.ready)
	defer close(s.done)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(gctx) })
	if s.budget > 0 || s.locker != nil {
		g.Go(func() error { return s.watchdog(gctx) })
	}
	err := g.Wait()
	s.jobs.Wait()
	return err
}

// Ready is closed once Run has been called; from then on messages are accepted.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Submit queues the search of a plan. The returned channel receives the outcome
// of Executor.Run once the search has finished.
func (s *Scheduler) Submit(ctx context.Context, planID string) (<-chan error, error) {
	j := newJob(jobRun, planID)
	if err := s.send(ctx, message{kind: msgEnqueue, job: j}); err != nil {
		return nil, err
	}
	return j.result, nil
}

// Expand queues a cluster expansion behind the plan's running jobs and waits
// for its result.
func (s *Scheduler) Expand(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error) {
	j := newJob(jobExpand, planID)
	j.ctx = ctx
	j.clusterID = clusterID
	j.maxNew = maxNew
	if err := s.send(ctx, message{kind: msgEnqueue, job: j}); err != nil {
		return nil, err
	}
	select {
	case err := <-j.result:
		return j.paths, err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Cancel signals the search of a plan. It reports whether this scheduler owns a
// worker for the plan; the search observes the signal between expansion steps.
func (s *Scheduler) Cancel(ctx context.Context, planID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := s.send(ctx, message{kind: msgCancel, planID: planID, reply: reply}); err != nil {
		return false, err
	}
	return <-reply, nil
}

// WorkerInfo is a snapshot of one plan worker.
type WorkerInfo struct {
	PlanID  string
	Running string
	Queued  int
	Since   time.Time
}

// Workers lists the plans that currently have work, ordered by plan id.
func (s *Scheduler) Workers(ctx context.Context) ([]WorkerInfo, error) {
	reply := make(chan []WorkerInfo, 1)
	if err := s.send(ctx, message{kind: msgInspect, inspect: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

func (s *Scheduler) send(ctx context.Context, m message) error {
	if !s.started.Load() {
		return fmt.Errorf("%w: not started", ErrStopped)
	}
	select {
	case s.msgs <- m:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Scheduler) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case s.msgs <- message{kind: msgTick}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
