package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

type jobKind string

const (
	jobRun    jobKind = "search"
	jobExpand jobKind = "expand"
)

type job struct {
	kind      jobKind
	planID    string
	clusterID string
	maxNew    int

	ctx    context.Context
	cancel context.CancelCauseFunc
	paths  []domain.Path
	result chan error
	// refresh is poked on every watchdog tick while the job runs.
	refresh chan struct{}
}

func newJob(kind jobKind, planID string) *job {
	return &job{kind: kind, planID: planID, result: make(chan error, 1), refresh: make(chan struct{}, 1)}
}

type msgKind int

const (
	msgEnqueue msgKind = iota
	msgCancel
	msgDone
	msgTick
	msgInspect
)

type message struct {
	kind    msgKind
	planID  string
	job     *job
	reply   chan bool
	inspect chan []WorkerInfo
}

// worker is the per-plan state. It is only touched by the control loop.
type worker struct {
	planID string
	// cancel signals every search of the plan, including one not started yet.
	searchCtx context.Context
	cancel    context.CancelCauseFunc
	queue     []*job
	active    *job
	since     time.Time
	fired     bool
}

func (s *Scheduler) loop(ctx context.Context) error {
	workers := make(map[string]*worker)
	stopping := false

	for {
		if stopping && len(workers) == 0 {
			return nil
		}
		var stop <-chan struct{}
		if !stopping {
			stop = ctx.Done()
		}

		select {
		case <-stop:
			stopping = true
			s.logger.Info("scheduler stopping", "workers", len(workers))
			for id, w := range workers {
				w.cancel(ErrStopped)
				if w.active != nil {
					w.active.cancel(ErrStopped)
				}
				for _, j := range w.queue {
					j.result <- ErrStopped
				}
				w.queue = nil
				if w.active == nil {
					delete(workers, id)
				}
			}

		case m := <-s.msgs:
			switch m.kind {
			case msgEnqueue:
				if stopping {
					m.job.result <- ErrStopped
					continue
				}
				w, ok := workers[m.job.planID]
				if !ok {
					w = &worker{planID: m.job.planID}
					w.searchCtx, w.cancel = context.WithCancelCause(context.Background())
					workers[w.planID] = w
				}
				w.queue = append(w.queue, m.job)
				s.dispatch(w)

			case msgCancel:
				w, ok := workers[m.planID]
				if ok {
					w.cancel(domain.ErrPlanCancelled)
					s.logger.Info("plan cancel signalled", "plan_id", m.planID)
				}
				m.reply <- ok

			case msgDone:
				w := workers[m.planID]
				w.active = nil
				w.fired = false
				if len(w.queue) == 0 {
					w.cancel(nil)
					delete(workers, w.planID)
					continue
				}
				s.dispatch(w)

			case msgTick:
				s.inspectBudgets(workers)
				s.pokeLeases(workers)

			case msgInspect:
				m.inspect <- snapshot(workers)
			}
		}
	}
}

// dispatch starts the head of the queue when the worker is idle.
func (s *Scheduler) dispatch(w *worker) {
	if w.active != nil || len(w.queue) == 0 {
		return
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	w.active = j
	w.since = s.now()

	if j.kind == jobRun {
		j.ctx, j.cancel = w.searchCtx, w.cancel
	} else {
		j.ctx, j.cancel = context.WithCancelCause(j.ctx)
	}

	s.jobs.Add(1)
	go s.execute(j)
}

func (s *Scheduler) execute(j *job) {
	defer s.jobs.Done()
	logger := s.logger.With("plan_id", j.planID, "job", string(j.kind))
	err := s.withLock(j, func() error {
		switch j.kind {
		case jobRun:
			return s.exec.Run(j.ctx, j.planID)
		default:
			paths, err := s.exec.Expand(j.ctx, j.planID, j.clusterID, j.maxNew)
			j.paths = paths
			return err
		}
	})
	if j.kind == jobExpand {
		j.cancel(nil)
	}
	if err != nil {
		logger.Warn("job finished with error", "err", err)
	} else {
		logger.Debug("job finished")
	}
	j.result <- err
	s.msgs <- message{kind: msgDone, planID: j.planID}
}

func (s *Scheduler) withLock(j *job, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	lease, err := s.locker.Lock(j.ctx, "plan:"+j.planID, s.lockTTL)
	if err != nil {
		return fmt.Errorf("lock plan %s: %w", j.planID, err)
	}
	stop := make(chan struct{})
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		s.keepAlive(j, lease, stop)
	}()
	defer func() {
		close(stop)
		<-kept
		if err := lease.Unlock(context.WithoutCancel(j.ctx)); err != nil {
			s.logger.Warn("unlock plan failed", "plan_id", j.planID, "err", err)
		}
	}()
	return fn()
}

// keepAlive refreshes the plan lock on watchdog ticks once a third of its ttl
// has passed. Losing the lock cancels the job with domain.ErrLockLost.
func (s *Scheduler) keepAlive(j *job, lease ports.Lease, stop <-chan struct{}) {
	logger := s.logger.With("plan_id", j.planID)
	last := s.now()
	for {
		select {
		case <-stop:
			return
		case <-j.refresh:
			if s.now().Sub(last) < s.lockTTL/3 {
				continue
			}
			err := lease.Refresh(context.WithoutCancel(j.ctx), s.lockTTL)
			switch {
			case errors.Is(err, domain.ErrLockLost):
				logger.Error("plan lock lost", "err", err)
				j.cancel(domain.ErrLockLost)
				return
			case err != nil:
				logger.Warn("refresh plan lock failed", "err", err)
			default:
				last = s.now()
			}
		}
	}
}

// pokeLeases wakes the lock keeper of every running job.
func (s *Scheduler) pokeLeases(workers map[string]*worker) {
	if s.locker == nil {
		return
	}
	for _, w := range workers {
		if w.active == nil {
			continue
		}
		select {
		case w.active.refresh <- struct{}{}:
		default:
		}
	}
}

// inspectBudgets force-fails searches that ran past the watchdog budget.
func (s *Scheduler) inspectBudgets(workers map[string]*worker) {
	if s.budget <= 0 {
		return
	}
	now := s.now()
	for _, w := range workers {
		if w.active == nil || w.active.kind != jobRun || w.fired {
			continue
		}
		if elapsed := now.Sub(w.since); elapsed > s.budget {
			w.fired = true
			w.cancel(domain.ErrWatchdog)
			s.logger.Warn("watchdog fired", "plan_id", w.planID, "elapsed", elapsed.String(), "budget", s.budget.String())
		}
	}
}

func snapshot(workers map[string]*worker) []WorkerInfo {
	out := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		info := WorkerInfo{PlanID: w.planID, Queued: len(w.queue)}
		if w.active != nil {
			info.Running = string(w.active.kind)
			info.Since = w.since
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}
