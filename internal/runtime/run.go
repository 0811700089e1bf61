package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/arbor/internal/cluster"
	"github.com/aretw0/arbor/internal/search"
	"github.com/aretw0/arbor/pkg/domain"
)

// run is the state of one plan execution. It is owned by a single worker.
type run struct {
	plan    *domain.Plan
	status  domain.PlanStatus
	paths   []domain.Path
	pending []domain.Path
	started time.Time

	// clusters is the last published cluster index; it covers paths[:clustered].
	clusters  []domain.PathCluster
	clustered int
}

// Run executes a queued plan to completion. It is meant to be called by the
// plan's single worker. Cancellation is observed between search steps through
// ctx: a cancelled context finalizes the plan as cancelled, or as failed when
// the cause is domain.ErrWatchdog or domain.ErrLockLost. Produced paths are
// persisted in every case.
func (e *Engine) Run(ctx context.Context, planID string) error {
	plan, err := e.plans.Get(ctx, planID)
	if err != nil && ctx.Err() != nil {
		plan, err = e.plans.Get(context.WithoutCancel(ctx), planID)
	}
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if plan.Status != domain.PlanQueued {
		return domain.Conflictf("plan %s is %s, not queued", planID, plan.Status)
	}

	r := &run{plan: plan, status: domain.PlanQueued, started: e.now()}
	if ctx.Err() != nil {
		return e.finish(ctx, r, domain.PlanCancelled, causeText(ctx))
	}
	if err := e.transition(ctx, r, domain.PlanRunning, "", false); err != nil {
		return err
	}

	catalog, err := e.catalogFor(ctx, plan)
	if err != nil {
		e.logger.ErrorContext(ctx, "plan cannot start", "plan_id", planID, "err", err)
		return errors.Join(err, e.finish(ctx, r, domain.PlanFailed, err.Error()))
	}

	s := search.New(plan.Persona, plan.StartState, catalog,
		search.ConfigFromPlan(plan.Config, e.maxExpansions),
		search.WithLogger(e.logger.With("plan_id", planID)),
		search.WithPruneHook(func(depth int, prob float64, reason domain.PruneReason) {
			e.emitPath(ctx, e.hooks.OnPathPruned, planID, "", depth, prob, reason)
		}),
	)
	eval := s.Evaluator()

	for {
		p, ok, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return e.stopped(ctx, r)
			}
			return e.fault(ctx, r, err)
		}
		if !ok {
			break
		}
		p.ID = domain.FormatPathID(len(r.paths) + 1)
		if err := checkPath(plan, eval, &p); err != nil {
			e.logger.ErrorContext(ctx, "invariant violated", "plan_id", planID, "path_id", p.ID, "err", err)
			return errors.Join(err, e.finish(ctx, r, domain.PlanFailed, err.Error()))
		}
		r.paths = append(r.paths, p)
		r.pending = append(r.pending, p)
		e.emitPath(ctx, e.hooks.OnPathAccepted, planID, p.ID, p.Depth(), p.CumulativeProbability, "")

		if len(r.pending) >= e.interimEvery {
			if err := e.flush(ctx, r); err != nil {
				return e.fault(ctx, r, err)
			}
			if err := e.transition(ctx, r, domain.PlanPartial, "", false); err != nil {
				return e.fault(ctx, r, err)
			}
		}
	}

	stats := s.Stats()
	e.logger.InfoContext(ctx, "search finished", "plan_id", planID, "paths", len(r.paths),
		"expansions", stats.Expansions, "pruned", stats.PrunedLowProb+stats.PrunedConstraint, "halt", stats.Halt)
	diagnostic := ""
	if stats.Halt == search.HaltBudget {
		diagnostic = fmt.Sprintf("expansion budget of %d reached", e.maxExpansions)
	}
	return e.finish(ctx, r, domain.PlanSucceeded, diagnostic)
}

// stopped finalizes a plan whose context was cancelled.
func (e *Engine) stopped(ctx context.Context, r *run) error {
	if errors.Is(context.Cause(ctx), domain.ErrWatchdog) {
		e.logger.WarnContext(ctx, "plan force-failed by watchdog", "plan_id", r.plan.ID, "paths", len(r.paths))
		return e.finish(ctx, r, domain.PlanFailed, causeText(ctx))
	}
	if errors.Is(context.Cause(ctx), domain.ErrLockLost) {
		e.logger.ErrorContext(ctx, "plan lock lost mid-search", "plan_id", r.plan.ID, "paths", len(r.paths))
		return e.finish(ctx, r, domain.PlanFailed, causeText(ctx))
	}
	e.logger.InfoContext(ctx, "plan cancelled", "plan_id", r.plan.ID, "paths", len(r.paths))
	return e.finish(ctx, r, domain.PlanCancelled, causeText(ctx))
}

// fault finalizes a plan after an error. With at least one path produced the
// fault is recoverable and the plan ends partial; otherwise it fails.
func (e *Engine) fault(ctx context.Context, r *run, cause error) error {
	e.logger.ErrorContext(ctx, "plan fault", "plan_id", r.plan.ID, "paths", len(r.paths), "err", cause)
	status := domain.PlanFailed
	if len(r.paths) > 0 {
		status = domain.PlanPartial
	}
	return errors.Join(cause, e.finish(ctx, r, status, cause.Error()))
}

// finish persists everything produced so far, attributes the new paths to
// clusters and moves the plan to its final status.
func (e *Engine) finish(ctx context.Context, r *run, status domain.PlanStatus, diagnostic string) error {
	ctx = context.WithoutCancel(ctx)
	var flushErr error
	if r.status != domain.PlanQueued {
		if flushErr = e.flush(ctx, r); flushErr != nil {
			if status == domain.PlanSucceeded {
				status = domain.PlanFailed
			}
			diagnostic = joinDiagnostic(diagnostic, flushErr.Error())
		}
	}
	return errors.Join(flushErr, e.transition(ctx, r, status, diagnostic, true))
}

func joinDiagnostic(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// flush appends pending paths and publishes their cluster attribution. The
// first publication partitions the paths. Later ones attach new paths to the
// published clusters, so a cluster id handed out at an interim flush keeps
// naming the same members.
func (e *Engine) flush(ctx context.Context, r *run) error {
	if len(r.pending) > 0 {
		if err := e.plans.AppendPaths(ctx, r.plan.ID, r.pending); err != nil {
			return fmt.Errorf("append paths: %w", err)
		}
		r.pending = r.pending[:0]
	}
	clusters, err := r.attribute()
	if err != nil {
		return fmt.Errorf("cluster paths: %w", err)
	}
	if err := e.plans.SaveClusters(ctx, r.plan.ID, clusters); err != nil {
		return fmt.Errorf("save clusters: %w", err)
	}
	r.clusters, r.clustered = clusters, len(r.paths)
	return nil
}

func (r *run) attribute() ([]domain.PathCluster, error) {
	cfg := r.plan.Config
	if len(r.clusters) == 0 {
		return cluster.Partition(r.plan.StartState, r.paths, cfg.MaxClusters, cfg.EnableClustering), nil
	}
	return cluster.Extend(r.plan.StartState, r.clusters, r.paths[:r.clustered], r.paths[r.clustered:], cfg.EnableClustering)
}

func (e *Engine) transition(ctx context.Context, r *run, to domain.PlanStatus, diagnostic string, final bool) error {
	if err := e.plans.SetStatus(ctx, r.plan.ID, to, diagnostic, final); err != nil {
		return fmt.Errorf("plan %s %s -> %s: %w", r.plan.ID, r.status, to, err)
	}
	var elapsed time.Duration
	if final {
		elapsed = e.now().Sub(r.started)
	}
	e.emitStatus(ctx, r.plan.ID, r.status, to, len(r.paths), diagnostic, elapsed)
	r.status = to
	return nil
}

func causeText(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return domain.ErrPlanCancelled.Error()
}

func (e *Engine) emitStatus(ctx context.Context, planID string, from, to domain.PlanStatus, paths int, diagnostic string, elapsed time.Duration) {
	if e.hooks.OnPlanStatus == nil {
		return
	}
	e.hooks.OnPlanStatus(ctx, &domain.PlanEvent{
		EventBase:  domain.EventBase{Timestamp: e.now(), Type: domain.EventPlanStatus, PlanID: planID},
		From:       from,
		To:         to,
		Paths:      paths,
		Duration:   elapsed,
		Diagnostic: diagnostic,
	})
}

func (e *Engine) emitPath(ctx context.Context, hook func(context.Context, *domain.PathEvent), planID, pathID string, depth int, prob float64, reason domain.PruneReason) {
	if hook == nil {
		return
	}
	typ := domain.EventPathAccepted
	if reason != "" {
		typ = domain.EventPathPruned
	}
	hook(ctx, &domain.PathEvent{
		EventBase:   domain.EventBase{Timestamp: e.now(), Type: typ, PlanID: planID},
		PathID:      pathID,
		Depth:       depth,
		Probability: prob,
		Reason:      reason,
	})
}
