package arbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/internal/scheduler"
	loamAdapter "github.com/aretw0/arbor/pkg/adapters/loam"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/loam"
)

// Version is the release of this build. Overridden with -ldflags at release time.
var Version = "0.3.0-dev"

// InterruptedDiagnostic is recorded on plans found mid-run when a Service starts.
const InterruptedDiagnostic = "interrupted by restart"

type (
	// PlanRequest is the input of CreatePlan.
	PlanRequest = runtime.PlanRequest
	// BranchRequest is the input of Branch.
	BranchRequest = runtime.BranchRequest
	// BranchResult is the node and edge a Branch created.
	BranchResult = runtime.BranchResult
	// WorkerInfo describes a plan that currently has work scheduled.
	WorkerInfo = scheduler.WorkerInfo
)

// ErrNotStarted is returned by operations that need the scheduler before Start.
var ErrNotStarted = errors.New("service not started")

// Service is the high-level entry point for the planner.
// It wires the plan executor to its stores and runs plans on a scheduler.
type Service struct {
	runtime   *runtime.Engine
	scheduler *scheduler.Scheduler

	plans    ports.PlanStore
	universe ports.UniverseStore
	catalogs ports.ActionCatalog
	personas ports.PersonaSource

	logger      *slog.Logger
	hooks       domain.LifecycleHooks
	pipeline    ports.ExecutionPipeline
	aggregation string
	runtimeOpts []runtime.EngineOption
	schedOpts   []scheduler.Option
	Name        string

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped chan error
}

// Option configures a Service.
type Option func(*Service)

// WithPlanStore sets where plans are persisted. Defaults to memory.
func WithPlanStore(s ports.PlanStore) Option {
	return func(svc *Service) { svc.plans = s }
}

// WithUniverseStore sets the universe map store. Defaults to memory.
func WithUniverseStore(s ports.UniverseStore) Option {
	return func(svc *Service) { svc.universe = s }
}

// WithCatalog sets the action catalog source, bypassing the Loam repository.
func WithCatalog(c ports.ActionCatalog) Option {
	return func(svc *Service) { svc.catalogs = c }
}

// WithPersonas sets the persona source, bypassing the Loam repository.
func WithPersonas(p ports.PersonaSource) Option {
	return func(svc *Service) { svc.personas = p }
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) { svc.logger = logger }
}

// WithLifecycleHooks registers observability hooks. Repeated calls merge.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(svc *Service) { svc.hooks = svc.hooks.Merge(hooks) }
}

// WithPipeline sets the execution pipeline that auto-run branches submit to.
func WithPipeline(p ports.ExecutionPipeline) Option {
	return func(svc *Service) { svc.pipeline = p }
}

// WithAggregation selects the sibling probability policy by name
// (renormalized, mean, median, weighted, own).
func WithAggregation(name string) Option {
	return func(svc *Service) { svc.aggregation = name }
}

// WithMaxExpansions caps frontier expansions per search.
func WithMaxExpansions(n int) Option {
	return func(svc *Service) {
		svc.runtimeOpts = append(svc.runtimeOpts, runtime.WithMaxExpansions(n))
	}
}

// WithInterimEvery sets how many accepted paths trigger an interim clustering.
func WithInterimEvery(n int) Option {
	return func(svc *Service) {
		svc.runtimeOpts = append(svc.runtimeOpts, runtime.WithInterimEvery(n))
	}
}

// WithSeed sets the seed used by plans that do not carry one.
func WithSeed(seed uint64) Option {
	return func(svc *Service) {
		svc.runtimeOpts = append(svc.runtimeOpts, runtime.WithDefaultSeed(seed))
	}
}

// WithWatchdog sets the wall-clock budget of a single search. Zero disables it.
func WithWatchdog(budget time.Duration) Option {
	return func(svc *Service) {
		svc.schedOpts = append(svc.schedOpts, scheduler.WithWatchdog(budget))
	}
}

// WithLocker makes workers hold a distributed lock per plan while they run.
func WithLocker(l ports.DistributedLocker, ttl time.Duration) Option {
	return func(svc *Service) {
		svc.schedOpts = append(svc.schedOpts, scheduler.WithLocker(l, ttl))
	}
}

// New initializes a Service.
// Personas and catalogs are read from a Loam repository at repoPath unless
// WithCatalog and WithPersonas provide them; repoPath may then be empty.
func New(repoPath string, opts ...Option) (*Service, error) {
	svc := &Service{}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.catalogs == nil || svc.personas == nil {
		if repoPath == "" {
			return nil, fmt.Errorf("repoPath is required when no catalog and persona source is provided")
		}
		absPath, err := filepath.Abs(repoPath)
		if err != nil {
			return nil, fmt.Errorf("invalid path: %w", err)
		}
		svc.Name = filepath.Base(absPath)

		// Strict mode yields json.Number for every numeric field; the document
		// decoder unwraps them. The planner never writes to the repository.
		repo, err := loam.Init(absPath,
			loam.WithStrict(true),
			loam.WithReadOnly(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize loam: %w", err)
		}
		provider := loamAdapter.New(loam.NewTypedRepository[loamAdapter.Document](repo))
		if svc.catalogs == nil {
			svc.catalogs = provider
		}
		if svc.personas == nil {
			svc.personas = provider
		}
	} else if repoPath != "" {
		svc.Name = filepath.Base(repoPath)
	}

	if svc.plans == nil {
		svc.plans = memory.NewStore()
	}
	if svc.universe == nil {
		svc.universe = memory.NewUniverse()
	}
	if svc.logger == nil {
		svc.logger = logging.NewNop()
	}
	if svc.Name != "" {
		svc.logger = svc.logger.With("repo", svc.Name)
	}

	runtimeOpts := []runtime.EngineOption{
		runtime.WithLogger(svc.logger),
		runtime.WithLifecycleHooks(svc.hooks),
	}
	if svc.pipeline != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithPipeline(svc.pipeline))
	}
	if svc.aggregation != "" {
		agg, err := runtime.ParseAggregation(svc.aggregation)
		if err != nil {
			return nil, err
		}
		runtimeOpts = append(runtimeOpts, runtime.WithAggregation(agg))
	}
	runtimeOpts = append(runtimeOpts, svc.runtimeOpts...)
	svc.runtime = runtime.NewEngine(svc.plans, svc.universe, svc.catalogs, svc.personas, runtimeOpts...)

	schedOpts := append([]scheduler.Option{scheduler.WithLogger(svc.logger)}, svc.schedOpts...)
	svc.scheduler = scheduler.New(svc.runtime, schedOpts...)
	return svc, nil
}

// Start runs the scheduler in the background and recovers plans left behind by
// a previous process: queued plans are resubmitted, plans caught mid-run are
// finalized (partial when they persisted paths, failed otherwise).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return scheduler.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.stopped = make(chan error, 1)
	s.mu.Unlock()

	go func() { s.stopped <- s.scheduler.Run(runCtx) }()
	<-s.scheduler.Ready()

	return s.recover(ctx)
}

func (s *Service) recover(ctx context.Context) error {
	ids, err := s.plans.List(ctx)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	for _, id := range ids {
		plan, err := s.plans.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", id, err)
		}
		switch {
		case plan.Status == domain.PlanQueued:
			if _, err := s.scheduler.Submit(ctx, id); err != nil {
				return fmt.Errorf("resubmit plan %s: %w", id, err)
			}
			s.logger.InfoContext(ctx, "plan resubmitted", "plan_id", id)
		case plan.FinishedAt == nil && (plan.Status == domain.PlanRunning || plan.Status == domain.PlanPartial):
			status := domain.PlanFailed
			if len(plan.Paths) > 0 {
				status = domain.PlanPartial
			}
			if err := s.plans.SetStatus(ctx, id, status, InterruptedDiagnostic, true); err != nil {
				return fmt.Errorf("finalize plan %s: %w", id, err)
			}
			s.logger.WarnContext(ctx, "interrupted plan finalized", "plan_id", id, "status", status)
		}
	}
	return nil
}

// Close stops the scheduler, waits for running jobs to observe the stop, and
// waits for pending pipeline submissions.
func (s *Service) Close() error {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	err := <-stopped
	s.runtime.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CreatePlan validates the request, stores the plan as queued and schedules its
// search. Validation errors are returned synchronously and store nothing.
func (s *Service) CreatePlan(ctx context.Context, req PlanRequest) (*domain.Plan, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	plan, err := s.runtime.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.scheduler.Submit(ctx, plan.ID); err != nil {
		return plan, fmt.Errorf("schedule plan %s: %w", plan.ID, err)
	}
	s.logger.InfoContext(ctx, "plan created", "plan_id", plan.ID, "persona", plan.PersonaRef.ID)
	return plan, nil
}

// RunPlan creates a plan and waits until its search has finished.
func (s *Service) RunPlan(ctx context.Context, req PlanRequest) (*domain.Plan, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	plan, err := s.runtime.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	done, err := s.scheduler.Submit(ctx, plan.ID)
	if err != nil {
		return plan, fmt.Errorf("schedule plan %s: %w", plan.ID, err)
	}
	select {
	case runErr := <-done:
		if runErr != nil {
			s.logger.WarnContext(ctx, "plan finished with error", "plan_id", plan.ID, "err", runErr)
		}
	case <-ctx.Done():
		_, _ = s.CancelPlan(context.WithoutCancel(ctx), plan.ID)
		return nil, context.Cause(ctx)
	}
	return s.plans.Get(ctx, plan.ID)
}

// GetPlan returns the plan with its clusters and paths. Interim results of a
// running plan are included.
func (s *Service) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	return s.plans.Get(ctx, planID)
}

// ExpandCluster searches more paths inside a cluster. It waits for the plan's
// running search, if any, and returns only the newly appended paths.
func (s *Service) ExpandCluster(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.scheduler.Expand(ctx, planID, clusterID, maxNew)
}

// Branch commits a path into the universe map as a new child node.
func (s *Service) Branch(ctx context.Context, req BranchRequest) (BranchResult, error) {
	return s.runtime.Branch(ctx, req)
}

// CancelPlan stops a queued or running plan. Paths already produced stay
// retrievable. It reports whether the plan was signalled. Cancelling a plan
// that already finished is a no-op that reports false.
func (s *Service) CancelPlan(ctx context.Context, planID string) (bool, error) {
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	// A finalized partial plan is terminal even though partial also marks
	// interim results of a live run.
	if plan.Status.IsTerminal() || plan.FinishedAt != nil {
		return false, nil
	}
	if s.running() {
		signalled, err := s.scheduler.Cancel(ctx, planID)
		if err != nil {
			return false, err
		}
		if signalled {
			s.logger.InfoContext(ctx, "plan cancel requested", "plan_id", planID)
			return true, nil
		}
	}
	// Nobody runs the plan here: a queued plan is cancelled in place. A plan
	// another replica is running cannot be signalled from this process.
	if plan.Status != domain.PlanQueued {
		return false, domain.Conflictf("plan %s is %s on another worker", planID, plan.Status)
	}
	if err := s.plans.SetStatus(ctx, planID, domain.PlanCancelled, domain.ErrPlanCancelled.Error(), true); err != nil {
		return false, err
	}
	return true, nil
}

// GetNode returns a universe map node.
func (s *Service) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	return s.universe.GetNode(ctx, nodeID)
}

// Children returns the edges leaving a universe map node.
func (s *Service) Children(ctx context.Context, nodeID string) ([]domain.Edge, error) {
	if _, err := s.universe.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.universe.Children(ctx, nodeID)
}

// SeedRoot appends a manual root node that plans can start from.
func (s *Service) SeedRoot(ctx context.Context, label string, state domain.WorldState) (domain.Node, error) {
	return s.runtime.SeedRoot(ctx, label, state)
}

// Walk visits the whole universe map when the store supports enumeration.
func (s *Service) Walk(ctx context.Context, fn func(node domain.Node, children []domain.Edge)) error {
	w, ok := s.universe.(ports.UniverseWalker)
	if !ok {
		return fmt.Errorf("universe store %T cannot be walked", s.universe)
	}
	return w.Walk(ctx, fn)
}

// Workers lists plans that currently have scheduled work.
func (s *Service) Workers(ctx context.Context) ([]WorkerInfo, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.scheduler.Workers(ctx)
}

// Plans returns the ids of stored plans.
func (s *Service) Plans(ctx context.Context) ([]string, error) {
	return s.plans.List(ctx)
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return false
	}
	select {
	case <-s.scheduler.Done():
		return false
	default:
		return true
	}
}
