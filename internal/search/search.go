// Package search implements the best-first path search.
//
// A Searcher is anytime: every call to Next advances the frontier until one more
// path is accepted or the search halts, so callers can stop early, persist
// interim results, or cancel between steps.
//
// The frontier is explored likely-first, but finished paths wait in a reserve
// until no open partial path can still beat them, so paths are returned in
// descending utility order and the first one is the best the search can reach.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/utility"
	"github.com/aretw0/arbor/pkg/domain"
)

// DefaultMaxExpansions caps frontier pops when the caller sets no budget.
const DefaultMaxExpansions = 200000

// Config bounds one search.
type Config struct {
	MaxPaths         int
	MaxDepth         int
	PruningThreshold float64
	Seed             uint64
	// MaxExpansions caps how many frontier heads are expanded. Zero means DefaultMaxExpansions.
	MaxExpansions int
}

// ConfigFromPlan converts a plan configuration.
func ConfigFromPlan(c domain.PlanConfig, maxExpansions int) Config {
	return Config{
		MaxPaths:         c.MaxPaths,
		MaxDepth:         c.MaxDepth,
		PruningThreshold: c.PruningThreshold,
		Seed:             c.Seed,
		MaxExpansions:    maxExpansions,
	}
}

// Halt explains why a search stopped producing paths.
type Halt string

const (
	HaltNone      Halt = ""
	HaltMaxPaths  Halt = "max_paths"
	HaltExhausted Halt = "frontier_exhausted"
	HaltBudget    Halt = "expansion_budget"
)

// Stats counts what the search has done so far.
type Stats struct {
	Expansions       int
	Accepted         int
	Rejected         int
	PrunedLowProb    int
	PrunedConstraint int
	Explorations     int
	Halt             Halt
}

// PruneFunc observes every discarded partial path.
type PruneFunc func(depth int, probability float64, reason domain.PruneReason)

// AcceptFunc decides whether a terminal path counts as a result.
type AcceptFunc func(p *domain.Path) bool

// Option configures a Searcher.
type Option func(*Searcher)

// WithLogger sets the logger used for debug tracing.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPrefix starts the search from the end of an existing step sequence.
// The steps are replayed against the catalog, so they must come from it.
func WithPrefix(steps []domain.Step) Option {
	return func(s *Searcher) { s.prefix = steps }
}

// WithAccept filters terminal paths. Rejected paths do not count toward MaxPaths.
func WithAccept(fn AcceptFunc) Option {
	return func(s *Searcher) { s.accept = fn }
}

// WithPruneHook registers a callback for pruned partial paths.
func WithPruneHook(fn PruneFunc) Option {
	return func(s *Searcher) { s.onPrune = fn }
}

// Searcher enumerates candidate paths lazily. It is not safe for concurrent use.
type Searcher struct {
	persona *domain.Persona
	catalog *domain.Catalog
	eval    *utility.Evaluator
	cfg     Config
	depth   int

	logger  *slog.Logger
	prefix  []domain.Step
	accept  AcceptFunc
	onPrune PruneFunc

	rng      *rand.Rand
	topDim   domain.Dimension
	topW     float64
	bounds   *optimist
	frontier queue
	open     queue
	reserve  queue
	seq      uint64
	stats    Stats
	started  bool
	drained  bool
	err      error
}

// New prepares a search. Nothing is expanded until Next is called.
func New(persona *domain.Persona, start domain.WorldState, catalog *domain.Catalog, cfg Config, opts ...Option) *Searcher {
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = DefaultMaxExpansions
	}
	s := &Searcher{
		persona: persona,
		catalog: catalog,
		eval:    utility.New(persona),
		cfg:     cfg,
		depth:   EffectiveDepth(cfg.MaxDepth, persona.PlanningHorizon),
		logger:  logging.NewNop(),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	s.topDim, s.topW = persona.TopDimension()
	s.bounds = newOptimist(persona, catalog, s.eval)
	for _, opt := range opts {
		opt(s)
	}
	s.frontier = newQueue(byPriority)
	s.open = newQueue(byBound)
	s.reserve = newQueue(byUtility)
	s.seed(start.Clone())
	return s
}

// EffectiveDepth is the configured depth capped by a positive planning horizon.
func EffectiveDepth(maxDepth, horizon int) int {
	if horizon > 0 && horizon < maxDepth {
		return horizon
	}
	return maxDepth
}

// Stats returns a snapshot of the counters.
func (s *Searcher) Stats() Stats { return s.stats }

// Evaluator exposes the utility evaluator used for scoring.
func (s *Searcher) Evaluator() *utility.Evaluator { return s.eval }

func (s *Searcher) seed(start domain.WorldState) {
	s.started = true
	if s.cfg.MaxPaths <= 0 || len(s.catalog.Actions) == 0 {
		s.stats.Halt = HaltExhausted
		return
	}
	if err := s.eval.CheckHard(start, 0); err != nil {
		s.logger.Debug("start state violates hard constraint", "err", err)
		s.stats.Halt = HaltExhausted
		return
	}
	root := &node{state: start, prob: 1, score: utility.Score{Contributions: map[domain.Dimension]float64{}}}
	for i, step := range s.prefix {
		child, err := s.replay(root, step)
		if err != nil {
			s.err = fmt.Errorf("replay prefix step %d: %w", i+1, err)
			return
		}
		root = child
	}
	root.bound = root.score.Total + s.bounds.remaining(root.state, root.depth(), s.depth)
	s.push(root)
}

func (s *Searcher) replay(parent *node, step domain.Step) (*node, error) {
	action, ok := s.catalog.Lookup(step.ActionID)
	if !ok {
		return nil, domain.Faultf("action %q not in catalog %s@%s", step.ActionID, s.catalog.Domain, s.catalog.Version)
	}
	if step.OutcomeIndex < 0 || step.OutcomeIndex >= len(action.Outcomes) {
		return nil, domain.Faultf("action %q has no outcome %d", step.ActionID, step.OutcomeIndex)
	}
	child, err := s.child(parent, action, step.OutcomeIndex)
	if err != nil {
		return nil, domain.Faultf("prefix no longer valid: %v", err)
	}
	return child, nil
}

// child applies one outcome of an action to a node. It returns the hard-constraint
// error from the evaluator when the resulting state is not allowed.
func (s *Searcher) child(parent *node, action *domain.Action, idx int) (*node, error) {
	outcome := action.Outcomes[idx]
	next := outcome.Apply(parent.state)
	depth := parent.depth() + 1
	step, err := s.eval.Step(depth, parent.state, next, action.BaseCost)
	if err != nil {
		return nil, err
	}
	prob := parent.prob * outcome.Probability

	steps := make([]domain.Step, depth)
	copy(steps, parent.steps)
	steps[depth-1] = domain.Step{
		ActionID:              action.ID,
		OutcomeIndex:          idx,
		Outcome:               outcome.Label,
		State:                 next,
		StepProbability:       outcome.Probability,
		CumulativeProbability: prob,
	}
	score := parent.score.Clone()
	score.Add(step)
	return &node{steps: steps, state: next, prob: prob, score: score}, nil
}

func (s *Searcher) push(n *node) {
	s.seq++
	n.seq = s.seq
	s.frontier.push(n)
	s.open.push(n)
}

// settled reports whether the best reserved path is at least as good as
// anything an open partial path can still become.
func (s *Searcher) settled() bool {
	for s.open.Len() > 0 && s.open.peek().closed {
		s.open.pop()
	}
	return s.open.Len() == 0 || s.reserve.peek().score.Total >= s.open.peek().bound
}

// Next returns the next accepted path. ok is false once the search has halted.
// The context is checked before every expansion step; on cancellation the
// context's cause is returned and the searcher can be resumed with a live context.
func (s *Searcher) Next(ctx context.Context) (domain.Path, bool, error) {
	if s.err != nil {
		return domain.Path{}, false, s.err
	}
	for {
		if s.stats.Halt != HaltNone {
			return domain.Path{}, false, nil
		}
		if s.stats.Accepted >= s.cfg.MaxPaths {
			s.stats.Halt = HaltMaxPaths
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.Path{}, false, context.Cause(ctx)
		}
		if s.stats.Expansions >= s.cfg.MaxExpansions && !s.drained {
			s.drain()
		}
		if s.reserve.Len() > 0 && s.settled() {
			return s.release(), true, nil
		}
		if s.frontier.Len() == 0 {
			s.stats.Halt = HaltExhausted
			if s.drained {
				s.stats.Halt = HaltBudget
			}
			continue
		}

		head := s.frontier.pop()
		head.closed = true
		if head.depth() >= s.depth {
			s.finish(head)
			continue
		}

		legal := s.legal(head.state)
		if len(legal) == 0 {
			s.finish(head)
			continue
		}
		s.expand(head, legal)
	}
}

// Run drains the searcher.
func (s *Searcher) Run(ctx context.Context) ([]domain.Path, error) {
	var out []domain.Path
	for {
		p, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}

func (s *Searcher) legal(state domain.WorldState) []*domain.Action {
	var out []*domain.Action
	for i := range s.catalog.Actions {
		if a := &s.catalog.Actions[i]; a.Legal(state) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Searcher) expand(head *node, legal []*domain.Action) {
	s.stats.Expansions++

	explored := -1
	if rate := s.persona.ExplorationRate; rate > 0 && s.rng.Float64() < rate {
		explored = s.rng.IntN(len(legal))
		s.stats.Explorations++
	}

	var children []*node
	var tiers []bool
	gmax := 0.0
	for i, action := range legal {
		for idx, outcome := range action.Outcomes {
			prob := head.prob * outcome.Probability
			if prob < s.cfg.PruningThreshold {
				s.prune(head.depth()+1, prob, domain.PruneProbability)
				continue
			}
			c, err := s.child(head, action, idx)
			if err != nil {
				s.logger.Debug("pruned by hard constraint", "action", action.ID, "depth", head.depth()+1, "err", err)
				s.prune(head.depth()+1, prob, domain.PruneConstraint)
				continue
			}
			if g := s.eval.Gains(head.state, c.state)[s.topDim]; g > gmax {
				gmax = g
			}
			children = append(children, c)
			tiers = append(tiers, i == explored)
		}
	}
	for i, c := range children {
		c.bound = c.score.Total + s.bounds.remaining(c.state, c.depth(), s.depth)
		c.priority = s.priority(c, gmax)
		c.explore = tiers[i]
		s.push(c)
	}
}

// priority is the utility bound adjusted by a risk-weighted log probability.
// It only orders exploration; results leave the reserve by utility.
func (s *Searcher) priority(n *node, gmax float64) float64 {
	unit := math.Max(s.topW*gmax, 1)
	return n.bound + (0.5+s.persona.RiskAversion)*unit*math.Log(n.prob)
}

func (s *Searcher) prune(depth int, prob float64, reason domain.PruneReason) {
	switch reason {
	case domain.PruneConstraint:
		s.stats.PrunedConstraint++
	default:
		s.stats.PrunedLowProb++
	}
	if s.onPrune != nil {
		s.onPrune(depth, prob, reason)
	}
}

// finish moves a terminal node into the reserve unless the accept filter
// rejects it.
func (s *Searcher) finish(n *node) {
	if n.depth() == 0 {
		return
	}
	p := domain.Path{
		Steps:                 n.steps,
		CumulativeProbability: n.prob,
		UtilityScore:          n.score.Total,
		Contributions:         n.score.Contributions,
		Status:                domain.PathCandidate,
		Origin:                domain.OriginSearch,
	}
	if s.accept != nil && !s.accept(&p) {
		s.stats.Rejected++
		return
	}
	n.path = &p
	s.reserve.push(n)
}

// drain ends expansion once the budget is spent. Frontier heads that are
// already terminal move to the reserve and the rest are dropped.
func (s *Searcher) drain() {
	s.drained = true
	for s.frontier.Len() > 0 {
		head := s.frontier.pop()
		head.closed = true
		if head.depth() >= s.depth || len(s.legal(head.state)) == 0 {
			s.finish(head)
		}
	}
}

func (s *Searcher) release() domain.Path {
	n := s.reserve.pop()
	s.stats.Accepted++
	return n.path.Clone()
}
