// Package runtime executes plans: it drives the search, persists paths and
// clusters, expands clusters on demand and commits paths into the universe map.
//
// The Engine holds no per-plan state. Everything a run produces goes through the
// PlanStore, so a plan can be inspected while it runs and survives a restart of
// the process that produced it.
package runtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/search"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/google/uuid"
)

// DefaultInterimEvery is how many accepted paths trigger an interim clustering.
const DefaultInterimEvery = 25

// Engine is the plan executor.
type Engine struct {
	plans    ports.PlanStore
	universe ports.UniverseStore
	catalogs ports.ActionCatalog
	personas ports.PersonaSource
	pipeline ports.ExecutionPipeline

	logger        *slog.Logger
	hooks         domain.LifecycleHooks
	aggregation   Aggregation
	maxExpansions int
	interimEvery  int
	defaultSeed   uint64
	now           func() time.Time
	newID         func() string

	background sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(h domain.LifecycleHooks) EngineOption {
	return func(e *Engine) { e.hooks = e.hooks.Merge(h) }
}

// WithPipeline sets the execution pipeline used by auto-run branches.
func WithPipeline(p ports.ExecutionPipeline) EngineOption {
	return func(e *Engine) { e.pipeline = p }
}

// WithAggregation selects the sibling probability policy used by Branch.
func WithAggregation(a Aggregation) EngineOption {
	return func(e *Engine) { e.aggregation = a }
}

// WithMaxExpansions caps frontier expansions per search.
func WithMaxExpansions(n int) EngineOption {
	return func(e *Engine) { e.maxExpansions = n }
}

// WithInterimEvery sets how many accepted paths trigger an interim clustering.
func WithInterimEvery(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.interimEvery = n
		}
	}
}

// WithDefaultSeed sets the seed used when a plan config leaves it at zero.
func WithDefaultSeed(seed uint64) EngineOption {
	return func(e *Engine) { e.defaultSeed = seed }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the uuid generator used for plan, node and edge ids.
func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an engine over its stores and sources.
func NewEngine(plans ports.PlanStore, universe ports.UniverseStore, catalogs ports.ActionCatalog, personas ports.PersonaSource, opts ...EngineOption) *Engine {
	e := &Engine{
		plans:         plans,
		universe:      universe,
		catalogs:      catalogs,
		personas:      personas,
		logger:        logging.NewNop(),
		aggregation:   AggregateRenormalized,
		maxExpansions: search.DefaultMaxExpansions,
		interimEvery:  DefaultInterimEvery,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wait blocks until every fire-and-forget pipeline submission has returned.
func (e *Engine) Wait() { e.background.Wait() }
