package runtime_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/require"
)

var planSeq atomic.Int64

type fixture struct {
	plans    *memory.Store
	universe *memory.Universe
	registry *memory.Registry
	engine   *runtime.Engine
}

func newFixture(t *testing.T, opts ...runtime.EngineOption) *fixture {
	t.Helper()
	var ids atomic.Int64
	f := &fixture{
		plans:    memory.NewStore(),
		universe: memory.NewUniverse(),
		registry: memory.NewRegistry(),
	}
	base := []runtime.EngineOption{
		runtime.WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", ids.Add(1)) }),
		runtime.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	f.engine = runtime.NewEngine(f.plans, f.universe, f.registry, f.registry, append(base, opts...)...)
	return f
}

func investPersona() *domain.Persona {
	return &domain.Persona{
		ID:             "investor",
		Domain:         "finance",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 0.7, domain.DimSecurity: 0.3},
		RiskAversion:   0.5,
		LossAversion:   1.5,
		DiscountFactor: 0.95,
		InitialState:   domain.WorldState{"cash": 100},
	}
}

func investCatalog() *domain.Catalog {
	return &domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{{
		ID: "invest",
		Outcomes: []domain.Outcome{
			{Label: "gain", Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
			{Label: "loss", Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
		},
	}}}
}

func mixedCatalog() *domain.Catalog {
	c := investCatalog()
	c.Actions = append(c.Actions,
		domain.Action{ID: "save", BaseCost: 1, Outcomes: []domain.Outcome{
			{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "safety", Value: 5}}},
		}},
		domain.Action{ID: "gamble", Preconditions: []domain.Predicate{{Variable: "cash", Op: domain.OpGTE, Value: 100}}, Outcomes: []domain.Outcome{
			{Label: "win", Probability: 0.3, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 50}}},
			{Label: "bust", Probability: 0.7, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: -60}}},
		}},
	)
	return c
}

// twinCatalog has one action whose two outcomes have identical effects, so every
// path has the same clustering features.
func twinCatalog() *domain.Catalog {
	effect := []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 10}}
	return &domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{{
		ID:       "invest",
		Outcomes: []domain.Outcome{{Probability: 0.5, Effects: effect}, {Probability: 0.5, Effects: effect}},
	}}}
}

// queue stores a plan directly, bypassing create_plan bounds so search
// scenarios with arbitrary limits can run through the engine.
func (f *fixture) queue(t *testing.T, persona *domain.Persona, catalog *domain.Catalog, cfg domain.PlanConfig) *domain.Plan {
	t.Helper()
	require.NoError(t, f.registry.PutCatalog(catalog))
	stored, err := f.registry.PutPersona(persona)
	require.NoError(t, err)

	plan := &domain.Plan{
		ID:             fmt.Sprintf("plan-%d", planSeq.Add(1)),
		PersonaRef:     stored.Ref(),
		Persona:        stored,
		StartState:     stored.InitialState.Clone(),
		CatalogDomain:  catalog.Domain,
		CatalogVersion: catalog.Version,
		Config:         cfg,
		Status:         domain.PlanQueued,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.plans.Create(context.Background(), plan))
	return plan
}

// completed queues and runs a plan, returning its stored state.
func (f *fixture) completed(t *testing.T, persona *domain.Persona, catalog *domain.Catalog, cfg domain.PlanConfig) *domain.Plan {
	t.Helper()
	plan := f.queue(t, persona, catalog, cfg)
	require.NoError(t, f.engine.Run(context.Background(), plan.ID))
	loaded, err := f.plans.Get(context.Background(), plan.ID)
	require.NoError(t, err)
	return loaded
}
