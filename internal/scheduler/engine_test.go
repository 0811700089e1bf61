package scheduler_test

import (
	"context"
	"testing"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/internal/scheduler"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_DrivesEngine(t *testing.T) {
	ctx := context.Background()
	plans, universe, registry := memory.NewStore(), memory.NewUniverse(), memory.NewRegistry()
	require.NoError(t, registry.PutCatalog(&domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{
		{ID: "invest", Outcomes: []domain.Outcome{
			{Label: "gain", Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
			{Label: "loss", Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
		}},
		{ID: "save", Outcomes: []domain.Outcome{
			{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "safety", Value: 5}}},
		}},
	}}))
	_, err := registry.PutPersona(&domain.Persona{
		ID:             "investor",
		Domain:         "finance",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 0.7, domain.DimSecurity: 0.3},
		DiscountFactor: 0.95,
		LossAversion:   1.5,
		InitialState:   domain.WorldState{"cash": 100},
	})
	require.NoError(t, err)

	engine := runtime.NewEngine(plans, universe, registry, registry)
	s := scheduler.New(engine)
	start(t, s)

	cfg := domain.DefaultPlanConfig()
	cfg.MaxPaths = 10
	cfg.MaxDepth = 3
	cfg.PruningThreshold = 0.01
	cfg.EnableClustering = true
	cfg.MaxClusters = 2
	plan, err := engine.Prepare(ctx, runtime.PlanRequest{PersonaID: "investor", Config: cfg})
	require.NoError(t, err)

	done, err := s.Submit(ctx, plan.ID)
	require.NoError(t, err)
	require.NoError(t, <-done)

	loaded, err := plans.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanSucceeded, loaded.Status)
	require.NotEmpty(t, loaded.Clusters)

	_, err = s.Expand(ctx, plan.ID, loaded.Clusters[0].ID, 3)
	require.NoError(t, err)
	after, err := plans.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(after.Paths), len(loaded.Paths))
}
