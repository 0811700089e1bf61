package search_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/arbor/internal/search"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func investPersona() *domain.Persona {
	return &domain.Persona{
		ID:             "investor",
		Version:        1,
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 0.7, domain.DimSecurity: 0.3},
		RiskAversion:   0.5,
		LossAversion:   1.5,
		DiscountFactor: 0.95,
		InitialState:   domain.WorldState{"cash": 100},
	}
}

func investCatalog() *domain.Catalog {
	c := &domain.Catalog{
		Domain:  "finance",
		Version: "v1",
		Actions: []domain.Action{{
			ID: "invest",
			Outcomes: []domain.Outcome{
				{Label: "gain", Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
				{Label: "loss", Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
			},
		}},
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

func mixedCatalog() *domain.Catalog {
	c := investCatalog()
	c.Actions = append(c.Actions,
		domain.Action{
			ID:       "save",
			BaseCost: 1,
			Outcomes: []domain.Outcome{
				{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "safety", Value: 5}}},
			},
		},
		domain.Action{
			ID:            "gamble",
			Preconditions: []domain.Predicate{{Variable: "cash", Op: domain.OpGTE, Value: 100}},
			Outcomes: []domain.Outcome{
				{Label: "win", Probability: 0.3, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 50}}},
				{Label: "bust", Probability: 0.7, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: -60}}},
			},
		},
	)
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

func TestSearch_InvestScenario(t *testing.T) {
	var prunes []float64
	s := search.New(investPersona(), domain.WorldState{"cash": 100}, investCatalog(),
		search.Config{MaxPaths: 10, MaxDepth: 3, PruningThreshold: 0.5},
		search.WithPruneHook(func(depth int, p float64, reason domain.PruneReason) {
			assert.Equal(t, domain.PruneProbability, reason)
			prunes = append(prunes, p)
		}),
	)

	paths, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)

	p := paths[0]
	require.Len(t, p.Steps, 3)
	want := []float64{0.8, 0.64, 0.512}
	for i, step := range p.Steps {
		assert.Equal(t, "invest", step.ActionID)
		assert.Equal(t, 0, step.OutcomeIndex)
		assert.InDelta(t, want[i], step.CumulativeProbability, 1e-9)
	}
	assert.InDelta(t, 133.1, p.Terminal()["cash"], 1e-9)
	assert.InDelta(t, 0.512, p.CumulativeProbability, 1e-9)
	assert.Greater(t, p.UtilityScore, 0.0)

	require.Len(t, prunes, 3)
	assert.InDelta(t, 0.2, prunes[0], 1e-9, "the loss branch prunes at depth 1")

	stats := s.Stats()
	assert.Equal(t, search.HaltExhausted, stats.Halt)
	assert.Equal(t, 3, stats.PrunedLowProb)
}

func TestSearch_ResultProperties(t *testing.T) {
	persona := investPersona()
	persona.HardConstraints = []domain.Predicate{{Variable: "cash", Op: domain.OpGTE, Value: 50}}
	cfg := search.Config{MaxPaths: 50, MaxDepth: 4, PruningThreshold: 0.05}

	s := search.New(persona, domain.WorldState{"cash": 100}, mixedCatalog(), cfg)
	paths, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.LessOrEqual(t, len(paths), cfg.MaxPaths)
	assert.Greater(t, s.Stats().PrunedConstraint, 0)

	keys := map[string]bool{}
	for _, p := range paths {
		assert.GreaterOrEqual(t, p.CumulativeProbability, cfg.PruningThreshold)
		assert.GreaterOrEqual(t, p.Depth(), 1)
		assert.LessOrEqual(t, p.Depth(), cfg.MaxDepth)
		assert.False(t, keys[p.Key()], "duplicate path %s", p.Key())
		keys[p.Key()] = true
		for _, step := range p.Steps {
			assert.GreaterOrEqual(t, step.CumulativeProbability, cfg.PruningThreshold)
			for _, c := range persona.HardConstraints {
				assert.True(t, c.Holds(step.State), "step state %s violates %s", step.State, c)
			}
		}
	}
}

func TestSearch_Deterministic(t *testing.T) {
	persona := investPersona()
	persona.ExplorationRate = 0.3
	cfg := search.Config{MaxPaths: 40, MaxDepth: 5, PruningThreshold: 0.01, Seed: 42}

	run := func() []domain.Path {
		paths, err := search.New(persona, domain.WorldState{"cash": 100}, mixedCatalog(), cfg).Run(context.Background())
		require.NoError(t, err)
		return paths
	}

	first := run()
	require.NotEmpty(t, first)
	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(first, run()); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestSearch_SinglePathIsBest(t *testing.T) {
	persona := investPersona()
	persona.RiskAversion = 0
	persona.DiscountFactor = 1
	catalog := &domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{
		{ID: "bold", Outcomes: []domain.Outcome{{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 20}}}}},
		{ID: "safe", Outcomes: []domain.Outcome{{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 5}}}}},
	}}
	require.NoError(t, catalog.Validate())
	start := domain.WorldState{"cash": 100}

	all, err := search.New(persona, start, catalog, search.Config{MaxPaths: 100, MaxDepth: 3, PruningThreshold: 0.01}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 8)

	one, err := search.New(persona, start, catalog, search.Config{MaxPaths: 1, MaxDepth: 3, PruningThreshold: 0.01}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, one, 1)

	best := all[0]
	for _, p := range all {
		if p.UtilityScore > best.UtilityScore {
			best = p
		}
	}
	assert.Equal(t, best.Key(), one[0].Key())
	assert.Equal(t, []string{"bold", "bold", "bold"}, one[0].ActionIDs())
}

func TestSearch_SinglePathIsBestWhenRiskAverse(t *testing.T) {
	persona := investPersona()
	require.Equal(t, 0.5, persona.RiskAversion)
	start := domain.WorldState{"cash": 100}
	cfg := search.Config{MaxPaths: 500, MaxDepth: 3, PruningThreshold: 0.01}

	all, err := search.New(persona, start, mixedCatalog(), cfg).Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(all), 10)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].UtilityScore, all[i].UtilityScore, "paths come out best first (%s before %s)", all[i-1].Key(), all[i].Key())
	}

	cfg.MaxPaths = 1
	one, err := search.New(persona, start, mixedCatalog(), cfg).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, all[0].Key(), one[0].Key())
	assert.Equal(t, []string{"gamble", "gamble", "gamble"}, one[0].ActionIDs())
	for _, p := range all {
		assert.LessOrEqual(t, p.UtilityScore, one[0].UtilityScore, "%s beats the single result", p.Key())
	}
}

func TestSearch_BudgetReleasesReservedPaths(t *testing.T) {
	s := search.New(investPersona(), domain.WorldState{"cash": 100}, mixedCatalog(),
		search.Config{MaxPaths: 100, MaxDepth: 2, PruningThreshold: 0.01, MaxExpansions: 3})
	paths, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, paths, "finished paths are not lost when the budget runs out")
	assert.Equal(t, search.HaltBudget, s.Stats().Halt)
	for i := 1; i < len(paths); i++ {
		assert.GreaterOrEqual(t, paths[i-1].UtilityScore, paths[i].UtilityScore)
	}
}

func TestSearch_EmptyResults(t *testing.T) {
	ctx := context.Background()
	start := domain.WorldState{"cash": 100}

	t.Run("empty catalog", func(t *testing.T) {
		paths, err := search.New(investPersona(), start, &domain.Catalog{}, search.Config{MaxPaths: 10, MaxDepth: 3, PruningThreshold: 0.01}).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("zero max paths", func(t *testing.T) {
		paths, err := search.New(investPersona(), start, investCatalog(), search.Config{MaxPaths: 0, MaxDepth: 3, PruningThreshold: 0.01}).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("start violates hard constraint", func(t *testing.T) {
		persona := investPersona()
		persona.HardConstraints = []domain.Predicate{{Variable: "cash", Op: domain.OpGT, Value: 500}}
		paths, err := search.New(persona, start, investCatalog(), search.Config{MaxPaths: 10, MaxDepth: 3, PruningThreshold: 0.01}).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}

func TestSearch_NoLegalActionsTerminates(t *testing.T) {
	catalog := &domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{{
		ID:            "grow",
		Preconditions: []domain.Predicate{{Variable: "cash", Op: domain.OpLT, Value: 120}},
		Outcomes:      []domain.Outcome{{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 15}}}},
	}}}
	require.NoError(t, catalog.Validate())

	paths, err := search.New(investPersona(), domain.WorldState{"cash": 100}, catalog,
		search.Config{MaxPaths: 10, MaxDepth: 5, PruningThreshold: 0.01}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, 2, paths[0].Depth())
	assert.Equal(t, 130.0, paths[0].Terminal()["cash"])
}

func TestSearch_PlanningHorizonCapsDepth(t *testing.T) {
	persona := investPersona()
	persona.PlanningHorizon = 2
	assert.Equal(t, 2, search.EffectiveDepth(10, 2))
	assert.Equal(t, 4, search.EffectiveDepth(4, 0))

	paths, err := search.New(persona, domain.WorldState{"cash": 100}, investCatalog(),
		search.Config{MaxPaths: 10, MaxDepth: 10, PruningThreshold: 0.01}).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		assert.Equal(t, 2, p.Depth())
	}
}

func TestSearch_CancellationBetweenSteps(t *testing.T) {
	s := search.New(investPersona(), domain.WorldState{"cash": 100}, mixedCatalog(),
		search.Config{MaxPaths: 20, MaxDepth: 4, PruningThreshold: 0.01})

	first, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop requested")
	cancel(stop)
	_, ok, err = s.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, stop)

	second, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "a cancelled searcher can resume")
	assert.NotEqual(t, first.Key(), second.Key())
}

func TestSearch_PrefixAndAcceptFilter(t *testing.T) {
	catalog := mixedCatalog()
	persona := investPersona()
	cfg := search.Config{MaxPaths: 100, MaxDepth: 3, PruningThreshold: 0.01}

	base, err := search.New(persona, domain.WorldState{"cash": 100}, catalog, cfg).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, base)
	prefix := base[0].Steps[:1]

	seen := map[string]bool{base[0].Key(): true}
	s := search.New(persona, domain.WorldState{"cash": 100}, catalog, cfg,
		search.WithPrefix(prefix),
		search.WithAccept(func(p *domain.Path) bool { return !seen[p.Key()] }),
	)
	more, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, more)
	for _, p := range more {
		assert.Equal(t, prefix[0].ActionID, p.Steps[0].ActionID)
		assert.Equal(t, prefix[0].OutcomeIndex, p.Steps[0].OutcomeIndex)
		assert.NotEqual(t, base[0].Key(), p.Key())
	}
	assert.Equal(t, 1, s.Stats().Rejected)
}

func TestSearch_PrefixUnknownActionFaults(t *testing.T) {
	s := search.New(investPersona(), domain.WorldState{"cash": 100}, investCatalog(),
		search.Config{MaxPaths: 10, MaxDepth: 3, PruningThreshold: 0.01},
		search.WithPrefix([]domain.Step{{ActionID: "vanished"}}))
	_, _, err := s.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrEngineFault)
}

func TestSearch_ExpansionBudget(t *testing.T) {
	s := search.New(investPersona(), domain.WorldState{"cash": 100}, mixedCatalog(),
		search.Config{MaxPaths: 100, MaxDepth: 10, PruningThreshold: 0.001, MaxExpansions: 2})
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, search.HaltBudget, s.Stats().Halt)
	assert.Equal(t, 2, s.Stats().Expansions)
}
