package domain_test

import (
	"errors"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicate_Severity(t *testing.T) {
	s := domain.WorldState{"cash": 40}

	tests := []struct {
		name string
		p    domain.Predicate
		want float64
	}{
		{"gte violated", domain.Predicate{Variable: "cash", Op: domain.OpGTE, Value: 50}, 10},
		{"gte holds", domain.Predicate{Variable: "cash", Op: domain.OpGTE, Value: 40}, 0},
		{"lte violated", domain.Predicate{Variable: "cash", Op: domain.OpLTE, Value: 30}, 10},
		{"eq violated", domain.Predicate{Variable: "cash", Op: domain.OpEQ, Value: 45}, 5},
		{"ne violated", domain.Predicate{Variable: "cash", Op: domain.OpNE, Value: 40}, 1},
		{"missing reads zero", domain.Predicate{Variable: "debt", Op: domain.OpLT, Value: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.p.Severity(s), 1e-12)
			assert.Equal(t, tt.want == 0, tt.p.Holds(s))
		})
	}
}

func TestOutcome_ApplyDoesNotMutateInput(t *testing.T) {
	start := domain.WorldState{"cash": 100, "risk": 5}
	o := domain.Outcome{Probability: 1, Effects: []domain.Effect{
		{Op: domain.EffectScale, Variable: "cash", Value: 1.1},
		{Op: domain.EffectAdd, Variable: "risk", Value: 10},
		{Op: domain.EffectClamp, Variable: "risk", Min: 0, Max: 12},
		{Op: domain.EffectSet, Variable: "flag", Value: 1},
	}}

	next := o.Apply(start)

	assert.InDelta(t, 110, next["cash"], 1e-9)
	assert.Equal(t, 12.0, next["risk"])
	assert.Equal(t, 1.0, next["flag"])
	assert.Equal(t, domain.WorldState{"cash": 100, "risk": 5}, start)
}

func TestCatalog_Validate(t *testing.T) {
	t.Run("sorts valid catalog", func(t *testing.T) {
		c := &domain.Catalog{Domain: "finance", Actions: []domain.Action{
			{ID: "save", Outcomes: []domain.Outcome{{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "cash", Value: 1}}}}},
			{ID: "invest", Outcomes: []domain.Outcome{
				{Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
				{Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
			}},
		}}
		require.NoError(t, c.Validate())
		assert.Equal(t, "invest", c.Actions[0].ID)
		assert.Equal(t, []string{"cash"}, c.Variables())
	})

	t.Run("rejects bad probabilities and unknown ops", func(t *testing.T) {
		c := &domain.Catalog{Domain: "finance", Actions: []domain.Action{
			{ID: "gamble", Outcomes: []domain.Outcome{
				{Probability: 0.5, Effects: []domain.Effect{{Op: "teleport", Variable: "cash"}}},
			}},
		}}
		err := c.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))
		assert.Len(t, domain.ValidationErrors(err), 2)
	})
}

func TestPlanTransitions(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.PlanQueued, domain.PlanRunning))
	assert.True(t, domain.CanTransition(domain.PlanQueued, domain.PlanCancelled))
	assert.True(t, domain.CanTransition(domain.PlanRunning, domain.PlanPartial))
	assert.True(t, domain.CanTransition(domain.PlanPartial, domain.PlanSucceeded))
	assert.False(t, domain.CanTransition(domain.PlanQueued, domain.PlanSucceeded))
	assert.False(t, domain.CanTransition(domain.PlanSucceeded, domain.PlanRunning))
	assert.False(t, domain.CanTransition(domain.PlanCancelled, domain.PlanRunning))
}

func TestPlanConfig_Validate(t *testing.T) {
	cfg := domain.DefaultPlanConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxPaths = 10
	cfg.MaxClusters = 10
	require.NoError(t, cfg.Validate())

	cfg.MaxPaths = 5
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := domain.PlanConfig{MaxPaths: 600, MaxDepth: 2, PruningThreshold: 0.5}
	assert.Len(t, domain.ValidationErrors(bad.Validate()), 3)
}

func TestPersona_BindAndWeights(t *testing.T) {
	p := &domain.Persona{
		ID:             "p1",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 7, domain.DimSecurity: 3},
		Bindings:       map[string]domain.Binding{"rainy_day_fund": {Dimension: domain.DimSecurity, Scale: 2}},
		LossAversion:   1,
		DiscountFactor: 1,
	}
	require.NoError(t, p.Validate())

	w := p.NormalizedWeights()
	assert.InDelta(t, 0.7, w[domain.DimWealth], 1e-12)
	assert.InDelta(t, 0.3, w[domain.DimSecurity], 1e-12)

	dim, scale := p.Bind("cash")
	assert.Equal(t, domain.DimWealth, dim)
	assert.Equal(t, 1.0, scale)

	dim, scale = p.Bind("rainy_day_fund")
	assert.Equal(t, domain.DimSecurity, dim)
	assert.Equal(t, 2.0, scale)

	dim, _ = p.Bind("mystery")
	assert.Equal(t, domain.DimCustom, dim)

	top, tw := p.TopDimension()
	assert.Equal(t, domain.DimWealth, top)
	assert.InDelta(t, 0.7, tw, 1e-12)
}

func TestPersona_ValidateRanges(t *testing.T) {
	p := &domain.Persona{
		ID:             "p1",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: -1},
		RiskAversion:   2,
		LossAversion:   0.5,
		DiscountFactor: 0,
	}
	err := p.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.GreaterOrEqual(t, len(domain.ValidationErrors(err)), 4)
}

func TestKindErrors(t *testing.T) {
	assert.ErrorIs(t, domain.Conflictf("path %s", "p"), domain.ErrConflict)
	assert.ErrorIs(t, domain.NotFoundf("plan %s", "x"), domain.ErrNotFound)
	assert.ErrorIs(t, domain.Faultf("boom"), domain.ErrEngineFault)

	var v error = &domain.ConstraintViolation{Constraint: domain.Predicate{Variable: "cash", Op: domain.OpGTE, Value: 0}, Step: 2, Value: -5}
	assert.ErrorIs(t, v, domain.ErrConstraintViolated)
}
