package arbor_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/testutils"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func financeRegistry(t *testing.T) *memory.Registry {
	t.Helper()
	r := memory.NewRegistry()
	require.NoError(t, r.PutCatalog(&domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{
		{ID: "invest", Outcomes: []domain.Outcome{
			{Label: "gain", Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
			{Label: "loss", Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
		}},
		{ID: "save", Outcomes: []domain.Outcome{
			{Probability: 1, Effects: []domain.Effect{{Op: domain.EffectAdd, Variable: "safety", Value: 5}}},
		}},
	}}))
	_, err := r.PutPersona(&domain.Persona{
		ID:             "investor",
		Domain:         "finance",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 0.7, domain.DimSecurity: 0.3},
		RiskAversion:   0.5,
		LossAversion:   1.5,
		DiscountFactor: 0.95,
		InitialState:   domain.WorldState{"cash": 100},
	})
	require.NoError(t, err)
	return r
}

func smallConfig() domain.PlanConfig {
	cfg := domain.DefaultPlanConfig()
	cfg.MaxPaths = 10
	cfg.MaxDepth = 3
	cfg.MaxClusters = 2
	return cfg
}

func started(t *testing.T, opts ...arbor.Option) *arbor.Service {
	t.Helper()
	registry := financeRegistry(t)
	base := []arbor.Option{arbor.WithCatalog(registry), arbor.WithPersonas(registry)}
	svc, err := arbor.New("", append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })
	return svc
}

func TestNew_RequiresSources(t *testing.T) {
	_, err := arbor.New("")
	assert.Error(t, err)

	registry := memory.NewRegistry()
	_, err = arbor.New("", arbor.WithCatalog(registry), arbor.WithPersonas(registry), arbor.WithAggregation("vibes"))
	assert.Error(t, err)
}

func TestService_NotStarted(t *testing.T) {
	registry := financeRegistry(t)
	svc, err := arbor.New("", arbor.WithCatalog(registry), arbor.WithPersonas(registry))
	require.NoError(t, err)

	_, err = svc.CreatePlan(context.Background(), arbor.PlanRequest{PersonaID: "investor", Config: smallConfig()})
	assert.ErrorIs(t, err, arbor.ErrNotStarted)
	assert.NoError(t, svc.Close(), "closing an unstarted service is a no-op")
}

func TestService_PlanToBranch(t *testing.T) {
	ctx := context.Background()
	svc := started(t, arbor.WithSeed(7))

	root, err := svc.SeedRoot(ctx, "today", domain.WorldState{"cash": 200})
	require.NoError(t, err)

	plan, err := svc.RunPlan(ctx, arbor.PlanRequest{PersonaID: "investor", StartNodeID: root.ID, Config: smallConfig()})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanSucceeded, plan.Status)
	assert.Equal(t, 200.0, plan.StartState["cash"], "start node state wins over the persona's")
	assert.Equal(t, uint64(7), plan.Config.Seed)
	require.NotEmpty(t, plan.Paths)
	require.NotEmpty(t, plan.Clusters)

	res, err := svc.Branch(ctx, arbor.BranchRequest{PlanID: plan.ID, PathID: plan.Clusters[0].RepresentativeID})
	require.NoError(t, err)
	assert.Equal(t, root.ID, res.Edge.FromNodeID)

	children, err := svc.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, res.Node.ID, children[0].ToNodeID)

	node, err := svc.GetNode(ctx, res.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Node.Label, node.Label)

	_, err = svc.Branch(ctx, arbor.BranchRequest{PlanID: plan.ID, PathID: plan.Clusters[0].RepresentativeID})
	assert.ErrorIs(t, err, domain.ErrConflict)

	visited := 0
	require.NoError(t, svc.Walk(ctx, func(domain.Node, []domain.Edge) { visited++ }))
	assert.Equal(t, 2, visited)
}

func TestService_ExpandCluster(t *testing.T) {
	ctx := context.Background()
	svc := started(t)

	plan, err := svc.RunPlan(ctx, arbor.PlanRequest{PersonaID: "investor", Config: smallConfig()})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Clusters)

	added, err := svc.ExpandCluster(ctx, plan.ID, plan.Clusters[0].ID, 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(added), 3)

	reloaded, err := svc.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Paths, len(plan.Paths)+len(added))

	_, err = svc.ExpandCluster(ctx, plan.ID, "cluster-99", 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_CreatePlanValidation(t *testing.T) {
	svc := started(t)
	cfg := smallConfig()
	cfg.MaxDepth = 1000
	_, err := svc.CreatePlan(context.Background(), arbor.PlanRequest{PersonaID: "investor", Config: cfg})
	assert.ErrorIs(t, err, domain.ErrValidation)

	ids, err := svc.Plans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected requests store nothing")
}

func queuedPlan(id string, status domain.PlanStatus, paths ...domain.Path) *domain.Plan {
	persona := &domain.Persona{
		ID:             "investor",
		Version:        1,
		Domain:         "finance",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 1},
		LossAversion:   1,
		DiscountFactor: 1,
	}
	return &domain.Plan{
		ID:             id,
		PersonaRef:     persona.Ref(),
		Persona:        persona,
		StartState:     domain.WorldState{"cash": 100},
		CatalogDomain:  "finance",
		CatalogVersion: "v1",
		Config:         smallConfig(),
		Status:         status,
		Paths:          paths,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestService_CancelQueuedWithoutScheduler(t *testing.T) {
	ctx := context.Background()
	plans := memory.NewStore()
	require.NoError(t, plans.Create(ctx, queuedPlan("p1", domain.PlanQueued)))
	registry := financeRegistry(t)
	svc, err := arbor.New("", arbor.WithCatalog(registry), arbor.WithPersonas(registry), arbor.WithPlanStore(plans))
	require.NoError(t, err)

	ok, err := svc.CancelPlan(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	plan, err := svc.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, plan.Status)

	ok, err = svc.CancelPlan(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "finished plans are left alone")

	_, err = svc.CancelPlan(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_RecoversOnStart(t *testing.T) {
	ctx := context.Background()
	plans := memory.NewStore()
	require.NoError(t, plans.Create(ctx, queuedPlan("queued", domain.PlanQueued)))
	require.NoError(t, plans.Create(ctx, queuedPlan("running", domain.PlanRunning)))
	require.NoError(t, plans.Create(ctx, queuedPlan("interim", domain.PlanPartial, domain.Path{
		ID:    domain.FormatPathID(1),
		Steps: []domain.Step{{ActionID: "invest", State: domain.WorldState{"cash": 110}, StepProbability: 0.8, CumulativeProbability: 0.8}},
	})))

	svc := started(t, arbor.WithPlanStore(plans))

	running, err := svc.GetPlan(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFailed, running.Status)
	assert.Equal(t, arbor.InterruptedDiagnostic, running.Diagnostic)

	interim, err := svc.GetPlan(ctx, "interim")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPartial, interim.Status)
	assert.NotNil(t, interim.FinishedAt)

	require.Eventually(t, func() bool {
		p, err := svc.GetPlan(ctx, "queued")
		return err == nil && p.Status == domain.PlanSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range []string{"interim", "running"} {
		ok, err := svc.CancelPlan(ctx, id)
		require.NoError(t, err, "finalized plan %s", id)
		assert.False(t, ok, "finalized plan %s is left alone", id)
	}
	interim, err = svc.GetPlan(ctx, "interim")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPartial, interim.Status)
}

func TestService_CancelFinalizedPartialWithoutScheduler(t *testing.T) {
	ctx := context.Background()
	plans := memory.NewStore()
	require.NoError(t, plans.Create(ctx, queuedPlan("p1", domain.PlanPartial, domain.Path{
		ID:    domain.FormatPathID(1),
		Steps: []domain.Step{{ActionID: "save", State: domain.WorldState{"cash": 100}, StepProbability: 1, CumulativeProbability: 1}},
	})))
	require.NoError(t, plans.SetStatus(ctx, "p1", domain.PlanPartial, "worker fault", true))
	registry := financeRegistry(t)
	svc, err := arbor.New("", arbor.WithCatalog(registry), arbor.WithPersonas(registry), arbor.WithPlanStore(plans))
	require.NoError(t, err)

	ok, err := svc.CancelPlan(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_LoamRepository(t *testing.T) {
	ctx := context.Background()
	dir, _ := testutils.SeedRepo(t,
		testutils.Markdown("finance.md", `kind: catalog
domain: finance
version: v1
actions:
  - id: invest
    outcomes:
      - {label: gain, probability: 0.8, effects: [{scale: {cash: 1.1}}]}
      - {label: loss, probability: 0.2, effects: [{scale: {cash: 0.9}}]}
`, ""),
		testutils.Markdown("investor.md", `domain: finance
utility_weights: {wealth: 1}
loss_aversion: 1.5
discount_factor: 0.9
initial_state: {cash: 100}
`, ""),
	)

	svc, err := arbor.New(dir)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer svc.Close()

	created, err := svc.CreatePlan(ctx, arbor.PlanRequest{PersonaID: "investor", Config: smallConfig()})
	require.NoError(t, err)
	assert.Equal(t, "finance", created.CatalogDomain)
	assert.Equal(t, "v1", created.CatalogVersion)

	var plan *domain.Plan
	require.Eventually(t, func() bool {
		got, err := svc.GetPlan(ctx, created.ID)
		if err != nil || !got.Status.IsTerminal() {
			return false
		}
		plan = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.PlanSucceeded, plan.Status)
	require.NotEmpty(t, plan.Paths)
	assert.Equal(t, "invest", plan.Paths[0].Steps[0].ActionID)
}
