package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranch_CreatesRootWithoutParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.completed(t, investPersona(), investCatalog(), scenarioConfig())

	res, err := f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-00001"})
	require.NoError(t, err)

	node := res.Node
	assert.True(t, node.IsRoot())
	assert.InDelta(t, 0.512, node.Probability, 1e-9, "no siblings: own cumulative probability")
	assert.InDelta(t, 0.8, node.ConfidenceLevel, 1e-9)
	assert.InDelta(t, 133.1, node.State()["cash"], 1e-9)
	assert.Equal(t, 3, node.AggregatedOutcome.Depth)
	assert.Equal(t, "invest → invest → invest", node.Label)
	assert.Equal(t, domain.Provenance{PlanID: plan.ID, PathID: "path-00001", PersonaRef: plan.PersonaRef}, node.Provenance)

	edge := res.Edge
	assert.Empty(t, edge.FromNodeID)
	assert.Equal(t, node.ID, edge.ToNodeID)
	assert.Equal(t, []string{"invest", "invest", "invest"}, edge.Intervention.ActionIDs)
	assert.Equal(t, domain.EdgeFromPath, edge.Origin)
	assert.Contains(t, edge.Explanation, plan.ID)

	stored, err := f.universe.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node, stored)

	loaded, err := f.plans.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PathBranched, loaded.Paths[0].Status)

	_, err = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-00001"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestBranch_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.completed(t, investPersona(), investCatalog(), scenarioConfig())

	_, err := f.engine.Branch(ctx, runtime.BranchRequest{PlanID: "ghost", PathID: "path-00001"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-99999"})
	assert.ErrorIs(t, err, domain.ErrConflict, "path does not belong to the plan")

	_, err = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-00001", ParentNodeID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	queued := f.queue(t, investPersona(), investCatalog(), scenarioConfig())
	_, err = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: queued.ID, PathID: "path-00001"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestBranch_SiblingAggregationAndForkNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := domain.PlanConfig{MaxPaths: 10, MaxDepth: 3, PruningThreshold: 0.01, EnableClustering: true, MaxClusters: 3}
	plan := f.completed(t, investPersona(), mixedCatalog(), cfg)
	require.GreaterOrEqual(t, len(plan.Paths), 3)

	root, err := f.engine.SeedRoot(ctx, "today", domain.WorldState{"cash": 100})
	require.NoError(t, err)
	snapshot, err := f.universe.GetNode(ctx, root.ID)
	require.NoError(t, err)

	p1, p2 := plan.Paths[0], plan.Paths[1]
	first, err := f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: p1.ID, ParentNodeID: root.ID})
	require.NoError(t, err)
	assert.InDelta(t, p1.CumulativeProbability, first.Node.Probability, 1e-12)

	second, err := f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: p2.ID, ParentNodeID: root.ID})
	require.NoError(t, err)
	assert.InDelta(t, p2.CumulativeProbability/(p1.CumulativeProbability+p2.CumulativeProbability), second.Node.Probability, 1e-12)
	assert.Equal(t, root.ID, second.Node.ParentID)

	_, err = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: plan.Paths[2].ID, ParentNodeID: first.Node.ID})
	require.NoError(t, err)
	_, err = f.engine.Expand(ctx, plan.ID, plan.Clusters[0].ID, 3)
	require.NoError(t, err)

	edges, err := f.universe.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, first.Edge.ID, edges[0].ID)
	assert.Equal(t, second.Edge.ID, edges[1].ID)

	again, err := f.universe.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot, again, "existing nodes are never rewritten")
	firstAgain, err := f.universe.GetNode(ctx, first.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Node, firstAgain)
}

func TestBranch_ConcurrentSamePath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.completed(t, investPersona(), investCatalog(), scenarioConfig())
	root, err := f.engine.SeedRoot(ctx, "today", domain.WorldState{"cash": 100})
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-00001", ParentNodeID: root.ID})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, ok)

	edges, err := f.universe.Children(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1, "never two nodes for one path")
}

func TestBranch_AutoRunIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	pipeline := memory.NewPipeline(errors.New("pipeline down"))
	f := newFixture(t, runtime.WithPipeline(pipeline))
	plan := f.completed(t, investPersona(), investCatalog(), scenarioConfig())

	res, err := f.engine.Branch(ctx, runtime.BranchRequest{PlanID: plan.ID, PathID: "path-00001", AutoRun: true})
	require.NoError(t, err, "pipeline failures never fail the branch")

	f.engine.Wait()
	assert.Equal(t, []string{res.Node.ID}, pipeline.Submitted())
}
