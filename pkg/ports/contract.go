package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractPlan(id string) *domain.Plan {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Plan{
		ID:         id,
		PersonaRef: domain.PersonaRef{ID: "persona-1", Version: 1},
		Persona: &domain.Persona{
			ID:             "persona-1",
			Version:        1,
			UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 1},
			LossAversion:   1,
			DiscountFactor: 1,
		},
		StartState:     domain.WorldState{"cash": 100},
		CatalogDomain:  "finance",
		CatalogVersion: "v1",
		Config:         domain.DefaultPlanConfig(),
		Status:         domain.PlanQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func contractPath(seq int, cash float64) domain.Path {
	return domain.Path{
		ID: domain.FormatPathID(seq),
		Steps: []domain.Step{{
			ActionID:              "invest",
			State:                 domain.WorldState{"cash": cash},
			StepProbability:       0.8,
			CumulativeProbability: 0.8,
		}},
		CumulativeProbability: 0.8,
		UtilityScore:          cash - 100,
		Status:                domain.PathCandidate,
		Origin:                domain.OriginSearch,
	}
}

// RunPlanStoreContract runs a suite of tests to verify that a PlanStore implementation
// adheres to the defined interface contract.
func RunPlanStoreContract(t *testing.T, store PlanStore) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))

		loaded, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, loaded.ID)
		assert.Equal(t, domain.PlanQueued, loaded.Status)
		assert.Equal(t, 100.0, loaded.StartState["cash"])
		assert.Equal(t, "persona-1", loaded.Persona.ID)
		assert.Empty(t, loaded.Paths)
	})

	t.Run("Create Duplicate", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))
		assert.ErrorIs(t, store.Create(ctx, contractPlan(id)), domain.ErrConflict)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Status Transitions", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))

		err := store.SetStatus(ctx, id, domain.PlanSucceeded, "", true)
		assert.ErrorIs(t, err, domain.ErrConflict, "queued cannot jump to succeeded")

		require.NoError(t, store.SetStatus(ctx, id, domain.PlanRunning, "", false))
		require.NoError(t, store.SetStatus(ctx, id, domain.PlanPartial, "", false))
		require.NoError(t, store.SetStatus(ctx, id, domain.PlanFailed, "watchdog", true))

		loaded, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PlanFailed, loaded.Status)
		assert.Equal(t, "watchdog", loaded.Diagnostic)
		assert.NotNil(t, loaded.FinishedAt)

		assert.ErrorIs(t, store.SetStatus(ctx, id, domain.PlanRunning, "", false), domain.ErrConflict)
	})

	t.Run("Append Paths And Clusters", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))

		require.NoError(t, store.AppendPaths(ctx, id, []domain.Path{contractPath(1, 110), contractPath(2, 120)}))
		require.NoError(t, store.AppendPaths(ctx, id, []domain.Path{contractPath(3, 130)}))

		clusters := []domain.PathCluster{
			{ID: domain.FormatClusterID(1), RepresentativeID: "path-00003", MemberIDs: []string{"path-00002", "path-00003"}, Size: 2},
			{ID: domain.FormatClusterID(2), RepresentativeID: "path-00001", MemberIDs: []string{"path-00001"}, Size: 1},
		}
		require.NoError(t, store.SaveClusters(ctx, id, clusters))

		loaded, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded.Paths, 3)
		assert.Equal(t, []string{"path-00001", "path-00002", "path-00003"},
			[]string{loaded.Paths[0].ID, loaded.Paths[1].ID, loaded.Paths[2].ID})
		assert.Equal(t, 3, loaded.TotalPathsValid)
		assert.Equal(t, 120.0, loaded.Paths[1].Steps[0].State["cash"])
		assert.Equal(t, "cluster-02", loaded.Paths[0].ClusterID)
		assert.Equal(t, "cluster-01", loaded.Paths[2].ClusterID)
		require.Len(t, loaded.Clusters, 2)
		assert.Equal(t, 2, loaded.Clusters[0].Size)
	})

	t.Run("Branched Flag Is Compare And Swap", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))
		require.NoError(t, store.AppendPaths(ctx, id, []domain.Path{contractPath(1, 110)}))

		assert.ErrorIs(t, store.SetPathStatus(ctx, id, "path-99999", domain.PathSelected), domain.ErrNotFound)
		require.NoError(t, store.SetPathStatus(ctx, id, "path-00001", domain.PathSelected))
		require.NoError(t, store.SetPathStatus(ctx, id, "path-00001", domain.PathBranched))
		assert.ErrorIs(t, store.SetPathStatus(ctx, id, "path-00001", domain.PathBranched), domain.ErrConflict)

		loaded, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PathBranched, loaded.Paths[0].Status)
		assert.Equal(t, 110.0, loaded.Paths[0].Steps[0].State["cash"], "content untouched")
	})

	t.Run("Returned Plans Are Copies", func(t *testing.T) {
		id := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id)))
		require.NoError(t, store.AppendPaths(ctx, id, []domain.Path{contractPath(1, 110)}))

		first, err := store.Get(ctx, id)
		require.NoError(t, err)
		first.Paths[0].Steps[0].State["cash"] = -1
		first.StartState["cash"] = -1

		second, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 110.0, second.Paths[0].Steps[0].State["cash"])
		assert.Equal(t, 100.0, second.StartState["cash"])
	})

	t.Run("List", func(t *testing.T) {
		id1 := "plan-" + uuid.NewString()
		id2 := "plan-" + uuid.NewString()
		require.NoError(t, store.Create(ctx, contractPlan(id1)))
		require.NoError(t, store.Create(ctx, contractPlan(id2)))

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}

func contractNode(id, parent string, cash float64) domain.Node {
	return domain.Node{
		ID:          id,
		ParentID:    parent,
		Probability: 0.8,
		AggregatedOutcome: domain.AggregatedOutcome{
			UtilityScore: cash - 100,
			State:        domain.WorldState{"cash": cash},
		},
		Label:     "node " + id,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func contractEdge(parent, child, planID, pathID string) domain.Edge {
	return domain.Edge{
		ID:              "edge-" + uuid.NewString(),
		FromNodeID:      parent,
		ToNodeID:        child,
		Intervention:    domain.Intervention{ActionIDs: []string{"invest"}},
		Origin:          domain.EdgeFromPath,
		PlanID:          planID,
		PathID:          pathID,
		PathProbability: 0.8,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

// RunUniverseStoreContract verifies the append-only and single-claim guarantees of a
// UniverseStore implementation.
func RunUniverseStoreContract(t *testing.T, store UniverseStore) {
	ctx := context.Background()

	t.Run("Root And Branch", func(t *testing.T) {
		root := "node-" + uuid.NewString()
		require.NoError(t, store.AppendRoot(ctx, contractNode(root, "", 100)))

		child := "node-" + uuid.NewString()
		plan := "plan-" + uuid.NewString()
		edge := contractEdge(root, child, plan, "path-00001")
		require.NoError(t, store.AppendBranch(ctx, contractNode(child, root, 110), edge))

		loaded, err := store.GetNode(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, root, loaded.ParentID)
		assert.Equal(t, 110.0, loaded.State()["cash"])

		edges, err := store.Children(ctx, root)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, child, edges[0].ToNodeID)
		assert.Equal(t, []string{"invest"}, edges[0].Intervention.ActionIDs)

		found, err := store.EdgeForPath(ctx, plan, "path-00001")
		require.NoError(t, err)
		assert.Equal(t, edge.ID, found.ID)
	})

	t.Run("Unknown Ids", func(t *testing.T) {
		_, err := store.GetNode(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = store.EdgeForPath(ctx, "missing", "path-00001")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		child := "node-" + uuid.NewString()
		err = store.AppendBranch(ctx, contractNode(child, "ghost", 1), contractEdge("ghost", child, "p", "x"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetNode(ctx, child)
		assert.ErrorIs(t, err, domain.ErrNotFound, "failed append writes nothing")
	})

	t.Run("Duplicate Root", func(t *testing.T) {
		root := "node-" + uuid.NewString()
		require.NoError(t, store.AppendRoot(ctx, contractNode(root, "", 100)))
		assert.ErrorIs(t, store.AppendRoot(ctx, contractNode(root, "", 999)), domain.ErrConflict)

		loaded, err := store.GetNode(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, 100.0, loaded.State()["cash"], "existing node is never rewritten")
	})

	t.Run("Same Path Claimed Once", func(t *testing.T) {
		root := "node-" + uuid.NewString()
		require.NoError(t, store.AppendRoot(ctx, contractNode(root, "", 100)))
		plan := "plan-" + uuid.NewString()

		const callers = 8
		var wg sync.WaitGroup
		results := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				child := "node-" + uuid.NewString()
				results[i] = store.AppendBranch(ctx, contractNode(child, root, 110), contractEdge(root, child, plan, "path-00007"))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
		assert.Equal(t, 1, succeeded)

		edges, err := store.Children(ctx, root)
		require.NoError(t, err)
		assert.Len(t, edges, 1)
	})

	t.Run("Independent Paths Do Not Contend", func(t *testing.T) {
		root := "node-" + uuid.NewString()
		require.NoError(t, store.AppendRoot(ctx, contractNode(root, "", 100)))
		plan := "plan-" + uuid.NewString()

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				child := "node-" + uuid.NewString()
				errs[i] = store.AppendBranch(ctx, contractNode(child, root, 110), contractEdge(root, child, plan, domain.FormatPathID(i+1)))
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		edges, err := store.Children(ctx, root)
		require.NoError(t, err)
		assert.Len(t, edges, 4)
	})

	t.Run("Fork Not Mutate", func(t *testing.T) {
		root := "node-" + uuid.NewString()
		require.NoError(t, store.AppendRoot(ctx, contractNode(root, "", 100)))
		before, err := store.GetNode(ctx, root)
		require.NoError(t, err)

		before.AggregatedOutcome.State["cash"] = -1
		for i := 0; i < 3; i++ {
			child := "node-" + uuid.NewString()
			require.NoError(t, store.AppendBranch(ctx, contractNode(child, root, 120), contractEdge(root, child, "plan-"+uuid.NewString(), "path-00001")))
		}

		after, err := store.GetNode(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, 100.0, after.State()["cash"])
		assert.Equal(t, "node "+root, after.Label)
	})
}
