package runtime

import (
	"context"
	"fmt"

	"github.com/aretw0/arbor/internal/cluster"
	"github.com/aretw0/arbor/internal/search"
	"github.com/aretw0/arbor/pkg/domain"
)

// Expand searches for up to maxNew more paths inside one cluster and appends them
// to the plan. The search restarts from the representative's leading actions and
// only keeps paths that are new and whose nearest medoid is the target cluster.
// Existing paths and clusters are never altered; the target cluster gains members.
// Calls for one plan must be serialized by its worker. When ctx is cancelled the
// paths found so far are still appended and returned together with the cause.
func (e *Engine) Expand(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error) {
	if maxNew <= 0 || maxNew > domain.MaxMaxPaths {
		return nil, domain.Invalid("max_new_paths", fmt.Sprintf("must be in [1,%d]", domain.MaxMaxPaths), maxNew)
	}
	plan, err := e.plans.Get(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	target, ok := plan.Cluster(clusterID)
	if !ok {
		return nil, domain.NotFoundf("cluster %s in plan %s", clusterID, planID)
	}
	switch plan.Status {
	case domain.PlanSucceeded, domain.PlanPartial, domain.PlanCancelled:
	default:
		return nil, domain.Conflictf("plan %s is %s; clusters can only be expanded once it has results", planID, plan.Status)
	}

	rep, ok := plan.Path(target.RepresentativeID)
	if !ok {
		return nil, domain.Faultf("cluster %s representative %s is missing", clusterID, target.RepresentativeID)
	}
	catalog, err := e.catalogFor(ctx, plan)
	if err != nil {
		return nil, err
	}
	assigner, err := cluster.NewAssigner(plan.StartState, plan.Paths, plan.Clusters)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(plan.Paths))
	for i := range plan.Paths {
		known[plan.Paths[i].Key()] = true
	}
	prefixLen := target.PrefixLen
	if prefixLen <= 0 || prefixLen > cluster.PrefixLen {
		prefixLen = cluster.PrefixLen
	}
	prefixLen = min(prefixLen, rep.Depth()-1)

	cfg := search.ConfigFromPlan(plan.Config, e.maxExpansions)
	cfg.MaxPaths = maxNew
	cfg.Seed = plan.Config.Seed ^ uint64(len(plan.Paths))
	s := search.New(plan.Persona, plan.StartState, catalog, cfg,
		search.WithLogger(e.logger.With("plan_id", planID, "cluster_id", clusterID)),
		search.WithPrefix(rep.Steps[:max(prefixLen, 0)]),
		search.WithAccept(func(p *domain.Path) bool {
			return !known[p.Key()] && assigner.Nearest(p) == clusterID
		}),
		search.WithPruneHook(func(depth int, prob float64, reason domain.PruneReason) {
			e.emitPath(ctx, e.hooks.OnPathPruned, planID, "", depth, prob, reason)
		}),
	)
	found, searchErr := s.Run(ctx)
	if searchErr != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("expand cluster %s: %w", clusterID, searchErr)
	}

	eval := s.Evaluator()
	added := make([]domain.Path, 0, len(found))
	for _, p := range found {
		p.ID = domain.FormatPathID(len(plan.Paths) + len(added) + 1)
		p.Origin = domain.OriginExpansion
		p.ClusterID = clusterID
		if err := checkPath(plan, eval, &p); err != nil {
			return nil, err
		}
		added = append(added, p)
	}
	if len(added) == 0 {
		return added, searchErr
	}

	persist := context.WithoutCancel(ctx)
	if err := e.plans.AppendPaths(persist, planID, added); err != nil {
		return nil, fmt.Errorf("append expanded paths: %w", err)
	}
	clusters := make([]domain.PathCluster, len(plan.Clusters))
	for i, c := range plan.Clusters {
		if c.ID == clusterID {
			c = cluster.Attach(c, plan.Paths, added)
		}
		clusters[i] = c
	}
	if err := e.plans.SaveClusters(persist, planID, clusters); err != nil {
		return nil, fmt.Errorf("save clusters: %w", err)
	}

	e.logger.InfoContext(ctx, "cluster expanded", "plan_id", planID, "cluster_id", clusterID, "added", len(added))
	if e.hooks.OnExpansion != nil {
		e.hooks.OnExpansion(ctx, &domain.ExpansionEvent{
			EventBase: domain.EventBase{Timestamp: e.now(), Type: domain.EventExpansion, PlanID: planID},
			ClusterID: clusterID,
			Added:     len(added),
		})
	}
	return added, searchErr
}
