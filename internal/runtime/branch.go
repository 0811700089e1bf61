package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

// BranchRequest is the input of branch.
type BranchRequest struct {
	PlanID string
	PathID string
	// ParentNodeID defaults to the plan's start node. With neither, the new
	// node becomes a root.
	ParentNodeID string
	AutoRun      bool
}

// BranchResult is the node and edge a branch created.
type BranchResult struct {
	Node domain.Node `json:"node"`
	Edge domain.Edge `json:"edge"`
}

// Branch commits a path of a succeeded or partial plan into the universe map as a
// new child node. The universe store claims the path atomically, so of two
// concurrent calls for one path exactly one succeeds and the other gets
// domain.ErrConflict. Existing nodes and edges are never touched.
func (e *Engine) Branch(ctx context.Context, req BranchRequest) (BranchResult, error) {
	plan, err := e.plans.Get(ctx, req.PlanID)
	if err != nil {
		return BranchResult{}, fmt.Errorf("load plan %s: %w", req.PlanID, err)
	}
	if !plan.Branchable() {
		return BranchResult{}, domain.Conflictf("plan %s is %s; only succeeded or partial plans can be branched", plan.ID, plan.Status)
	}
	path, ok := plan.Path(req.PathID)
	if !ok {
		return BranchResult{}, domain.Conflictf("path %s does not belong to plan %s", req.PathID, plan.ID)
	}
	if path.Status == domain.PathBranched {
		return BranchResult{}, e.branchConflict(ctx, plan.ID, path.ID, domain.Conflictf("path %s is already branched", path.ID))
	}

	parentID := req.ParentNodeID
	if parentID == "" {
		parentID = plan.StartNodeID
	}
	var siblings []float64
	if parentID != "" {
		if _, err := e.universe.GetNode(ctx, parentID); err != nil {
			return BranchResult{}, fmt.Errorf("parent node %s: %w", parentID, err)
		}
		edges, err := e.universe.Children(ctx, parentID)
		if err != nil {
			return BranchResult{}, fmt.Errorf("children of %s: %w", parentID, err)
		}
		for _, edge := range edges {
			if edge.Origin == domain.EdgeFromPath {
				siblings = append(siblings, edge.PathProbability)
			}
		}
	}

	now := e.now()
	terminal := path.Terminal()
	node := domain.Node{
		ID:              e.newID(),
		ParentID:        parentID,
		Probability:     e.aggregation.Probability(path.CumulativeProbability, siblings),
		ConfidenceLevel: confidence(path),
		AggregatedOutcome: domain.AggregatedOutcome{
			UtilityScore:          path.UtilityScore,
			CumulativeProbability: path.CumulativeProbability,
			Contributions:         path.Contributions,
			State:                 terminal.Merge(plan.StartState),
			Depth:                 path.Depth(),
		},
		Label: path.Label(),
		Provenance: domain.Provenance{
			PlanID:     plan.ID,
			PathID:     path.ID,
			PersonaRef: plan.PersonaRef,
		},
		CreatedAt: now,
	}
	edge := domain.Edge{
		ID:         e.newID(),
		FromNodeID: parentID,
		ToNodeID:   node.ID,
		Intervention: domain.Intervention{
			ActionIDs: path.ActionIDs(),
			Summary:   summarize(path),
		},
		Origin: domain.EdgeFromPath,
		Explanation: fmt.Sprintf("branched from plan %s path %s (persona %s v%d, cumulative probability %.4f, utility %.3f)",
			plan.ID, path.ID, plan.PersonaRef.ID, plan.PersonaRef.Version, path.CumulativeProbability, path.UtilityScore),
		PlanID:          plan.ID,
		PathID:          path.ID,
		PathProbability: path.CumulativeProbability,
		CreatedAt:       now,
	}

	if err := e.universe.AppendBranch(ctx, node, edge); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return BranchResult{}, e.branchConflict(ctx, plan.ID, path.ID, err)
		}
		return BranchResult{}, fmt.Errorf("append branch: %w", err)
	}

	// The universe claim is authoritative; the plan flag mirrors it for get_plan.
	if err := e.plans.SetPathStatus(context.WithoutCancel(ctx), plan.ID, path.ID, domain.PathBranched); err != nil {
		e.logger.ErrorContext(ctx, "path branched but plan not updated", "plan_id", plan.ID, "path_id", path.ID, "node_id", node.ID, "err", err)
	}
	e.logger.InfoContext(ctx, "path branched", "plan_id", plan.ID, "path_id", path.ID, "node_id", node.ID, "parent", parentID)
	if e.hooks.OnBranch != nil {
		e.hooks.OnBranch(ctx, &domain.BranchEvent{
			EventBase: domain.EventBase{Timestamp: now, Type: domain.EventBranch, PlanID: plan.ID},
			PathID:    path.ID,
			NodeID:    node.ID,
		})
	}

	if req.AutoRun {
		e.submit(ctx, node.ID)
	}
	return BranchResult{Node: node.Clone(), Edge: edge.Clone()}, nil
}

// submit hands a node to the execution pipeline without waiting for it.
// Pipeline failures are logged and never reach the caller.
func (e *Engine) submit(ctx context.Context, nodeID string) {
	if e.pipeline == nil {
		e.logger.WarnContext(ctx, "auto_run requested but no execution pipeline is configured", "node_id", nodeID)
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if err := e.pipeline.Submit(ctx, nodeID); err != nil {
			e.logger.WarnContext(ctx, "execution pipeline rejected node", "node_id", nodeID, "err", err)
			return
		}
		e.logger.DebugContext(ctx, "node submitted to execution pipeline", "node_id", nodeID)
	}()
}

func (e *Engine) branchConflict(ctx context.Context, planID, pathID string, err error) error {
	if e.hooks.OnBranch != nil {
		e.hooks.OnBranch(ctx, &domain.BranchEvent{
			EventBase: domain.EventBase{Timestamp: e.now(), Type: domain.EventBranch, PlanID: planID},
			PathID:    pathID,
			Conflict:  true,
		})
	}
	return err
}

// confidence is the geometric mean of the step probabilities.
func confidence(p *domain.Path) float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	return math.Pow(p.CumulativeProbability, 1/float64(len(p.Steps)))
}

func summarize(p *domain.Path) string {
	outcomes := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Outcome != "" {
			outcomes = append(outcomes, s.ActionID+":"+s.Outcome)
		} else {
			outcomes = append(outcomes, s.ActionID)
		}
	}
	return strings.Join(outcomes, ", ")
}

// SeedRoot appends a manual root node holding state.
func (e *Engine) SeedRoot(ctx context.Context, label string, state domain.WorldState) (domain.Node, error) {
	if label == "" {
		return domain.Node{}, domain.Invalid("label", "is required", nil)
	}
	node := domain.Node{
		ID:              e.newID(),
		Probability:     1,
		ConfidenceLevel: 1,
		AggregatedOutcome: domain.AggregatedOutcome{
			CumulativeProbability: 1,
			State:                 state.Clone(),
		},
		Label:      label,
		Provenance: domain.Provenance{Manual: true},
		CreatedAt:  e.now(),
	}
	if err := e.universe.AppendRoot(ctx, node); err != nil {
		return domain.Node{}, fmt.Errorf("append root: %w", err)
	}
	e.logger.InfoContext(ctx, "root seeded", "node_id", node.ID, "label", label)
	return node.Clone(), nil
}
