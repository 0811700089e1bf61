package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// PlanStore persists plans. Paths are append-only: once returned, a path's content
// is never rewritten, only its status field.
type PlanStore interface {
	// Create persists a new plan. Returns domain.ErrConflict if the id exists.
	Create(ctx context.Context, plan *domain.Plan) error

	// Get returns a copy of the plan with every path and cluster.
	// Returns domain.ErrNotFound if the plan does not exist.
	Get(ctx context.Context, planID string) (*domain.Plan, error)

	// SetStatus moves the plan to a new status. Returns domain.ErrConflict when the
	// transition is not allowed. finished marks the status as final.
	SetStatus(ctx context.Context, planID string, status domain.PlanStatus, diagnostic string, finished bool) error

	// AppendPaths adds new paths after the existing ones and bumps TotalPathsValid.
	AppendPaths(ctx context.Context, planID string, paths []domain.Path) error

	// SaveClusters replaces the cluster index and the cluster attribution of paths.
	SaveClusters(ctx context.Context, planID string, clusters []domain.PathCluster) error

	// SetPathStatus changes the status field of one path. Moving a path to
	// branched is compare-and-swap: returns domain.ErrConflict if it already is.
	SetPathStatus(ctx context.Context, planID, pathID string, status domain.PathStatus) error

	// List returns the ids of stored plans.
	List(ctx context.Context) ([]string, error)
}

// UniverseStore is the append-only universe map arena.
// No method rewrites or deletes an existing node or edge.
type UniverseStore interface {
	// AppendRoot stores a parentless node. Returns domain.ErrConflict if the id exists.
	AppendRoot(ctx context.Context, node domain.Node) error

	// AppendBranch atomically stores a child node with its incoming edge.
	// When the edge carries a plan/path provenance, the path can be claimed once:
	// a second append for the same path returns domain.ErrConflict and writes nothing.
	// A node without a parent becomes a new root and its edge has an empty
	// FromNodeID. Otherwise returns domain.ErrNotFound if the parent does not exist.
	AppendBranch(ctx context.Context, node domain.Node, edge domain.Edge) error

	// GetNode returns a copy of the node. Returns domain.ErrNotFound if unknown.
	GetNode(ctx context.Context, nodeID string) (domain.Node, error)

	// Children returns the outgoing edges of a node in insertion order.
	Children(ctx context.Context, nodeID string) ([]domain.Edge, error)

	// EdgeForPath returns the edge created from a path, or domain.ErrNotFound.
	EdgeForPath(ctx context.Context, planID, pathID string) (domain.Edge, error)
}

// ExecutionPipeline runs a branched node outside this engine.
// Submit only acknowledges receipt; the pipeline's outcome never flows back.
type ExecutionPipeline interface {
	Submit(ctx context.Context, nodeID string) error
}

// UniverseWalker is implemented by universe stores that can enumerate the whole
// map, e.g. for rendering. Nodes are visited in insertion order.
type UniverseWalker interface {
	Walk(ctx context.Context, fn func(node domain.Node, children []domain.Edge)) error
}
