package memory

import (
	"context"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
)

// Universe is an append-only arena implementing ports.UniverseStore.
// Nodes and edges live in slices addressed through id indexes; nothing is ever
// overwritten or removed.
type Universe struct {
	mu       sync.RWMutex
	nodes    []domain.Node
	edges    []domain.Edge
	nodeIdx  map[string]int
	children map[string][]int
	claims   map[string]int
}

// NewUniverse creates an empty arena.
func NewUniverse() *Universe {
	return &Universe{
		nodeIdx:  make(map[string]int),
		children: make(map[string][]int),
		claims:   make(map[string]int),
	}
}

// AppendRoot stores a parentless node.
func (u *Universe) AppendRoot(ctx context.Context, node domain.Node) error {
	if node.ParentID != "" {
		return domain.Invalid("node.parent_id", "must be empty for a root", node.ParentID)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.nodeIdx[node.ID]; ok {
		return domain.Conflictf("node %s already exists", node.ID)
	}
	u.appendNode(node)
	return nil
}

// AppendBranch stores a child node and its incoming edge in one step.
func (u *Universe) AppendBranch(ctx context.Context, node domain.Node, edge domain.Edge) error {
	if edge.ToNodeID != node.ID || edge.FromNodeID != node.ParentID {
		return domain.Invalid("edge", "must connect the node to its parent", edge.ID)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if node.ParentID != "" {
		if _, ok := u.nodeIdx[node.ParentID]; !ok {
			return domain.NotFoundf("parent node %s", node.ParentID)
		}
	}
	if _, ok := u.nodeIdx[node.ID]; ok {
		return domain.Conflictf("node %s already exists", node.ID)
	}
	claim := ""
	if edge.PlanID != "" && edge.PathID != "" {
		claim = domain.PathClaimKey(edge.PlanID, edge.PathID)
		if _, taken := u.claims[claim]; taken {
			return domain.Conflictf("path %s of plan %s is already branched", edge.PathID, edge.PlanID)
		}
	}

	u.appendNode(node)
	u.edges = append(u.edges, edge.Clone())
	idx := len(u.edges) - 1
	u.children[edge.FromNodeID] = append(u.children[edge.FromNodeID], idx)
	if claim != "" {
		u.claims[claim] = idx
	}
	return nil
}

func (u *Universe) appendNode(node domain.Node) {
	u.nodes = append(u.nodes, node.Clone())
	u.nodeIdx[node.ID] = len(u.nodes) - 1
}

// GetNode returns a copy of a node.
func (u *Universe) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	idx, ok := u.nodeIdx[nodeID]
	if !ok {
		return domain.Node{}, domain.NotFoundf("node %s", nodeID)
	}
	return u.nodes[idx].Clone(), nil
}

// Children returns copies of the outgoing edges of a node in insertion order.
func (u *Universe) Children(ctx context.Context, nodeID string) ([]domain.Edge, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if _, ok := u.nodeIdx[nodeID]; !ok {
		return nil, domain.NotFoundf("node %s", nodeID)
	}
	out := make([]domain.Edge, 0, len(u.children[nodeID]))
	for _, idx := range u.children[nodeID] {
		out = append(out, u.edges[idx].Clone())
	}
	return out, nil
}

// EdgeForPath returns the edge created from a plan path.
func (u *Universe) EdgeForPath(ctx context.Context, planID, pathID string) (domain.Edge, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	idx, ok := u.claims[domain.PathClaimKey(planID, pathID)]
	if !ok {
		return domain.Edge{}, domain.NotFoundf("no branch for path %s of plan %s", pathID, planID)
	}
	return u.edges[idx].Clone(), nil
}

// Walk visits every node and edge in insertion order. Used for rendering.
func (u *Universe) Walk(ctx context.Context, fn func(domain.Node, []domain.Edge)) error {
	u.mu.RLock()
	nodes := make([]domain.Node, len(u.nodes))
	for i, n := range u.nodes {
		nodes[i] = n.Clone()
	}
	u.mu.RUnlock()
	for _, n := range nodes {
		edges, err := u.Children(ctx, n.ID)
		if err != nil {
			return err
		}
		fn(n, edges)
	}
	return nil
}
