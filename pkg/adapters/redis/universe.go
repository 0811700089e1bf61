package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/arbor/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// appendNode stores a node and, when ARGV[3] is set, its incoming edge.
// KEYS: node, parent node, path claim, edge, parent children list, node log.
// ARGV: node json, edge json, edge id, node id, has parent, has claim.
// Returns -1 for a missing parent, -2 for a duplicate node, 0 for a taken claim.
var appendNode = backend.NewScript(`
if ARGV[5] == '1' and redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -2
end
if ARGV[6] == '1' then
	if redis.call('EXISTS', KEYS[3]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[3], ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[6], ARGV[4])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[4], ARGV[2])
	redis.call('RPUSH', KEYS[5], ARGV[3])
end
return 1
`)

// Universe implements ports.UniverseStore on Redis. Every write goes through
// one Lua script, so a node, its edge and the path claim land together or not at all.
type Universe struct {
	client *backend.Client
	prefix string
}

// NewUniverse creates a universe store over an existing client.
func NewUniverse(client *backend.Client, opts ...Option) *Universe {
	o := buildOptions(opts)
	return &Universe{client: client, prefix: o.prefix}
}

func (u *Universe) nodeKey(id string) string     { return u.prefix + "node:" + id }
func (u *Universe) edgeKey(id string) string     { return u.prefix + "edge:" + id }
func (u *Universe) childrenKey(id string) string { return u.prefix + "children:" + id }
func (u *Universe) claimKey(planID, pathID string) string {
	return u.prefix + "claim:" + domain.PathClaimKey(planID, pathID)
}
func (u *Universe) logKey() string { return u.prefix + "nodes" }

// AppendRoot stores a parentless node.
func (u *Universe) AppendRoot(ctx context.Context, node domain.Node) error {
	if node.ParentID != "" {
		return domain.Invalid("node.parent_id", "must be empty for a root", node.ParentID)
	}
	return u.append(ctx, node, nil)
}

// AppendBranch stores a child node and its incoming edge atomically.
func (u *Universe) AppendBranch(ctx context.Context, node domain.Node, edge domain.Edge) error {
	if edge.ToNodeID != node.ID || edge.FromNodeID != node.ParentID {
		return domain.Invalid("edge", "must connect the node to its parent", edge.ID)
	}
	return u.append(ctx, node, &edge)
}

func (u *Universe) append(ctx context.Context, node domain.Node, edge *domain.Edge) error {
	nodeData, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	var (
		edgeData        []byte
		edgeID          string
		claim           = u.prefix + "claim:"
		hasParent       = "0"
		hasClaim        = "0"
		parentKey       = u.nodeKey("")
		childrenOfEdges = u.childrenKey(node.ParentID)
	)
	if node.ParentID != "" {
		hasParent = "1"
		parentKey = u.nodeKey(node.ParentID)
	}
	if edge != nil {
		edgeID = edge.ID
		if edgeData, err = json.Marshal(edge); err != nil {
			return fmt.Errorf("failed to marshal edge: %w", err)
		}
		if edge.PlanID != "" && edge.PathID != "" {
			hasClaim = "1"
			claim = u.claimKey(edge.PlanID, edge.PathID)
		}
	}

	keys := []string{u.nodeKey(node.ID), parentKey, claim, u.edgeKey(edgeID), childrenOfEdges, u.logKey()}
	res, err := appendNode.Run(ctx, u.client, keys, nodeData, edgeData, edgeID, node.ID, hasParent, hasClaim).Int()
	if err != nil {
		return fmt.Errorf("failed to append node: %w", err)
	}
	switch res {
	case -1:
		return domain.NotFoundf("parent node %s", node.ParentID)
	case -2:
		return domain.Conflictf("node %s already exists", node.ID)
	case 0:
		return domain.Conflictf("path %s of plan %s is already branched", edge.PathID, edge.PlanID)
	}
	return nil
}

// GetNode returns a node.
func (u *Universe) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	raw, err := u.client.Get(ctx, u.nodeKey(nodeID)).Bytes()
	if errors.Is(err, backend.Nil) {
		return domain.Node{}, domain.NotFoundf("node %s", nodeID)
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("failed to get node: %w", err)
	}
	var node domain.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return domain.Node{}, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return node, nil
}

// Children returns the outgoing edges of a node in insertion order.
func (u *Universe) Children(ctx context.Context, nodeID string) ([]domain.Edge, error) {
	pipe := u.client.Pipeline()
	exists := pipe.Exists(ctx, u.nodeKey(nodeID))
	ids := pipe.LRange(ctx, u.childrenKey(nodeID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	if exists.Val() == 0 {
		return nil, domain.NotFoundf("node %s", nodeID)
	}
	return u.edges(ctx, ids.Val())
}

func (u *Universe) edges(ctx context.Context, ids []string) ([]domain.Edge, error) {
	out := make([]domain.Edge, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = u.edgeKey(id)
	}
	vals, err := u.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, domain.Faultf("edge %s is indexed but missing", ids[i])
		}
		var e domain.Edge
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal edge: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EdgeForPath returns the edge that claimed a plan path.
func (u *Universe) EdgeForPath(ctx context.Context, planID, pathID string) (domain.Edge, error) {
	id, err := u.client.Get(ctx, u.claimKey(planID, pathID)).Result()
	if errors.Is(err, backend.Nil) {
		return domain.Edge{}, domain.NotFoundf("no branch for path %s of plan %s", pathID, planID)
	}
	if err != nil {
		return domain.Edge{}, fmt.Errorf("failed to get claim: %w", err)
	}
	edges, err := u.edges(ctx, []string{id})
	if err != nil {
		return domain.Edge{}, err
	}
	return edges[0], nil
}

// Walk visits every node in insertion order with its outgoing edges.
func (u *Universe) Walk(ctx context.Context, fn func(domain.Node, []domain.Edge)) error {
	ids, err := u.client.LRange(ctx, u.logKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	for _, id := range ids {
		node, err := u.GetNode(ctx, id)
		if err != nil {
			return err
		}
		children, err := u.Children(ctx, id)
		if err != nil {
			return err
		}
		fn(node, children)
	}
	return nil
}
