package domain

import "time"

// AggregatedOutcome is the outcome summary snapshotted into a universe map node.
type AggregatedOutcome struct {
	UtilityScore          float64               `json:"utility_score"`
	CumulativeProbability float64               `json:"cumulative_probability"`
	Contributions         map[Dimension]float64 `json:"contributions,omitempty"`
	State                 WorldState            `json:"state"`
	Depth                 int                   `json:"depth"`
}

// Provenance links a node back to what produced it.
type Provenance struct {
	PlanID     string     `json:"plan_id,omitempty"`
	PathID     string     `json:"path_id,omitempty"`
	PersonaRef PersonaRef `json:"persona_ref,omitempty"`
	// Manual is set for nodes created outside a plan (seeded roots).
	Manual bool `json:"manual,omitempty"`
}

// Node is a write-once scenario record of the universe map.
// All change is expressed as a new child node.
type Node struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id,omitempty"`
	Probability       float64           `json:"probability"`
	ConfidenceLevel   float64           `json:"confidence_level"`
	AggregatedOutcome AggregatedOutcome `json:"aggregated_outcome"`
	Label             string            `json:"label"`
	Provenance        Provenance        `json:"provenance"`
	CreatedAt         time.Time         `json:"created_at"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// State returns the world state snapshotted in the node.
func (n *Node) State() WorldState { return n.AggregatedOutcome.State }

// Clone returns a deep copy.
func (n Node) Clone() Node {
	c := n
	c.AggregatedOutcome.State = n.AggregatedOutcome.State.Clone()
	if n.AggregatedOutcome.Contributions != nil {
		c.AggregatedOutcome.Contributions = make(map[Dimension]float64, len(n.AggregatedOutcome.Contributions))
		for k, v := range n.AggregatedOutcome.Contributions {
			c.AggregatedOutcome.Contributions[k] = v
		}
	}
	return c
}

// EdgeOrigin describes why an edge exists.
type EdgeOrigin string

const (
	EdgeFromPath   EdgeOrigin = "path"
	EdgeFromManual EdgeOrigin = "manual"
)

// Intervention records the action sequence that leads from parent to child.
type Intervention struct {
	ActionIDs []string `json:"action_ids"`
	Summary   string   `json:"summary,omitempty"`
}

// Edge connects a parent node to a child node. Edges are append-only.
type Edge struct {
	ID           string       `json:"id"`
	FromNodeID   string       `json:"from_node_id"`
	ToNodeID     string       `json:"to_node_id"`
	Intervention Intervention `json:"intervention"`
	Origin       EdgeOrigin   `json:"origin"`
	Explanation  string       `json:"explanation"`
	PlanID       string       `json:"plan_id,omitempty"`
	PathID       string       `json:"path_id,omitempty"`
	// PathProbability is the cumulative probability of the originating path,
	// kept so sibling aggregation never has to reload plans.
	PathProbability float64   `json:"path_probability"`
	CreatedAt       time.Time `json:"created_at"`
}

// PathClaimKey is the single-writer key guarding one path's branch.
func PathClaimKey(planID, pathID string) string {
	return planID + "/" + pathID
}

// Clone returns a deep copy.
func (e Edge) Clone() Edge {
	e.Intervention.ActionIDs = append([]string(nil), e.Intervention.ActionIDs...)
	return e
}
