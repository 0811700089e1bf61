package domain

import (
	"fmt"
	"time"
)

// PlanStatus is the state of a search run.
type PlanStatus string

const (
	PlanQueued    PlanStatus = "queued"
	PlanRunning   PlanStatus = "running"
	PlanPartial   PlanStatus = "partial"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Config bounds accepted by create_plan.
const (
	MinMaxPaths    = 10
	MaxMaxPaths    = 500
	MinMaxDepth    = 3
	MaxMaxDepth    = 30
	MinPruning     = 0.001
	MaxPruning     = 0.10
	MinMaxClusters = 2
	MaxMaxClusters = 10
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanQueued:  {PlanRunning, PlanCancelled},
	PlanRunning: {PlanPartial, PlanSucceeded, PlanFailed, PlanCancelled},
	PlanPartial: {PlanPartial, PlanSucceeded, PlanFailed, PlanCancelled},
}

// CanTransition reports whether a plan may move from one status to another.
func CanTransition(from, to PlanStatus) bool {
	for _, allowed := range planTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status change is possible.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// PlanConfig holds the search bounds of a plan.
type PlanConfig struct {
	MaxPaths         int     `json:"max_paths"`
	MaxDepth         int     `json:"max_depth"`
	PruningThreshold float64 `json:"pruning_threshold"`
	EnableClustering bool    `json:"enable_clustering"`
	MaxClusters      int     `json:"max_clusters"`
	// Seed drives exploration. Identical inputs and seed give identical paths.
	Seed uint64 `json:"seed"`
}

// DefaultPlanConfig returns the configuration used when a caller omits fields.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		MaxPaths:         100,
		MaxDepth:         5,
		PruningThreshold: 0.01,
		EnableClustering: true,
		MaxClusters:      5,
	}
}

// Validate enforces the create_plan bounds.
func (c PlanConfig) Validate() error {
	var errs []error
	if c.MaxPaths < MinMaxPaths || c.MaxPaths > MaxMaxPaths {
		errs = append(errs, Invalid("config.max_paths", fmt.Sprintf("must be in [%d,%d]", MinMaxPaths, MaxMaxPaths), c.MaxPaths))
	}
	if c.MaxDepth < MinMaxDepth || c.MaxDepth > MaxMaxDepth {
		errs = append(errs, Invalid("config.max_depth", fmt.Sprintf("must be in [%d,%d]", MinMaxDepth, MaxMaxDepth), c.MaxDepth))
	}
	if c.PruningThreshold < MinPruning || c.PruningThreshold > MaxPruning {
		errs = append(errs, Invalid("config.pruning_threshold", fmt.Sprintf("must be in [%g,%g]", MinPruning, MaxPruning), c.PruningThreshold))
	}
	if c.EnableClustering {
		if c.MaxClusters < MinMaxClusters || c.MaxClusters > MaxMaxClusters {
			errs = append(errs, Invalid("config.max_clusters", fmt.Sprintf("must be in [%d,%d]", MinMaxClusters, MaxMaxClusters), c.MaxClusters))
		}
		if c.MaxClusters > c.MaxPaths {
			errs = append(errs, Invalid("config.max_clusters", "must not exceed max_paths", c.MaxClusters))
		}
	}
	return Join(errs)
}

// Plan is one search run and everything it produced.
type Plan struct {
	ID             string        `json:"id"`
	PersonaRef     PersonaRef    `json:"persona_ref"`
	Persona        *Persona      `json:"persona"`
	StartNodeID    string        `json:"start_node_id,omitempty"`
	StartState     WorldState    `json:"start_state"`
	CatalogDomain  string        `json:"catalog_domain"`
	CatalogVersion string        `json:"catalog_version"`
	Config         PlanConfig    `json:"config"`
	Status         PlanStatus    `json:"status"`
	Diagnostic     string        `json:"diagnostic,omitempty"`
	Clusters       []PathCluster `json:"clusters"`
	Paths          []Path        `json:"paths"`
	// TotalPathsValid counts paths that passed pruning and constraints.
	TotalPathsValid int        `json:"total_paths_valid"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Path returns the path with the given id.
func (p *Plan) Path(id string) (*Path, bool) {
	for i := range p.Paths {
		if p.Paths[i].ID == id {
			return &p.Paths[i], true
		}
	}
	return nil, false
}

// Cluster returns the cluster with the given id.
func (p *Plan) Cluster(id string) (*PathCluster, bool) {
	for i := range p.Clusters {
		if p.Clusters[i].ID == id {
			return &p.Clusters[i], true
		}
	}
	return nil, false
}

// Branchable reports whether paths of this plan may be committed to the universe map.
func (p *Plan) Branchable() bool {
	return p.Status == PlanSucceeded || p.Status == PlanPartial
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Persona = p.Persona.Clone()
	c.StartState = p.StartState.Clone()
	c.Clusters = make([]PathCluster, len(p.Clusters))
	for i, cl := range p.Clusters {
		c.Clusters[i] = cl.Clone()
	}
	c.Paths = make([]Path, len(p.Paths))
	for i, path := range p.Paths {
		c.Paths[i] = path.Clone()
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
