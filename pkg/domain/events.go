package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventPlanStatus   EventType = "plan_status"
	EventPathAccepted EventType = "path_accepted"
	EventPathPruned   EventType = "path_pruned"
	EventExpansion    EventType = "cluster_expansion"
	EventBranch       EventType = "branch"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id"`
}

// PlanEvent reports a plan status change.
type PlanEvent struct {
	EventBase
	From       PlanStatus    `json:"from"`
	To         PlanStatus    `json:"to"`
	Paths      int           `json:"paths"`
	Duration   time.Duration `json:"duration,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
}

// PruneReason explains why a partial path was discarded.
type PruneReason string

const (
	PruneProbability PruneReason = "probability"
	PruneConstraint  PruneReason = "hard_constraint"
)

// PathEvent reports an accepted or pruned path.
type PathEvent struct {
	EventBase
	PathID      string      `json:"path_id,omitempty"`
	Depth       int         `json:"depth"`
	Probability float64     `json:"probability"`
	Reason      PruneReason `json:"reason,omitempty"`
}

// ExpansionEvent reports a finished cluster expansion.
type ExpansionEvent struct {
	EventBase
	ClusterID string `json:"cluster_id"`
	Added     int    `json:"added"`
}

// BranchEvent reports a branch commit, successful or not.
type BranchEvent struct {
	EventBase
	PathID   string `json:"path_id"`
	NodeID   string `json:"node_id,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
}

// LifecycleHooks defines callbacks for engine observability.
// Nil callbacks are skipped.
type LifecycleHooks struct {
	OnPlanStatus   func(context.Context, *PlanEvent)
	OnPathAccepted func(context.Context, *PathEvent)
	OnPathPruned   func(context.Context, *PathEvent)
	OnExpansion    func(context.Context, *ExpansionEvent)
	OnBranch       func(context.Context, *BranchEvent)
}

// Merge returns hooks that call h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnPlanStatus:   chain(h.OnPlanStatus, other.OnPlanStatus),
		OnPathAccepted: chain(h.OnPathAccepted, other.OnPathAccepted),
		OnPathPruned:   chain(h.OnPathPruned, other.OnPathPruned),
		OnExpansion:    chain(h.OnExpansion, other.OnExpansion),
		OnBranch:       chain(h.OnBranch, other.OnBranch),
	}
}

func chain[E any](a, b func(context.Context, *E)) func(context.Context, *E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e *E) {
		a(ctx, e)
		b(ctx, e)
	}
}
