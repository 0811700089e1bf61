package runtime

import (
	"context"
	"fmt"

	"github.com/aretw0/arbor/internal/validator"
	"github.com/aretw0/arbor/pkg/domain"
)

// PlanRequest is the input of create_plan.
type PlanRequest struct {
	PersonaID string
	// StartNodeID optionally starts from a universe map node. Its state
	// overrides the persona's initial state.
	StartNodeID string
	Config      domain.PlanConfig
}

// Prepare validates a plan request and persists the plan as queued.
// Validation failures are returned synchronously and nothing is stored.
func (e *Engine) Prepare(ctx context.Context, req PlanRequest) (*domain.Plan, error) {
	if req.PersonaID == "" {
		return nil, domain.Invalid("persona_id", "is required", nil)
	}
	persona, err := e.personas.GetPersona(ctx, req.PersonaID)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", req.PersonaID, err)
	}
	catalog, err := e.catalogs.ListActions(ctx, persona.Domain)
	if err != nil {
		return nil, fmt.Errorf("load catalog for domain %q: %w", persona.Domain, err)
	}

	start := persona.InitialState.Clone()
	if req.StartNodeID != "" {
		node, err := e.universe.GetNode(ctx, req.StartNodeID)
		if err != nil {
			return nil, fmt.Errorf("start node %s: %w", req.StartNodeID, err)
		}
		start = node.State().Merge(persona.InitialState)
	}

	cfg := req.Config
	if cfg.Seed == 0 {
		cfg.Seed = e.defaultSeed
	}
	if err := validator.ValidatePlanRequest(validator.PlanRequest{
		Persona: persona,
		Catalog: catalog,
		Start:   start,
		Config:  cfg,
	}); err != nil {
		return nil, err
	}

	now := e.now()
	plan := &domain.Plan{
		ID:             e.newID(),
		PersonaRef:     persona.Ref(),
		Persona:        persona.Clone(),
		StartNodeID:    req.StartNodeID,
		StartState:     start,
		CatalogDomain:  catalog.Domain,
		CatalogVersion: catalog.Version,
		Config:         cfg,
		Status:         domain.PlanQueued,
		Clusters:       []domain.PathCluster{},
		Paths:          []domain.Path{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	e.logger.InfoContext(ctx, "plan queued", "plan_id", plan.ID, "persona", persona.ID, "persona_version", persona.Version)
	e.emitStatus(ctx, plan.ID, "", domain.PlanQueued, 0, "", 0)
	return plan, nil
}

// catalogFor loads the catalog a plan was created against.
func (e *Engine) catalogFor(ctx context.Context, plan *domain.Plan) (*domain.Catalog, error) {
	catalog, err := e.catalogs.ListActions(ctx, plan.CatalogDomain)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", plan.CatalogDomain, err)
	}
	if catalog.Version != plan.CatalogVersion {
		return nil, domain.Faultf("catalog %q changed from version %s to %s", plan.CatalogDomain, plan.CatalogVersion, catalog.Version)
	}
	if err := catalog.Clone().Validate(); err != nil {
		return nil, fmt.Errorf("catalog %q: %w", plan.CatalogDomain, err)
	}
	return catalog, nil
}
