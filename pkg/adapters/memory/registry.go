package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
)

// Registry implements ports.ActionCatalog and ports.PersonaSource in memory.
// Catalogs are validated on Put and handed out read-only. Personas are versioned:
// putting an existing id stores a new version and keeps the old ones.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string]*domain.Catalog
	personas map[string][]*domain.Persona
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		catalogs: make(map[string]*domain.Catalog),
		personas: make(map[string][]*domain.Persona),
	}
}

// PutCatalog validates and stores a catalog, replacing the domain's current one.
func (r *Registry) PutCatalog(c *domain.Catalog) error {
	stored := c.Clone()
	if stored.Domain == "" {
		return domain.Invalid("catalog.domain", "is required", nil)
	}
	if err := stored.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[stored.Domain] = stored
	return nil
}

// ListActions returns the current catalog of a domain.
func (r *Registry) ListActions(ctx context.Context, domainName string) (*domain.Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[domainName]
	if !ok {
		return nil, domain.NotFoundf("catalog for domain %q", domainName)
	}
	return c, nil
}

// PutPersona validates and stores a persona as a new version of its id.
// It returns the stored copy with its assigned version.
func (r *Registry) PutPersona(p *domain.Persona) (*domain.Persona, error) {
	stored := p.Clone()
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.personas[stored.ID]
	stored.Version = len(versions) + 1
	r.personas[stored.ID] = append(versions, stored)
	return stored.Clone(), nil
}

// GetPersona returns the latest version of a persona.
func (r *Registry) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.personas[id]
	if len(versions) == 0 {
		return nil, domain.NotFoundf("persona %s", id)
	}
	return versions[len(versions)-1].Clone(), nil
}

// GetPersonaVersion returns one specific version.
func (r *Registry) GetPersonaVersion(ctx context.Context, id string, version int) (*domain.Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.personas[id]
	if version < 1 || version > len(versions) {
		return nil, domain.NotFoundf("persona %s version %d", id, version)
	}
	return versions[version-1].Clone(), nil
}

// Pipeline is an ExecutionPipeline that records submissions.
// It stands in for the external pipeline in tests and offline runs.
type Pipeline struct {
	mu        sync.Mutex
	submitted []string
	fail      error
}

// NewPipeline creates a recording pipeline. A non-nil fail error is returned
// from every Submit after recording it.
func NewPipeline(fail error) *Pipeline {
	return &Pipeline{fail: fail}
}

// Submit records the node id.
func (p *Pipeline) Submit(ctx context.Context, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, nodeID)
	if p.fail != nil {
		return fmt.Errorf("submit %s: %w", nodeID, p.fail)
	}
	return nil
}

// Submitted returns the recorded node ids in order.
func (p *Pipeline) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}
