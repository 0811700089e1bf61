package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// ActionCatalog provides the available actions of a domain.
// Implementations return a validated catalog; callers must not mutate it.
type ActionCatalog interface {
	// ListActions returns the current catalog for the domain.
	// Returns domain.ErrNotFound if the domain is unknown.
	ListActions(ctx context.Context, domainName string) (*domain.Catalog, error)
}

// PersonaSource provides personas authored elsewhere.
type PersonaSource interface {
	// GetPersona returns the latest version of a persona.
	// Returns domain.ErrNotFound if the persona does not exist.
	GetPersona(ctx context.Context, id string) (*domain.Persona, error)
}
