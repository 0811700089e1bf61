// Package loam serves personas and catalogs authored as Loam documents
// (markdown with frontmatter, YAML or JSON files in a Loam repository).
package loam

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/arbor/internal/dto"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/loam"
)

// Document is the untyped frontmatter of a Loam document.
type Document = map[string]any

// Provider implements ports.ActionCatalog and ports.PersonaSource on top of a
// Loam repository. Documents are read on every call, so edits to the
// repository are picked up without a reload.
type Provider struct {
	Repo *loam.TypedRepository[Document]
}

// New creates a provider over a typed repository.
func New(repo *loam.TypedRepository[Document]) *Provider {
	return &Provider{Repo: repo}
}

// GetPersona returns the persona with the given id. The id is looked up as a
// document name first ("investor" finds investor.md), then by declared id.
func (p *Provider) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	if doc, err := p.Repo.Get(ctx, id); err == nil && dto.KindOf(doc.Data) == dto.KindPersona {
		return decodePersona(doc.ID, doc.Data)
	}
	docs, err := p.documents(ctx)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if dto.KindOf(doc.Data) != dto.KindPersona || documentID(doc.ID, doc.Data) != id {
			continue
		}
		return decodePersona(doc.ID, doc.Data)
	}
	return nil, domain.NotFoundf("persona %s", id)
}

// ListActions returns the catalog whose domain matches domainName.
func (p *Provider) ListActions(ctx context.Context, domainName string) (*domain.Catalog, error) {
	docs, err := p.documents(ctx)
	if err != nil {
		return nil, err
	}
	var found *domain.Catalog
	var foundIn string
	for _, doc := range docs {
		if dto.KindOf(doc.Data) != dto.KindCatalog || fmt.Sprint(doc.Data["domain"]) != domainName {
			continue
		}
		if found != nil {
			return nil, domain.Conflictf("catalog for domain %q is defined in both %q and %q", domainName, foundIn, doc.ID)
		}
		c, err := dto.DecodeCatalog(doc.Data, contentVersion(doc.Data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.ID, err)
		}
		found, foundIn = c, doc.ID
	}
	if found == nil {
		return nil, domain.NotFoundf("catalog for domain %q", domainName)
	}
	return found, nil
}

// Personas lists persona ids found in the repository.
func (p *Provider) Personas(ctx context.Context) ([]string, error) {
	docs, err := p.documents(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if dto.KindOf(doc.Data) != dto.KindPersona {
			continue
		}
		id := documentID(doc.ID, doc.Data)
		if existing, ok := seen[id]; ok {
			return nil, fmt.Errorf("collision detected: persona '%s' is defined in both '%s' and '%s'", id, existing, doc.ID)
		}
		seen[id] = doc.ID
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// documents lists the repository and reads every document back from disk.
// The listing index holds whatever metadata was passed to Save, which is empty
// for documents saved with front matter inside their content, so kind, domain
// and actions are only trustworthy on the parsed document.
func (p *Provider) documents(ctx context.Context) ([]*loam.DocumentModel[Document], error) {
	listed, err := p.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}
	docs := make([]*loam.DocumentModel[Document], 0, len(listed))
	for _, entry := range listed {
		doc, err := p.Repo.Get(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("loam get failed for %s: %w", entry.ID, err)
		}
		doc.ID = entry.ID
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func decodePersona(docID string, data Document) (*domain.Persona, error) {
	raw := make(Document, len(data)+1)
	for k, v := range data {
		raw[k] = v
	}
	raw["id"] = documentID(docID, data)
	persona, err := dto.DecodePersona(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", docID, err)
	}
	return persona, nil
}

// documentID prefers the declared id and falls back to the file name.
func documentID(docID string, data Document) string {
	if id, ok := data["id"].(string); ok && id != "" {
		return id
	}
	return trimExtension(docID)
}

// contentVersion versions a catalog document that declares no version.
// encoding/json sorts map keys, so equal documents hash equally.
func contentVersion(data Document) string {
	b, err := json.Marshal(data)
	if err != nil {
		return "unversioned"
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:6])
}

func trimExtension(id string) string {
	ext := filepath.Ext(id)
	if ext != "" {
		return filepath.ToSlash(strings.TrimSuffix(id, ext))
	}
	return filepath.ToSlash(id)
}
