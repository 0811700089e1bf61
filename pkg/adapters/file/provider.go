package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/arbor/internal/dto"
	"github.com/aretw0/arbor/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Provider implements ports.ActionCatalog and ports.PersonaSource over a
// directory of YAML documents. Each document is either a persona or a catalog
// (see dto.KindOf). Catalogs without a version are versioned by content hash.
type Provider struct {
	dir string

	mu       sync.RWMutex
	catalogs map[string]*domain.Catalog
	personas map[string]*domain.Persona
}

// NewProvider loads every document under dir.
func NewProvider(dir string) (*Provider, error) {
	p := &Provider{dir: dir}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the directory. On error the previously loaded documents stay.
func (p *Provider) Reload() error {
	catalogs := make(map[string]*domain.Catalog)
	personas := make(map[string]*domain.Persona)

	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != p.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return load(path, data, catalogs, personas)
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", p.dir, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogs = catalogs
	p.personas = personas
	return nil
}

func load(path string, data []byte, catalogs map[string]*domain.Catalog, personas map[string]*domain.Persona) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	switch dto.KindOf(raw) {
	case dto.KindCatalog:
		c, err := dto.DecodeCatalog(raw, ContentVersion(data))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := catalogs[c.Domain]; dup {
			return fmt.Errorf("%s: %w", path, domain.Conflictf("catalog for domain %q defined twice", c.Domain))
		}
		catalogs[c.Domain] = c
	case dto.KindPersona:
		persona, err := dto.DecodePersona(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := personas[persona.ID]; ok {
			if prev.Version == persona.Version {
				return fmt.Errorf("%s: %w", path, domain.Conflictf("persona %s version %d defined twice", persona.ID, persona.Version))
			}
			if prev.Version > persona.Version {
				return nil
			}
		}
		personas[persona.ID] = persona
	default:
		return fmt.Errorf("%s: unknown document kind %q", path, dto.KindOf(raw))
	}
	return nil
}

// ContentVersion derives a catalog version from the document bytes.
func ContentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:6])
}

// ListActions returns the catalog of a domain.
func (p *Provider) ListActions(ctx context.Context, domainName string) (*domain.Catalog, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.catalogs[domainName]
	if !ok {
		return nil, domain.NotFoundf("catalog for domain %q", domainName)
	}
	return c, nil
}

// GetPersona returns the highest version of a persona found on disk.
func (p *Provider) GetPersona(ctx context.Context, id string) (*domain.Persona, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	persona, ok := p.personas[id]
	if !ok {
		return nil, domain.NotFoundf("persona %s", id)
	}
	return persona.Clone(), nil
}

// Domains lists the loaded catalog domains.
func (p *Provider) Domains() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.catalogs)
}

// Personas lists the loaded persona ids.
func (p *Provider) Personas() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.personas)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
