// Package file provides filesystem adapters: a JSON plan store and a provider
// that loads personas and catalogs from a directory of YAML documents.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
)

// PlanStore implements ports.PlanStore with one JSON document per plan.
// Writes are atomic (temp file, fsync, rename). A single process owns the
// directory; the mutex serializes its read-modify-write cycles.
type PlanStore struct {
	BasePath string

	mu  sync.Mutex
	now func() time.Time
}

// NewPlanStore creates a store rooted at basePath.
// If basePath is empty, it defaults to ".arbor/plans".
func NewPlanStore(basePath string) *PlanStore {
	if basePath == "" {
		basePath = filepath.Join(".arbor", "plans")
	}
	return &PlanStore{
		BasePath: basePath,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *PlanStore) path(planID string) string {
	return filepath.Join(s.BasePath, planID+".json")
}

func validID(planID string) error {
	if planID == "" || strings.ContainsAny(planID, `/\`) || strings.HasPrefix(planID, ".") {
		return domain.Invalid("plan.id", "must be a plain file name", planID)
	}
	return nil
}

// Create persists a new plan.
func (s *PlanStore) Create(ctx context.Context, plan *domain.Plan) error {
	if err := validID(plan.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(plan.ID)); err == nil {
		return domain.Conflictf("plan %s already exists", plan.ID)
	}
	return s.write(plan)
}

// Get returns the stored plan.
func (s *PlanStore) Get(ctx context.Context, planID string) (*domain.Plan, error) {
	if err := validID(planID); err != nil {
		return nil, domain.NotFoundf("plan %s", planID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(planID)
}

// SetStatus moves the plan through its state machine.
func (s *PlanStore) SetStatus(ctx context.Context, planID string, status domain.PlanStatus, diagnostic string, finished bool) error {
	return s.update(planID, func(plan *domain.Plan, now time.Time) error {
		if !domain.CanTransition(plan.Status, status) {
			return domain.Conflictf("plan %s cannot move from %s to %s", planID, plan.Status, status)
		}
		plan.Status = status
		plan.Diagnostic = diagnostic
		if finished {
			plan.FinishedAt = &now
		}
		return nil
	})
}

// AppendPaths adds paths after the existing ones.
func (s *PlanStore) AppendPaths(ctx context.Context, planID string, paths []domain.Path) error {
	return s.update(planID, func(plan *domain.Plan, _ time.Time) error {
		for _, p := range paths {
			if _, exists := plan.Path(p.ID); exists {
				return domain.Conflictf("path %s already in plan %s", p.ID, planID)
			}
		}
		for _, p := range paths {
			plan.Paths = append(plan.Paths, p.Clone())
		}
		plan.TotalPathsValid = len(plan.Paths)
		return nil
	})
}

// SaveClusters replaces the cluster index and re-attributes paths.
func (s *PlanStore) SaveClusters(ctx context.Context, planID string, clusters []domain.PathCluster) error {
	return s.update(planID, func(plan *domain.Plan, _ time.Time) error {
		plan.Clusters = make([]domain.PathCluster, len(clusters))
		owner := make(map[string]string)
		for i, c := range clusters {
			plan.Clusters[i] = c.Clone()
			for _, id := range c.MemberIDs {
				owner[id] = c.ID
			}
		}
		for i := range plan.Paths {
			plan.Paths[i].ClusterID = owner[plan.Paths[i].ID]
		}
		return nil
	})
}

// SetPathStatus updates the status field of one path.
func (s *PlanStore) SetPathStatus(ctx context.Context, planID, pathID string, status domain.PathStatus) error {
	return s.update(planID, func(plan *domain.Plan, _ time.Time) error {
		path, ok := plan.Path(pathID)
		if !ok {
			return domain.NotFoundf("path %s in plan %s", pathID, planID)
		}
		if status == domain.PathBranched && path.Status == domain.PathBranched {
			return domain.Conflictf("path %s is already branched", pathID)
		}
		path.Status = status
		return nil
	})
}

// List returns the stored plan ids in sorted order.
func (s *PlanStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *PlanStore) update(planID string, fn func(plan *domain.Plan, now time.Time) error) error {
	if err := validID(planID); err != nil {
		return domain.NotFoundf("plan %s", planID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, err := s.read(planID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := fn(plan, now); err != nil {
		return err
	}
	plan.UpdatedAt = now
	return s.write(plan)
}

func (s *PlanStore) read(planID string) (*domain.Plan, error) {
	data, err := os.ReadFile(s.path(planID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundf("plan %s", planID)
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, domain.Faultf("plan %s is corrupt: %v", planID, err)
	}
	return &plan, nil
}

// write replaces the plan document atomically.
func (s *PlanStore) write(plan *domain.Plan) error {
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to ensure plan directory: %w", err)
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	// Same directory, so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(s.BasePath, "tmp-"+plan.ID+"-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Rename replaces dest atomically, so readers see the old or the new plan.
	if err := os.Rename(tmpPath, s.path(plan.ID)); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
