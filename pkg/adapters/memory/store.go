package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
)

// Store implements ports.PlanStore in memory.
// Safe for concurrent use. Plans are copied on write and on read.
type Store struct {
	data map[string]*domain.Plan
	mu   sync.RWMutex
	now  func() time.Time
}

// NewStore creates a new in-memory plan store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Plan),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new plan.
func (s *Store) Create(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[plan.ID]; ok {
		return domain.Conflictf("plan %s already exists", plan.ID)
	}
	s.data[plan.ID] = plan.Clone()
	return nil
}

// Get returns a copy of the plan.
func (s *Store) Get(ctx context.Context, planID string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.data[planID]
	if !ok {
		return nil, domain.NotFoundf("plan %s", planID)
	}
	return plan.Clone(), nil
}

// SetStatus moves the plan through its state machine.
func (s *Store) SetStatus(ctx context.Context, planID string, status domain.PlanStatus, diagnostic string, finished bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.data[planID]
	if !ok {
		return domain.NotFoundf("plan %s", planID)
	}
	if !domain.CanTransition(plan.Status, status) {
		return domain.Conflictf("plan %s cannot move from %s to %s", planID, plan.Status, status)
	}
	now := s.now()
	plan.Status = status
	plan.Diagnostic = diagnostic
	plan.UpdatedAt = now
	if finished {
		plan.FinishedAt = &now
	}
	return nil
}

// AppendPaths adds paths after the existing ones.
func (s *Store) AppendPaths(ctx context.Context, planID string, paths []domain.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.data[planID]
	if !ok {
		return domain.NotFoundf("plan %s", planID)
	}
	for _, p := range paths {
		if _, exists := plan.Path(p.ID); exists {
			return domain.Conflictf("path %s already in plan %s", p.ID, planID)
		}
	}
	for _, p := range paths {
		plan.Paths = append(plan.Paths, p.Clone())
	}
	plan.TotalPathsValid = len(plan.Paths)
	plan.UpdatedAt = s.now()
	return nil
}

// SaveClusters replaces the cluster index and re-attributes paths.
func (s *Store) SaveClusters(ctx context.Context, planID string, clusters []domain.PathCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.data[planID]
	if !ok {
		return domain.NotFoundf("plan %s", planID)
	}
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
	plan.UpdatedAt = s.now()
	return nil
}

// SetPathStatus updates the status field of one path.
func (s *Store) SetPathStatus(ctx context.Context, planID, pathID string, status domain.PathStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.data[planID]
	if !ok {
		return domain.NotFoundf("plan %s", planID)
	}
	path, ok := plan.Path(pathID)
	if !ok {
		return domain.NotFoundf("path %s in plan %s", pathID, planID)
	}
	if status == domain.PathBranched && path.Status == domain.PathBranched {
		return domain.Conflictf("path %s is already branched", pathID)
	}
	path.Status = status
	plan.UpdatedAt = s.now()
	return nil
}

// List returns the stored plan ids in sorted order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
