package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

// setPathStatus updates one path status; moving to branched is compare-and-swap.
// Returns -1 for an unknown path and 0 when the path is already branched.
var setPathStatus = backend.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return -1
end
if ARGV[2] == 'branched' and cur == 'branched' then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// PlanStore implements ports.PlanStore on Redis.
//
// A plan is split over several keys so paths stay append-only: the header
// (plan without paths and clusters), a list of path documents that are never
// rewritten, a hash of path statuses and the cluster index.
type PlanStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewPlanStore creates a plan store over an existing client.
func NewPlanStore(client *backend.Client, opts ...Option) *PlanStore {
	o := buildOptions(opts)
	return &PlanStore{
		client: client,
		prefix: o.prefix,
		ttl:    o.ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PlanStore) headerKey(id string) string   { return s.prefix + "plan:" + id }
func (s *PlanStore) pathsKey(id string) string    { return s.prefix + "plan:" + id + ":paths" }
func (s *PlanStore) statusKey(id string) string   { return s.prefix + "plan:" + id + ":path_status" }
func (s *PlanStore) clustersKey(id string) string { return s.prefix + "plan:" + id + ":clusters" }
func (s *PlanStore) indexKey() string             { return s.prefix + "plans" }

func (s *PlanStore) expire(ctx context.Context, pipe backend.Pipeliner, id string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range []string{s.headerKey(id), s.pathsKey(id), s.statusKey(id), s.clustersKey(id)} {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// Create persists a new plan header. Paths and clusters of the argument are
// stored as well so a plan can be copied between stores.
func (s *PlanStore) Create(ctx context.Context, plan *domain.Plan) error {
	header := plan.Clone()
	paths, clusters := header.Paths, header.Clusters
	header.Paths, header.Clusters = nil, nil
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.headerKey(plan.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create plan in redis: %w", err)
	}
	if !ok {
		return domain.Conflictf("plan %s already exists", plan.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: 0, Member: plan.ID})
		if err := s.pushPaths(ctx, pipe, plan.ID, paths); err != nil {
			return err
		}
		if clusters != nil {
			if err := s.setClusters(ctx, pipe, plan.ID, clusters); err != nil {
				return err
			}
		}
		s.expire(ctx, pipe, plan.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index plan: %w", err)
	}
	return nil
}

func (s *PlanStore) pushPaths(ctx context.Context, pipe backend.Pipeliner, planID string, paths []domain.Path) error {
	if len(paths) == 0 {
		return nil
	}
	docs := make([]any, len(paths))
	statuses := make([]any, 0, 2*len(paths))
	for i, p := range paths {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal path %s: %w", p.ID, err)
		}
		docs[i] = data
		status := p.Status
		if status == "" {
			status = domain.PathCandidate
		}
		statuses = append(statuses, p.ID, string(status))
	}
	pipe.RPush(ctx, s.pathsKey(planID), docs...)
	pipe.HSet(ctx, s.statusKey(planID), statuses...)
	return nil
}

func (s *PlanStore) setClusters(ctx context.Context, pipe backend.Pipeliner, planID string, clusters []domain.PathCluster) error {
	data, err := json.Marshal(clusters)
	if err != nil {
		return fmt.Errorf("failed to marshal clusters: %w", err)
	}
	pipe.Set(ctx, s.clustersKey(planID), data, s.ttl)
	return nil
}

// Get assembles the plan from its keys.
func (s *PlanStore) Get(ctx context.Context, planID string) (*domain.Plan, error) {
	pipe := s.client.Pipeline()
	headerCmd := pipe.Get(ctx, s.headerKey(planID))
	pathsCmd := pipe.LRange(ctx, s.pathsKey(planID), 0, -1)
	statusCmd := pipe.HGetAll(ctx, s.statusKey(planID))
	clustersCmd := pipe.Get(ctx, s.clustersKey(planID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to get plan from redis: %w", err)
	}

	raw, err := headerCmd.Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, domain.NotFoundf("plan %s", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan from redis: %w", err)
	}
	var plan domain.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	owner := map[string]string{}
	if data, err := clustersCmd.Bytes(); err == nil {
		if err := json.Unmarshal(data, &plan.Clusters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal clusters: %w", err)
		}
		for _, c := range plan.Clusters {
			for _, id := range c.MemberIDs {
				owner[id] = c.ID
			}
		}
	}

	statuses := statusCmd.Val()
	docs := pathsCmd.Val()
	plan.Paths = make([]domain.Path, len(docs))
	for i, doc := range docs {
		p := &plan.Paths[i]
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal path: %w", err)
		}
		if st, ok := statuses[p.ID]; ok {
			p.Status = domain.PathStatus(st)
		}
		if plan.Clusters != nil {
			p.ClusterID = owner[p.ID]
		}
	}
	plan.TotalPathsValid = len(plan.Paths)
	return &plan, nil
}

// update runs fn on the plan header inside an optimistic WATCH transaction.
// The pipelined writes of extra run in the same MULTI as the header rewrite.
func (s *PlanStore) update(ctx context.Context, planID string, fn func(tx *backend.Tx, plan *domain.Plan) error, extra func(pipe backend.Pipeliner) error) error {
	key := s.headerKey(planID)
	txf := func(tx *backend.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, backend.Nil) {
			return domain.NotFoundf("plan %s", planID)
		}
		if err != nil {
			return err
		}
		var plan domain.Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return fmt.Errorf("failed to unmarshal plan: %w", err)
		}
		if err := fn(tx, &plan); err != nil {
			return err
		}
		plan.UpdatedAt = s.now()
		data, err := json.Marshal(&plan)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if extra != nil {
				if err := extra(pipe); err != nil {
					return err
				}
			}
			s.expire(ctx, pipe, planID)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key, s.statusKey(planID))
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.Conflictf("plan %s is being updated concurrently", planID)
}

// SetStatus moves the plan through its state machine.
func (s *PlanStore) SetStatus(ctx context.Context, planID string, status domain.PlanStatus, diagnostic string, finished bool) error {
	return s.update(ctx, planID, func(_ *backend.Tx, plan *domain.Plan) error {
		if !domain.CanTransition(plan.Status, status) {
			return domain.Conflictf("plan %s cannot move from %s to %s", planID, plan.Status, status)
		}
		plan.Status = status
		plan.Diagnostic = diagnostic
		if finished {
			now := s.now()
			plan.FinishedAt = &now
		}
		return nil
	}, nil)
}

// AppendPaths pushes new path documents after the existing ones.
func (s *PlanStore) AppendPaths(ctx context.Context, planID string, paths []domain.Path) error {
	ids := make([]string, len(paths))
	for i, p := range paths {
		ids[i] = p.ID
	}
	return s.update(ctx, planID, func(tx *backend.Tx, plan *domain.Plan) error {
		if len(ids) == 0 {
			return nil
		}
		existing, err := tx.HMGet(ctx, s.statusKey(planID), ids...).Result()
		if err != nil {
			return err
		}
		for i, v := range existing {
			if v != nil {
				return domain.Conflictf("path %s already in plan %s", ids[i], planID)
			}
		}
		return nil
	}, func(pipe backend.Pipeliner) error {
		return s.pushPaths(ctx, pipe, planID, paths)
	})
}

// SaveClusters replaces the cluster index. Path attribution is derived from it on read.
func (s *PlanStore) SaveClusters(ctx context.Context, planID string, clusters []domain.PathCluster) error {
	if clusters == nil {
		clusters = []domain.PathCluster{}
	}
	return s.update(ctx, planID, func(*backend.Tx, *domain.Plan) error { return nil }, func(pipe backend.Pipeliner) error {
		return s.setClusters(ctx, pipe, planID, clusters)
	})
}

// SetPathStatus updates one path status atomically.
func (s *PlanStore) SetPathStatus(ctx context.Context, planID, pathID string, status domain.PathStatus) error {
	res, err := setPathStatus.Run(ctx, s.client, []string{s.statusKey(planID)}, pathID, string(status)).Int()
	if err != nil {
		return fmt.Errorf("failed to set path status: %w", err)
	}
	switch res {
	case -1:
		return domain.NotFoundf("path %s in plan %s", pathID, planID)
	case 0:
		return domain.Conflictf("path %s is already branched", pathID)
	}
	return nil
}

// List returns the indexed plan ids in sorted order, dropping expired ones.
func (s *PlanStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	if s.ttl <= 0 || len(ids) == 0 {
		return ids, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*backend.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.headerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check plans: %w", err)
	}
	live := ids[:0]
	var gone []any
	for i, id := range ids {
		if exists[i].Val() == 1 {
			live = append(live, id)
		} else {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), gone...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired plans: %w", err)
		}
	}
	return live, nil
}
