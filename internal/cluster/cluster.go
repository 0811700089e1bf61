// Package cluster groups candidate paths into deterministic clusters.
//
// Grouping is k-medoids over Features with farthest-point initialisation
// seeded from the best path. The output always partitions the input: every
// path id appears in exactly one cluster.
package cluster

import (
	"fmt"
	"sort"

	"github.com/aretw0/arbor/pkg/domain"
)

const maxRounds = 10

// Partition clusters paths into at most maxClusters groups. With clustering
// disabled (or maxClusters <= 0) every path forms its own cluster.
func Partition(start domain.WorldState, paths []domain.Path, maxClusters int, enabled bool) []domain.PathCluster {
	if len(paths) == 0 {
		return []domain.PathCluster{}
	}
	ordered := make([]*domain.Path, len(paths))
	for i := range paths {
		ordered[i] = &paths[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	space := NewSpace(start, paths)
	feats := make([]Features, len(ordered))
	for i, p := range ordered {
		feats[i] = space.Features(p)
	}

	var groups [][]int
	var medoids []int
	if !enabled || maxClusters <= 0 {
		for i := range ordered {
			groups = append(groups, []int{i})
			medoids = append(medoids, i)
		}
	} else {
		medoids, groups = kMedoids(ordered, feats, maxClusters)
	}

	clusters := make([]domain.PathCluster, 0, len(groups))
	for g, members := range groups {
		if len(members) == 0 {
			continue
		}
		rep := members[0]
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = ordered[m].ID
			if better(ordered[m], ordered[rep]) {
				rep = m
			}
		}
		clusters = append(clusters, domain.PathCluster{
			RepresentativeID: ordered[rep].ID,
			MemberIDs:        ids,
			MedoidID:         ordered[medoids[g]].ID,
			Centroid:         space.Signature(feats[medoids[g]]),
			PrefixLen:        PrefixLen,
			Size:             len(ids),
			Frame:            space.Frame(),
		})
	}

	utility := make(map[string]float64, len(ordered))
	for _, p := range ordered {
		utility[p.ID] = p.UtilityScore
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		ui, uj := utility[clusters[i].RepresentativeID], utility[clusters[j].RepresentativeID]
		if ui != uj {
			return ui > uj
		}
		return clusters[i].RepresentativeID < clusters[j].RepresentativeID
	})
	for i := range clusters {
		clusters[i].ID = domain.FormatClusterID(i + 1)
	}
	return clusters
}

// better reports whether a outranks b as a representative.
func better(a, b *domain.Path) bool {
	if a.UtilityScore != b.UtilityScore {
		return a.UtilityScore > b.UtilityScore
	}
	return a.ID < b.ID
}

func kMedoids(paths []*domain.Path, feats []Features, k int) ([]int, [][]int) {
	best := 0
	for i := range paths {
		if better(paths[i], paths[best]) {
			best = i
		}
	}
	medoids := []int{best}
	nearest := make([]float64, len(paths))
	for i := range paths {
		nearest[i] = Distance(feats[i], feats[best])
	}
	for len(medoids) < k {
		far, farDist := -1, 0.0
		for i, d := range nearest {
			if d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			break
		}
		medoids = append(medoids, far)
		for i := range paths {
			if d := Distance(feats[i], feats[far]); d < nearest[i] {
				nearest[i] = d
			}
		}
	}

	groups := assign(feats, medoids)
	for round := 0; round < maxRounds; round++ {
		changed := false
		for g, members := range groups {
			if len(members) == 0 {
				continue
			}
			m := medoidOf(feats, members)
			if m != medoids[g] {
				medoids[g] = m
				changed = true
			}
		}
		if !changed {
			break
		}
		groups = assign(feats, medoids)
	}
	return medoids, groups
}

func assign(feats []Features, medoids []int) [][]int {
	groups := make([][]int, len(medoids))
	for i := range feats {
		g := nearestIndex(feats[i], feats, medoids)
		groups[g] = append(groups[g], i)
	}
	return groups
}

func nearestIndex(f Features, feats []Features, medoids []int) int {
	best, bestDist := 0, Distance(f, feats[medoids[0]])
	for g := 1; g < len(medoids); g++ {
		if d := Distance(f, feats[medoids[g]]); d < bestDist {
			best, bestDist = g, d
		}
	}
	return best
}

// medoidOf returns the member with the smallest total distance to the others.
// Members are in path id order, so ties resolve to the lowest id.
func medoidOf(feats []Features, members []int) int {
	best, bestCost := members[0], -1.0
	for _, c := range members {
		cost := 0.0
		for _, o := range members {
			cost += Distance(feats[c], feats[o])
		}
		if bestCost < 0 || cost < bestCost {
			best, bestCost = c, cost
		}
	}
	return best
}

// Assigner maps new paths to the nearest existing cluster medoid.
type Assigner struct {
	space   *Space
	ids     []string
	medoids []Features
}

// NewAssigner locates each cluster's medoid in the feature space the clusters
// were published with. Clusters saved without a frame fall back to a space
// derived from paths.
func NewAssigner(start domain.WorldState, paths []domain.Path, clusters []domain.PathCluster) (*Assigner, error) {
	byID := make(map[string]*domain.Path, len(paths))
	for i := range paths {
		byID[paths[i].ID] = &paths[i]
	}
	a := &Assigner{space: spaceFor(start, paths, clusters)}
	for _, c := range clusters {
		m, ok := byID[c.MedoidID]
		if !ok {
			return nil, domain.Faultf("cluster %s medoid %s is not a plan path", c.ID, c.MedoidID)
		}
		a.ids = append(a.ids, c.ID)
		a.medoids = append(a.medoids, a.space.Features(m))
	}
	if len(a.ids) == 0 {
		return nil, fmt.Errorf("no clusters: %w", domain.ErrNotFound)
	}
	return a, nil
}

// Nearest returns the id of the cluster whose medoid is closest to p.
// Ties go to the cluster listed first.
func (a *Assigner) Nearest(p *domain.Path) string {
	f := a.space.Features(p)
	best, bestDist := 0, Distance(f, a.medoids[0])
	for i := 1; i < len(a.medoids); i++ {
		if d := Distance(f, a.medoids[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return a.ids[best]
}

func spaceFor(start domain.WorldState, paths []domain.Path, clusters []domain.PathCluster) *Space {
	if len(clusters) > 0 && clusters[0].Frame != nil {
		return SpaceFrom(start, *clusters[0].Frame)
	}
	return NewSpace(start, paths)
}

// Extend attributes new paths to published clusters without moving any
// existing member. Each path joins the cluster of its nearest medoid. With
// clustering disabled every new path gets a cluster of its own, numbered after
// the existing ones.
func Extend(start domain.WorldState, clusters []domain.PathCluster, published, added []domain.Path, enabled bool) ([]domain.PathCluster, error) {
	out := make([]domain.PathCluster, len(clusters))
	for i := range clusters {
		out[i] = clusters[i].Clone()
	}
	if len(added) == 0 {
		return out, nil
	}
	if !enabled {
		space := spaceFor(start, published, clusters)
		for i := range added {
			p := &added[i]
			out = append(out, domain.PathCluster{
				ID:               domain.FormatClusterID(len(out) + 1),
				RepresentativeID: p.ID,
				MemberIDs:        []string{p.ID},
				MedoidID:         p.ID,
				Centroid:         space.Signature(space.Features(p)),
				PrefixLen:        PrefixLen,
				Size:             1,
				Frame:            space.Frame(),
			})
		}
		return out, nil
	}

	a, err := NewAssigner(start, published, clusters)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]domain.Path, len(clusters))
	for i := range added {
		id := a.Nearest(&added[i])
		groups[id] = append(groups[id], added[i])
	}
	for i, c := range out {
		if g := groups[c.ID]; len(g) > 0 {
			out[i] = Attach(c, published, g)
		}
	}
	return out, nil
}

// Attach adds expanded paths to a cluster and recomputes its representative.
// Existing members keep their position.
func Attach(c domain.PathCluster, all []domain.Path, added []domain.Path) domain.PathCluster {
	out := c.Clone()
	for _, p := range added {
		out.MemberIDs = append(out.MemberIDs, p.ID)
	}
	out.Size = len(out.MemberIDs)

	members := make(map[string]bool, len(out.MemberIDs))
	for _, id := range out.MemberIDs {
		members[id] = true
	}
	var rep *domain.Path
	consider := func(p *domain.Path) {
		if members[p.ID] && (rep == nil || better(p, rep)) {
			rep = p
		}
	}
	for i := range all {
		consider(&all[i])
	}
	for i := range added {
		consider(&added[i])
	}
	if rep != nil {
		out.RepresentativeID = rep.ID
	}
	return out
}
