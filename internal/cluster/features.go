package cluster

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

const (
	// PrefixLen is how many leading actions take part in the features.
	PrefixLen = 3
	// UtilityBuckets is the resolution of the utility feature.
	UtilityBuckets = 8
	// bucketFraction of a variable's start magnitude is one terminal-state bucket.
	bucketFraction = 0.1
)

// Features is the clustering signature of one path.
type Features struct {
	Prefix  []string
	Buckets []int
	Utility int
}

// Space fixes the variables, bucket widths and utility range that features are
// computed against, so that paths of one plan are comparable.
type Space struct {
	start  domain.WorldState
	vars   []string
	widths []float64
	umin   float64
	umax   float64
}

// NewSpace derives the feature space from the start state and a path set.
func NewSpace(start domain.WorldState, paths []domain.Path) *Space {
	seen := make(map[string]bool, len(start))
	for k := range start {
		seen[k] = true
	}
	umin, umax := math.Inf(1), math.Inf(-1)
	for i := range paths {
		for k := range paths[i].Terminal() {
			seen[k] = true
		}
		umin = math.Min(umin, paths[i].UtilityScore)
		umax = math.Max(umax, paths[i].UtilityScore)
	}
	if len(paths) == 0 {
		umin, umax = 0, 0
	}

	vars := make([]string, 0, len(seen))
	for k := range seen {
		vars = append(vars, k)
	}
	sort.Strings(vars)
	return newSpace(start, vars, umin, umax)
}

// SpaceFrom rebuilds a published feature space.
func SpaceFrom(start domain.WorldState, frame domain.ClusterFrame) *Space {
	return newSpace(start, append([]string(nil), frame.Variables...), frame.UtilityMin, frame.UtilityMax)
}

func newSpace(start domain.WorldState, vars []string, umin, umax float64) *Space {
	widths := make([]float64, len(vars))
	for i, v := range vars {
		w := math.Abs(start.Get(v)) * bucketFraction
		if w == 0 {
			w = 1
		}
		widths[i] = w
	}
	return &Space{start: start, vars: vars, widths: widths, umin: umin, umax: umax}
}

// Frame returns the variables and utility range of the space.
func (s *Space) Frame() *domain.ClusterFrame {
	return &domain.ClusterFrame{
		Variables:  append([]string(nil), s.vars...),
		UtilityMin: s.umin,
		UtilityMax: s.umax,
	}
}

// Features computes the signature of a path.
func (s *Space) Features(p *domain.Path) Features {
	ids := p.ActionIDs()
	if len(ids) > PrefixLen {
		ids = ids[:PrefixLen]
	}
	terminal := p.Terminal()
	buckets := make([]int, len(s.vars))
	for i, v := range s.vars {
		buckets[i] = int(math.Floor((terminal.Get(v) - s.start.Get(v)) / s.widths[i]))
	}
	return Features{Prefix: ids, Buckets: buckets, Utility: s.utilityBucket(p.UtilityScore)}
}

func (s *Space) utilityBucket(u float64) int {
	span := s.umax - s.umin
	if span <= 0 {
		return 0
	}
	b := int(math.Floor((u - s.umin) / span * UtilityBuckets))
	return min(max(b, 0), UtilityBuckets-1)
}

// Distance is prefix mismatch/PrefixLen + mean bucket difference + utility bucket
// difference/UtilityBuckets.
func Distance(a, b Features) float64 {
	mismatch := 0
	for i := 0; i < PrefixLen; i++ {
		var x, y string
		if i < len(a.Prefix) {
			x = a.Prefix[i]
		}
		if i < len(b.Prefix) {
			y = b.Prefix[i]
		}
		if x != y {
			mismatch++
		}
	}
	d := float64(mismatch) / PrefixLen

	if n := max(len(a.Buckets), len(b.Buckets)); n > 0 {
		sum := 0
		for i := 0; i < n; i++ {
			sum += absInt(bucketAt(a.Buckets, i) - bucketAt(b.Buckets, i))
		}
		d += float64(sum) / float64(n)
	}
	return d + float64(absInt(a.Utility-b.Utility))/UtilityBuckets
}

// Signature renders features as a stable string, e.g. "invest>save|cash:1,safety:5|u7".
func (s *Space) Signature(f Features) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(f.Prefix, ">"))
	sb.WriteByte('|')
	for i, v := range s.vars {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(f.Buckets[i]))
	}
	sb.WriteString("|u")
	sb.WriteString(strconv.Itoa(f.Utility))
	return sb.String()
}

func bucketAt(b []int, i int) int {
	if i < len(b) {
		return b[i]
	}
	return 0
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
