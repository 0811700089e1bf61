package search

import (
	"math"
	"sort"

	"github.com/aretw0/arbor/internal/utility"
	"github.com/aretw0/arbor/pkg/domain"
)

// optimist bounds the utility any continuation of a partial path can still add.
// Every variable the catalog touches is tracked as an interval of reachable
// values. Preconditions, probabilities, hard constraints and soft penalties are
// ignored, so the bound never underestimates a real continuation.
type optimist struct {
	persona  *domain.Persona
	eval     *utility.Evaluator
	outcomes []boundOutcome
	vars     []string
}

type boundOutcome struct {
	cost    float64
	effects []domain.Effect
}

type interval struct{ lo, hi float64 }

func (r interval) union(o interval) interval {
	return interval{lo: math.Min(r.lo, o.lo), hi: math.Max(r.hi, o.hi)}
}

func newOptimist(persona *domain.Persona, catalog *domain.Catalog, eval *utility.Evaluator) *optimist {
	o := &optimist{persona: persona, eval: eval}
	seen := make(map[string]bool)
	for _, action := range catalog.Actions {
		for _, outcome := range action.Outcomes {
			o.outcomes = append(o.outcomes, boundOutcome{cost: action.BaseCost, effects: outcome.Effects})
			for _, e := range outcome.Effects {
				if !seen[e.Variable] {
					seen[e.Variable] = true
					o.vars = append(o.vars, e.Variable)
				}
			}
		}
	}
	sort.Strings(o.vars)
	return o
}

// remaining returns the most utility steps depth+1..limit can add to a path
// whose last state is state.
func (o *optimist) remaining(state domain.WorldState, depth, limit int) float64 {
	if depth >= limit || len(o.outcomes) == 0 {
		return 0
	}
	reach := make(map[string]interval, len(o.vars))
	for _, v := range o.vars {
		x := state.Get(v)
		reach[v] = interval{x, x}
	}
	total := 0.0
	for k := depth + 1; k <= limit; k++ {
		best := math.Inf(-1)
		next := make(map[string]interval, len(reach))
		for v, r := range reach {
			next[v] = r
		}
		for _, out := range o.outcomes {
			u, after := o.step(reach, out)
			best = math.Max(best, u)
			for v, r := range after {
				next[v] = next[v].union(r)
			}
		}
		if best > 0 {
			total += o.eval.Discount(k) * best
		}
		reach = next
	}
	return total
}

// step bounds the undiscounted utility of one outcome applied anywhere in reach
// and returns the intervals it can produce.
func (o *optimist) step(reach map[string]interval, out boundOutcome) (float64, map[string]interval) {
	after := make(map[string]interval, len(out.effects))
	gains := make(map[domain.Dimension]float64)
	for _, e := range out.effects {
		r, ok := after[e.Variable]
		if !ok {
			r = reach[e.Variable]
		}
		lo, hi := deltaBounds(e, r)
		dim, scale := o.persona.Bind(e.Variable)
		if scale >= 0 {
			gains[dim] += scale * hi
		} else {
			gains[dim] += scale * lo
		}
		after[e.Variable] = applyBounds(e, r)
	}
	dims := make([]domain.Dimension, 0, len(gains))
	for d := range gains {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

	u := -out.cost
	for _, d := range dims {
		g := gains[d]
		if g < 0 {
			g *= o.persona.LossAversion
		}
		u += o.eval.Weight(d) * g
	}
	return u, after
}

// deltaBounds bounds the change an effect makes to a value in r.
func deltaBounds(e domain.Effect, r interval) (float64, float64) {
	switch e.Op {
	case domain.EffectSet:
		return e.Value - r.hi, e.Value - r.lo
	case domain.EffectAdd:
		return e.Value, e.Value
	case domain.EffectScale:
		a, b := r.lo*(e.Value-1), r.hi*(e.Value-1)
		return math.Min(a, b), math.Max(a, b)
	case domain.EffectClamp:
		return math.Min(0, e.Max-r.hi), math.Max(0, e.Min-r.lo)
	}
	return 0, 0
}

// applyBounds returns the interval an effect maps r onto.
func applyBounds(e domain.Effect, r interval) interval {
	switch e.Op {
	case domain.EffectSet:
		return interval{e.Value, e.Value}
	case domain.EffectAdd:
		return interval{r.lo + e.Value, r.hi + e.Value}
	case domain.EffectScale:
		a, b := r.lo*e.Value, r.hi*e.Value
		return interval{math.Min(a, b), math.Max(a, b)}
	case domain.EffectClamp:
		return interval{math.Min(math.Max(r.lo, e.Min), e.Max), math.Min(math.Max(r.hi, e.Min), e.Max)}
	}
	return r
}
