// Package utility scores state trajectories against a persona's utility model.
//
// The evaluator is pure: identical persona and trajectory always produce the
// same score, bit for bit. Variables are visited in sorted order so float
// summation never depends on map iteration.
package utility

import (
	"math"
	"sort"

	"github.com/aretw0/arbor/pkg/domain"
)

// Score is the evaluation of a whole trajectory.
type Score struct {
	// Total is the discounted, loss-adjusted utility minus costs and penalties.
	Total float64
	// Contributions is the weighted, discounted utility per dimension.
	Contributions map[domain.Dimension]float64
	// Cost is the discounted sum of action base costs.
	Cost float64
	// Penalty is the sum of soft-constraint penalties over all steps.
	Penalty float64
}

// StepScore is the evaluation of a single transition.
type StepScore struct {
	Utility       float64
	Contributions map[domain.Dimension]float64
	Cost          float64
	Penalty       float64
}

// Evaluator scores trajectories for one persona.
type Evaluator struct {
	persona *domain.Persona
	weights map[domain.Dimension]float64
	gamma   float64
}

// New returns an evaluator for the persona. The persona must already be valid.
func New(p *domain.Persona) *Evaluator {
	return &Evaluator{
		persona: p,
		weights: p.NormalizedWeights(),
		gamma:   math.Pow(p.DiscountFactor, 1+p.TimePreference),
	}
}

// Gamma is the effective per-step discount.
func (e *Evaluator) Gamma() float64 { return e.gamma }

// Discount returns gamma^step.
func (e *Evaluator) Discount(step int) float64 {
	return math.Pow(e.gamma, float64(step))
}

// Weight returns the normalized weight of a dimension.
func (e *Evaluator) Weight(d domain.Dimension) float64 { return e.weights[d] }

// Gains returns the scaled, unweighted change of every dimension between two states.
func (e *Evaluator) Gains(prev, next domain.WorldState) map[domain.Dimension]float64 {
	gains := make(map[domain.Dimension]float64)
	for _, v := range unionKeys(prev, next) {
		delta := next.Get(v) - prev.Get(v)
		if delta == 0 {
			continue
		}
		dim, scale := e.persona.Bind(v)
		gains[dim] += delta * scale
	}
	return gains
}

// CheckHard returns a *domain.ConstraintViolation for the first hard constraint
// the state breaks, or nil.
func (e *Evaluator) CheckHard(s domain.WorldState, step int) error {
	for _, c := range e.persona.HardConstraints {
		if !c.Holds(s) {
			return &domain.ConstraintViolation{Constraint: c, Step: step, Value: s.Get(c.Variable)}
		}
	}
	return nil
}

// Penalty returns Σ penalty_weight × severity over violated soft constraints.
func (e *Evaluator) Penalty(s domain.WorldState) float64 {
	total := 0.0
	for _, c := range e.persona.SoftConstraints {
		total += c.PenaltyWeight * c.Predicate.Severity(s)
	}
	return total
}

// Step scores the transition prev → next taken as step number step (1-based).
// A hard-constraint violation in next is returned as an error wrapping
// domain.ErrConstraintViolated; the score is not computed in that case.
func (e *Evaluator) Step(step int, prev, next domain.WorldState, baseCost float64) (StepScore, error) {
	if err := e.CheckHard(next, step); err != nil {
		return StepScore{}, err
	}
	discount := e.Discount(step)
	gains := e.Gains(prev, next)

	out := StepScore{Contributions: make(map[domain.Dimension]float64, len(gains))}
	for _, dim := range sortedDims(gains) {
		w := e.weights[dim]
		if w == 0 {
			continue
		}
		c := discount * w * e.adjust(gains[dim])
		out.Contributions[dim] = c
		out.Utility += c
	}
	out.Cost = discount * baseCost
	out.Penalty = e.Penalty(next)
	out.Utility -= out.Cost + out.Penalty
	return out, nil
}

// Evaluate scores a trajectory. states[0] is the start state; costs[i] is the base
// cost of the action leading to states[i+1]. Missing costs count as zero.
func (e *Evaluator) Evaluate(states []domain.WorldState, costs []float64) (Score, error) {
	score := Score{Contributions: make(map[domain.Dimension]float64)}
	if len(states) == 0 {
		return score, nil
	}
	if err := e.CheckHard(states[0], 0); err != nil {
		return score, err
	}
	for i := 1; i < len(states); i++ {
		cost := 0.0
		if i-1 < len(costs) {
			cost = costs[i-1]
		}
		s, err := e.Step(i, states[i-1], states[i], cost)
		if err != nil {
			return score, err
		}
		score.Add(s)
	}
	return score, nil
}

// Add folds one step into the running score.
func (s *Score) Add(step StepScore) {
	if s.Contributions == nil {
		s.Contributions = make(map[domain.Dimension]float64)
	}
	for _, dim := range sortedDims(step.Contributions) {
		s.Contributions[dim] += step.Contributions[dim]
	}
	s.Total += step.Utility
	s.Cost += step.Cost
	s.Penalty += step.Penalty
}

// Clone returns an independent copy.
func (s Score) Clone() Score {
	c := s
	c.Contributions = make(map[domain.Dimension]float64, len(s.Contributions))
	for k, v := range s.Contributions {
		c.Contributions[k] = v
	}
	return c
}

func (e *Evaluator) adjust(x float64) float64 {
	if x < 0 {
		return e.persona.LossAversion * x
	}
	return x
}

func unionKeys(a, b domain.WorldState) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDims(m map[domain.Dimension]float64) []domain.Dimension {
	dims := make([]domain.Dimension, 0, len(m))
	for d := range m {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}
