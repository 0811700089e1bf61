package domain

import (
	"math"
	"sort"
)

// Dimension is an objective axis of a persona's utility model.
type Dimension string

const (
	DimWealth        Dimension = "wealth"
	DimStatus        Dimension = "status"
	DimSecurity      Dimension = "security"
	DimFreedom       Dimension = "freedom"
	DimRelationships Dimension = "relationships"
	DimHealth        Dimension = "health"
	DimAchievement   Dimension = "achievement"
	DimComfort       Dimension = "comfort"
	DimPower         Dimension = "power"
	DimKnowledge     Dimension = "knowledge"
	DimPleasure      Dimension = "pleasure"
	DimReputation    Dimension = "reputation"
	DimCustom        Dimension = "custom"
)

// Dimensions lists every known dimension in canonical order.
var Dimensions = []Dimension{
	DimWealth, DimStatus, DimSecurity, DimFreedom, DimRelationships, DimHealth,
	DimAchievement, DimComfort, DimPower, DimKnowledge, DimPleasure, DimReputation, DimCustom,
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// variableAliases binds common state variable names to a dimension.
var variableAliases = map[string]Dimension{
	"cash":      DimWealth,
	"money":     DimWealth,
	"savings":   DimWealth,
	"income":    DimWealth,
	"net_worth": DimWealth,
	"safety":    DimSecurity,
	"fitness":   DimHealth,
	"skill":     DimKnowledge,
	"influence": DimPower,
	"fame":      DimReputation,
	"happiness": DimPleasure,
}

// Binding maps a state variable onto a utility dimension.
type Binding struct {
	Dimension Dimension `json:"dimension" yaml:"dimension" mapstructure:"dimension"`
	// Scale multiplies the variable delta before weighting. Zero means 1.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty" mapstructure:"scale"`
}

// SoftConstraint penalizes, but does not prune, steps that violate its predicate.
type SoftConstraint struct {
	Predicate     Predicate `json:"predicate" yaml:"predicate" mapstructure:"predicate"`
	PenaltyWeight float64   `json:"penalty_weight" yaml:"penalty_weight" mapstructure:"penalty_weight"`
}

// Persona is a decision maker with a parameterized utility model.
// A persona is immutable once a plan references it; edits produce a new Version.
type Persona struct {
	ID      string `json:"id" yaml:"id" mapstructure:"id"`
	Version int    `json:"version" yaml:"version" mapstructure:"version"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Domain  string `json:"domain" yaml:"domain" mapstructure:"domain"`

	UtilityWeights map[Dimension]float64 `json:"utility_weights" yaml:"utility_weights" mapstructure:"utility_weights"`
	Bindings       map[string]Binding    `json:"bindings,omitempty" yaml:"bindings,omitempty" mapstructure:"bindings"`

	RiskAversion   float64 `json:"risk_aversion" yaml:"risk_aversion" mapstructure:"risk_aversion"`
	TimePreference float64 `json:"time_preference" yaml:"time_preference" mapstructure:"time_preference"`
	LossAversion   float64 `json:"loss_aversion" yaml:"loss_aversion" mapstructure:"loss_aversion"`

	HardConstraints []Predicate      `json:"hard_constraints,omitempty" yaml:"hard_constraints,omitempty" mapstructure:"hard_constraints"`
	SoftConstraints []SoftConstraint `json:"soft_constraints,omitempty" yaml:"soft_constraints,omitempty" mapstructure:"soft_constraints"`

	InitialState WorldState `json:"initial_state" yaml:"initial_state" mapstructure:"initial_state"`

	PlanningHorizon int     `json:"planning_horizon,omitempty" yaml:"planning_horizon,omitempty" mapstructure:"planning_horizon"`
	DiscountFactor  float64 `json:"discount_factor" yaml:"discount_factor" mapstructure:"discount_factor"`
	ExplorationRate float64 `json:"exploration_rate" yaml:"exploration_rate" mapstructure:"exploration_rate"`
}

// PersonaRef identifies the exact persona version a plan was created with.
type PersonaRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Ref returns the reference to this persona version.
func (p *Persona) Ref() PersonaRef {
	return PersonaRef{ID: p.ID, Version: p.Version}
}

// Validate checks ranges and constraint shapes. It does not check variable names;
// that needs the catalog and start state (see internal/validator).
func (p *Persona) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, Invalid("persona.id", "is required", nil))
	}
	total := 0.0
	for dim, w := range p.UtilityWeights {
		if !dim.Valid() {
			errs = append(errs, Invalid("persona.utility_weights", "unknown dimension", string(dim)))
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, Invalid("persona.utility_weights."+string(dim), "must be a non-negative number", w))
		}
		total += w
	}
	if total <= 0 {
		errs = append(errs, Invalid("persona.utility_weights", "at least one weight must be positive", nil))
	}
	for name, b := range p.Bindings {
		if !b.Dimension.Valid() {
			errs = append(errs, Invalid("persona.bindings."+name, "unknown dimension", string(b.Dimension)))
		}
	}
	if p.RiskAversion < 0 || p.RiskAversion > 1 {
		errs = append(errs, Invalid("persona.risk_aversion", "must be in [0,1]", p.RiskAversion))
	}
	if p.TimePreference < 0 || p.TimePreference > 1 {
		errs = append(errs, Invalid("persona.time_preference", "must be in [0,1]", p.TimePreference))
	}
	if p.LossAversion < 1 {
		errs = append(errs, Invalid("persona.loss_aversion", "must be >= 1", p.LossAversion))
	}
	if p.DiscountFactor <= 0 || p.DiscountFactor > 1 {
		errs = append(errs, Invalid("persona.discount_factor", "must be in (0,1]", p.DiscountFactor))
	}
	if p.ExplorationRate < 0 || p.ExplorationRate > 1 {
		errs = append(errs, Invalid("persona.exploration_rate", "must be in [0,1]", p.ExplorationRate))
	}
	if p.PlanningHorizon < 0 {
		errs = append(errs, Invalid("persona.planning_horizon", "must not be negative", p.PlanningHorizon))
	}
	for i, c := range p.HardConstraints {
		if !c.Op.Valid() || c.Variable == "" {
			errs = append(errs, Invalid("persona.hard_constraints", "malformed predicate", i))
		}
	}
	for i, c := range p.SoftConstraints {
		if !c.Predicate.Op.Valid() || c.Predicate.Variable == "" {
			errs = append(errs, Invalid("persona.soft_constraints", "malformed predicate", i))
		}
		if c.PenaltyWeight < 0 {
			errs = append(errs, Invalid("persona.soft_constraints", "penalty_weight must be non-negative", i))
		}
	}
	return Join(errs)
}

// NormalizedWeights returns the utility weights scaled to sum to one.
func (p *Persona) NormalizedWeights() map[Dimension]float64 {
	total := 0.0
	for _, w := range p.UtilityWeights {
		total += w
	}
	out := make(map[Dimension]float64, len(p.UtilityWeights))
	if total <= 0 {
		return out
	}
	for d, w := range p.UtilityWeights {
		out[d] = w / total
	}
	return out
}

// TopDimension returns the highest-weight dimension. Ties go to canonical order.
func (p *Persona) TopDimension() (Dimension, float64) {
	weights := p.NormalizedWeights()
	best, bestW := DimCustom, -1.0
	for _, d := range Dimensions {
		if w, ok := weights[d]; ok && w > bestW {
			best, bestW = d, w
		}
	}
	if bestW < 0 {
		return DimCustom, 0
	}
	return best, bestW
}

// Bind resolves the dimension and scale for a state variable.
func (p *Persona) Bind(variable string) (Dimension, float64) {
	if b, ok := p.Bindings[variable]; ok {
		scale := b.Scale
		if scale == 0 {
			scale = 1
		}
		return b.Dimension, scale
	}
	if d := Dimension(variable); d.Valid() {
		return d, 1
	}
	if d, ok := variableAliases[variable]; ok {
		return d, 1
	}
	return DimCustom, 1
}

// ConstraintVariables returns every variable referenced by a constraint, sorted.
func (p *Persona) ConstraintVariables() []string {
	seen := make(map[string]bool)
	for _, c := range p.HardConstraints {
		seen[c.Variable] = true
	}
	for _, c := range p.SoftConstraints {
		seen[c.Predicate.Variable] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (p *Persona) Clone() *Persona {
	if p == nil {
		return nil
	}
	c := *p
	c.UtilityWeights = make(map[Dimension]float64, len(p.UtilityWeights))
	for k, v := range p.UtilityWeights {
		c.UtilityWeights[k] = v
	}
	if p.Bindings != nil {
		c.Bindings = make(map[string]Binding, len(p.Bindings))
		for k, v := range p.Bindings {
			c.Bindings[k] = v
		}
	}
	c.HardConstraints = append([]Predicate(nil), p.HardConstraints...)
	c.SoftConstraints = append([]SoftConstraint(nil), p.SoftConstraints...)
	c.InitialState = p.InitialState.Clone()
	return &c
}
