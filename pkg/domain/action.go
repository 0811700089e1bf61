package domain

import (
	"math"
	"sort"
)

// EffectOp is the closed set of state changes an action outcome can apply.
type EffectOp string

const (
	// EffectSet assigns Value to the variable.
	EffectSet EffectOp = "set"
	// EffectAdd adds Value to the variable.
	EffectAdd EffectOp = "add"
	// EffectScale multiplies the variable by Value.
	EffectScale EffectOp = "scale"
	// EffectClamp bounds the variable to [Min, Max].
	EffectClamp EffectOp = "clamp"
)

// Effect is one tagged state change. Catalog loading guarantees Op is one of the
// known variants, so Apply never sees an unknown tag.
type Effect struct {
	Op       EffectOp `json:"op" yaml:"op" mapstructure:"op"`
	Variable string   `json:"variable" yaml:"variable" mapstructure:"variable"`
	Value    float64  `json:"value,omitempty" yaml:"value,omitempty" mapstructure:"value"`
	Min      float64  `json:"min,omitempty" yaml:"min,omitempty" mapstructure:"min"`
	Max      float64  `json:"max,omitempty" yaml:"max,omitempty" mapstructure:"max"`
}

// Apply mutates s in place.
func (e Effect) Apply(s WorldState) {
	switch e.Op {
	case EffectSet:
		s[e.Variable] = e.Value
	case EffectAdd:
		s[e.Variable] = s.Get(e.Variable) + e.Value
	case EffectScale:
		s[e.Variable] = s.Get(e.Variable) * e.Value
	case EffectClamp:
		s[e.Variable] = math.Min(math.Max(s.Get(e.Variable), e.Min), e.Max)
	}
}

// Outcome is one probabilistic branch of an action.
type Outcome struct {
	Label       string   `json:"label,omitempty" yaml:"label,omitempty" mapstructure:"label"`
	Probability float64  `json:"probability" yaml:"probability" mapstructure:"probability"`
	Effects     []Effect `json:"effects" yaml:"effects" mapstructure:"effects"`
}

// Apply returns a new state with every effect of the outcome applied in order.
func (o Outcome) Apply(s WorldState) WorldState {
	next := s.Clone()
	for _, e := range o.Effects {
		e.Apply(next)
	}
	return next
}

// Action is an available move with preconditions and outcomes.
// A deterministic action has a single outcome with probability 1.
type Action struct {
	ID            string      `json:"id" yaml:"id" mapstructure:"id"`
	Name          string      `json:"name" yaml:"name" mapstructure:"name"`
	Domain        string      `json:"domain" yaml:"domain" mapstructure:"domain"`
	Preconditions []Predicate `json:"preconditions,omitempty" yaml:"preconditions,omitempty" mapstructure:"preconditions"`
	Outcomes      []Outcome   `json:"outcomes" yaml:"outcomes" mapstructure:"outcomes"`
	BaseCost      float64     `json:"base_cost,omitempty" yaml:"base_cost,omitempty" mapstructure:"base_cost"`
}

// Legal reports whether every precondition holds in s.
func (a *Action) Legal(s WorldState) bool {
	for _, p := range a.Preconditions {
		if !p.Holds(s) {
			return false
		}
	}
	return true
}

// Catalog is a versioned, read-only set of actions for one domain.
type Catalog struct {
	Domain  string   `json:"domain" yaml:"domain" mapstructure:"domain"`
	Version string   `json:"version" yaml:"version" mapstructure:"version"`
	Actions []Action `json:"actions" yaml:"actions" mapstructure:"actions"`
}

// probabilityTolerance is the allowed drift of outcome probabilities from 1.
const probabilityTolerance = 1e-9

// Validate checks every action once so the search loop can trust the catalog.
// It also sorts actions by id, which fixes the expansion order.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Actions))
	for i := range c.Actions {
		a := &c.Actions[i]
		field := "catalog.actions." + a.ID
		if a.ID == "" {
			errs = append(errs, Invalid("catalog.actions", "action id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, Invalid(field, "duplicate action id", a.ID))
		}
		seen[a.ID] = true
		if a.Domain != "" && c.Domain != "" && a.Domain != c.Domain {
			errs = append(errs, Invalid(field+".domain", "does not match catalog domain", a.Domain))
		}
		if a.BaseCost < 0 {
			errs = append(errs, Invalid(field+".base_cost", "must not be negative", a.BaseCost))
		}
		for _, p := range a.Preconditions {
			if !p.Op.Valid() || p.Variable == "" {
				errs = append(errs, Invalid(field+".preconditions", "malformed predicate", p.String()))
			}
		}
		if len(a.Outcomes) == 0 {
			errs = append(errs, Invalid(field+".outcomes", "at least one outcome is required", nil))
			continue
		}
		total := 0.0
		for _, o := range a.Outcomes {
			if o.Probability <= 0 || o.Probability > 1 {
				errs = append(errs, Invalid(field+".outcomes.probability", "must be in (0,1]", o.Probability))
			}
			total += o.Probability
			for _, e := range o.Effects {
				if err := validateEffect(field, e); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if math.Abs(total-1) > probabilityTolerance {
			errs = append(errs, Invalid(field+".outcomes", "probabilities must sum to 1", total))
		}
	}
	if len(errs) == 0 {
		sort.SliceStable(c.Actions, func(i, j int) bool { return c.Actions[i].ID < c.Actions[j].ID })
	}
	return Join(errs)
}

func validateEffect(field string, e Effect) error {
	if e.Variable == "" {
		return Invalid(field+".effects", "variable is required", string(e.Op))
	}
	switch e.Op {
	case EffectSet, EffectAdd, EffectScale:
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			return Invalid(field+".effects."+e.Variable, "value must be finite", e.Value)
		}
	case EffectClamp:
		if e.Min > e.Max {
			return Invalid(field+".effects."+e.Variable, "clamp min exceeds max", e.Min)
		}
	default:
		return Invalid(field+".effects."+e.Variable, "unknown effect op", string(e.Op))
	}
	return nil
}

// Variables returns every variable an effect in the catalog can write, sorted.
func (c *Catalog) Variables() []string {
	seen := make(map[string]bool)
	for _, a := range c.Actions {
		for _, o := range a.Outcomes {
			for _, e := range o.Effects {
				seen[e.Variable] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the action with the given id.
func (c *Catalog) Lookup(id string) (*Action, bool) {
	for i := range c.Actions {
		if c.Actions[i].ID == id {
			return &c.Actions[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy. Catalogs handed out by providers are shared, so
// anything that may reorder or edit a catalog works on a clone.
func (c *Catalog) Clone() *Catalog {
	if c == nil {
		return nil
	}
	out := *c
	out.Actions = make([]Action, len(c.Actions))
	for i, a := range c.Actions {
		a.Preconditions = append([]Predicate(nil), a.Preconditions...)
		outcomes := make([]Outcome, len(a.Outcomes))
		for j, o := range a.Outcomes {
			o.Effects = append([]Effect(nil), o.Effects...)
			outcomes[j] = o
		}
		a.Outcomes = outcomes
		out.Actions[i] = a
	}
	return &out
}
