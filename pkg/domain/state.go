package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// WorldState is a snapshot of named numeric variables.
// Missing variables read as zero.
type WorldState map[string]float64

// Get returns the value of a variable, or 0 if it is unset.
func (s WorldState) Get(name string) float64 {
	return s[name]
}

// Clone returns an independent copy of the state.
func (s WorldState) Clone() WorldState {
	out := make(WorldState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the variable names in sorted order.
func (s WorldState) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a copy of base overridden by s.
func (s WorldState) Merge(base WorldState) WorldState {
	out := base.Clone()
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String renders the state with sorted keys so it can be used as a stable key.
func (s WorldState) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(s[k], 'g', -1, 64))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Operator is the comparison used by a Predicate.
type Operator string

const (
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

// eqTolerance absorbs float noise in equality checks.
const eqTolerance = 1e-9

// Valid reports whether the operator is one of the known comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ, OpNE:
		return true
	}
	return false
}

// Predicate is a comparison of one state variable against a constant.
type Predicate struct {
	Variable string   `json:"variable" yaml:"variable" mapstructure:"variable"`
	Op       Operator `json:"op" yaml:"op" mapstructure:"op"`
	Value    float64  `json:"value" yaml:"value" mapstructure:"value"`
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %g", p.Variable, p.Op, p.Value)
}

// Holds evaluates the predicate against a state.
func (p Predicate) Holds(s WorldState) bool {
	return p.Severity(s) == 0
}

// Severity returns how far the state is from satisfying the predicate.
// Zero means satisfied.
func (p Predicate) Severity(s WorldState) float64 {
	x := s.Get(p.Variable)
	switch p.Op {
	case OpLT:
		if x < p.Value {
			return 0
		}
		return math.Max(x-p.Value, eqTolerance)
	case OpLTE:
		if x <= p.Value {
			return 0
		}
		return x - p.Value
	case OpGT:
		if x > p.Value {
			return 0
		}
		return math.Max(p.Value-x, eqTolerance)
	case OpGTE:
		if x >= p.Value {
			return 0
		}
		return p.Value - x
	case OpEQ:
		d := math.Abs(x - p.Value)
		if d <= eqTolerance {
			return 0
		}
		return d
	case OpNE:
		if math.Abs(x-p.Value) > eqTolerance {
			return 0
		}
		return 1
	default:
		return math.Inf(1)
	}
}
