// Package dto decodes persona and catalog documents authored as loose YAML,
// JSON or frontmatter maps into validated domain values.
//
// Besides the canonical field layout, documents may use shorthands:
//
//	preconditions: ["cash >= 100"]
//	effects: [{scale: {cash: 1.1}}, {clamp: {risk: [0, 1]}}]
package dto

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// Kind distinguishes the documents a provider directory may hold.
type Kind string

const (
	KindPersona Kind = "persona"
	KindCatalog Kind = "catalog"
)

// KindOf returns the kind declared by a document. Documents with actions and no
// kind are catalogs; everything else defaults to persona.
func KindOf(raw map[string]any) Kind {
	if k, ok := raw["kind"].(string); ok && k != "" {
		return Kind(strings.ToLower(k))
	}
	if _, ok := raw["actions"]; ok {
		return KindCatalog
	}
	return KindPersona
}

// DecodePersona decodes and validates a persona document. A missing version is 1.
func DecodePersona(raw map[string]any) (*domain.Persona, error) {
	var p domain.Persona
	if err := decode(raw, &p); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeCatalog decodes and validates a catalog document. Actions inherit the
// catalog domain; fallbackVersion is used when the document declares none.
func DecodeCatalog(raw map[string]any, fallbackVersion string) (*domain.Catalog, error) {
	var c domain.Catalog
	if err := decode(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Domain == "" {
		return nil, domain.Invalid("catalog.domain", "is required", nil)
	}
	if c.Version == "" {
		c.Version = fallbackVersion
	}
	for i := range c.Actions {
		if c.Actions[i].Domain == "" {
			c.Actions[i].Domain = c.Domain
		}
		if c.Actions[i].Name == "" {
			c.Actions[i].Name = c.Actions[i].ID
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func decode(raw map[string]any, out any) error {
	body := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "kind" {
			body[k] = v
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numberHook,
			predicateHook,
			effectHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(body)
}

var (
	predicateType = reflect.TypeOf(domain.Predicate{})
	effectType    = reflect.TypeOf(domain.Effect{})
	numberType    = reflect.TypeOf(json.Number(""))
)

// numberHook unwraps json.Number values produced by strict JSON decoders.
func numberHook(from, to reflect.Type, data any) (any, error) {
	if from != numberType {
		return data, nil
	}
	n := data.(json.Number)
	switch to.Kind() {
	case reflect.Float32, reflect.Float64:
		return n.Float64()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return n.Int64()
	case reflect.String:
		return n.String(), nil
	}
	return n.Float64()
}

var predicateSymbols = []struct {
	symbol string
	op     domain.Operator
}{
	// Two-character symbols first so "<=" never parses as "<".
	{"<=", domain.OpLTE},
	{">=", domain.OpGTE},
	{"==", domain.OpEQ},
	{"!=", domain.OpNE},
	{"<", domain.OpLT},
	{">", domain.OpGT},
}

// ParsePredicate parses "variable <op> value", e.g. "cash >= 100".
func ParsePredicate(s string) (domain.Predicate, error) {
	for _, ps := range predicateSymbols {
		idx := strings.Index(s, ps.symbol)
		if idx <= 0 {
			continue
		}
		variable := strings.TrimSpace(s[:idx])
		value, err := strconv.ParseFloat(strings.TrimSpace(s[idx+len(ps.symbol):]), 64)
		if err != nil {
			return domain.Predicate{}, fmt.Errorf("predicate %q: %w", s, err)
		}
		return domain.Predicate{Variable: variable, Op: ps.op, Value: value}, nil
	}
	return domain.Predicate{}, fmt.Errorf("predicate %q: expected \"variable <op> value\"", s)
}

func predicateHook(from, to reflect.Type, data any) (any, error) {
	if to != predicateType || from.Kind() != reflect.String {
		return data, nil
	}
	return ParsePredicate(data.(string))
}

// effectHook rewrites {op: {variable: value}} shorthands into the canonical
// effect record. Unknown ops are rejected here, at load time.
func effectHook(from, to reflect.Type, data any) (any, error) {
	if to != effectType || from.Kind() != reflect.Map {
		return data, nil
	}
	m, ok := toStringMap(data)
	if !ok {
		return data, nil
	}
	if _, canonical := m["op"]; canonical {
		return checkOp(m["op"], m)
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("effect must have an op or a single {op: {variable: value}} entry, got %d keys", len(m))
	}
	for op, body := range m {
		args, ok := toStringMap(body)
		if !ok || len(args) != 1 {
			return nil, fmt.Errorf("effect %s: expected a single {variable: value} entry", op)
		}
		for variable, value := range args {
			out := map[string]any{"op": op, "variable": variable}
			if domain.EffectOp(op) == domain.EffectClamp {
				lo, hi, err := bounds(value)
				if err != nil {
					return nil, fmt.Errorf("effect clamp %s: %w", variable, err)
				}
				out["min"], out["max"] = lo, hi
			} else {
				out["value"] = value
			}
			return checkOp(op, out)
		}
	}
	return data, nil
}

func checkOp(op any, m map[string]any) (any, error) {
	s := fmt.Sprint(op)
	switch domain.EffectOp(s) {
	case domain.EffectSet, domain.EffectAdd, domain.EffectScale, domain.EffectClamp:
		return m, nil
	}
	return nil, fmt.Errorf("unknown effect op %q (valid: set, add, scale, clamp)", s)
}

func bounds(v any) (any, any, error) {
	switch b := v.(type) {
	case []any:
		if len(b) != 2 {
			return nil, nil, fmt.Errorf("expected [min, max]")
		}
		return b[0], b[1], nil
	default:
		m, ok := toStringMap(v)
		if !ok {
			return nil, nil, fmt.Errorf("expected [min, max] or {min, max}")
		}
		return m["min"], m["max"], nil
	}
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}
