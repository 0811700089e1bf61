// Package validator performs the synchronous checks that run before a plan is queued.
package validator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

// PlanRequest is everything create_plan validates before a plan enters queued.
type PlanRequest struct {
	Persona *domain.Persona
	Catalog *domain.Catalog
	Start   domain.WorldState
	Config  domain.PlanConfig
}

// ValidatePlanRequest checks persona, catalog and config, and that every
// constraint refers to a variable the start state or the catalog knows about.
// The returned error unwraps to domain.ErrValidation.
func ValidatePlanRequest(req PlanRequest) error {
	var errs []error
	collect := func(err error) {
		if err == nil {
			return
		}
		if nested := domain.ValidationErrors(err); nested != nil {
			errs = append(errs, nested...)
			return
		}
		errs = append(errs, err)
	}

	if req.Persona == nil {
		return domain.Invalid("persona", "is required", nil)
	}
	if req.Catalog == nil {
		return domain.Invalid("catalog", "is required", nil)
	}
	collect(req.Persona.Validate())
	collect(req.Catalog.Clone().Validate())
	collect(req.Config.Validate())

	known := KnownVariables(req.Start, req.Catalog)
	for _, v := range req.Persona.ConstraintVariables() {
		if !known[v] {
			errs = append(errs, domain.Invalid("persona.constraints", "references unknown variable", v))
		}
	}
	return domain.Join(errs)
}

// KnownVariables is the set of variables in the start state or touched by the catalog.
func KnownVariables(start domain.WorldState, catalog *domain.Catalog) map[string]bool {
	known := make(map[string]bool)
	for k := range start {
		known[k] = true
	}
	for _, v := range catalog.Variables() {
		known[v] = true
	}
	for _, a := range catalog.Actions {
		for _, p := range a.Preconditions {
			known[p.Variable] = true
		}
	}
	return known
}

// ErrUnreachable marks actions whose preconditions read variables nothing ever sets.
var ErrUnreachable = errors.New("unreachable actions")

// CheckReachability crawls the catalog from the start state: an action becomes
// reachable once every variable its preconditions read is known, and its effects
// make more variables known. Actions never reached are reported.
func CheckReachability(start domain.WorldState, catalog *domain.Catalog) error {
	known := make(map[string]bool, len(start))
	for k := range start {
		known[k] = true
	}
	reached := make(map[string]bool, len(catalog.Actions))

	for progress := true; progress; {
		progress = false
		for _, a := range catalog.Actions {
			if reached[a.ID] || !readsKnown(a, known) {
				continue
			}
			reached[a.ID] = true
			progress = true
			for _, o := range a.Outcomes {
				for _, e := range o.Effects {
					known[e.Variable] = true
				}
			}
		}
	}

	var missing []string
	for _, a := range catalog.Actions {
		if !reached[a.ID] {
			missing = append(missing, a.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(missing, ", "))
}

func readsKnown(a domain.Action, known map[string]bool) bool {
	for _, p := range a.Preconditions {
		if !known[p.Variable] {
			return false
		}
	}
	return true
}
