package runtime

import (
	"github.com/aretw0/arbor/internal/search"
	"github.com/aretw0/arbor/internal/utility"
	"github.com/aretw0/arbor/pkg/domain"
)

// checkPath verifies what every stored path must satisfy. A failure is an engine
// fault: the search produced something it must have pruned.
func checkPath(plan *domain.Plan, eval *utility.Evaluator, p *domain.Path) error {
	threshold := plan.Config.PruningThreshold
	depth := search.EffectiveDepth(plan.Config.MaxDepth, plan.Persona.PlanningHorizon)

	if p.Depth() == 0 {
		return domain.Faultf("path %s has no steps", p.ID)
	}
	if p.Depth() > depth {
		return domain.Faultf("path %s has depth %d beyond %d", p.ID, p.Depth(), depth)
	}
	if p.Status != domain.PathCandidate {
		return domain.Faultf("path %s leaked with status %s", p.ID, p.Status)
	}
	if p.CumulativeProbability < threshold {
		return domain.Faultf("path %s probability %g below pruning threshold %g", p.ID, p.CumulativeProbability, threshold)
	}
	for i, step := range p.Steps {
		if step.CumulativeProbability < threshold {
			return domain.Faultf("path %s step %d probability %g below pruning threshold", p.ID, i+1, step.CumulativeProbability)
		}
		if err := eval.CheckHard(step.State, i+1); err != nil {
			return domain.Faultf("path %s: %v", p.ID, err)
		}
	}
	return nil
}
