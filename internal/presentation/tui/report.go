package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

// topPaths is how many paths PlanMarkdown lists.
const topPaths = 5

// PlanMarkdown summarizes a plan as markdown: status, clusters, best paths.
func PlanMarkdown(plan *domain.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Plan %s\n\n", plan.ID)
	fmt.Fprintf(&sb, "- **Persona:** %s (v%d)\n", plan.PersonaRef.ID, plan.PersonaRef.Version)
	fmt.Fprintf(&sb, "- **Catalog:** %s @ %s\n", plan.CatalogDomain, plan.CatalogVersion)
	fmt.Fprintf(&sb, "- **Status:** %s\n", plan.Status)
	if plan.Diagnostic != "" {
		fmt.Fprintf(&sb, "- **Diagnostic:** %s\n", plan.Diagnostic)
	}
	fmt.Fprintf(&sb, "- **Paths:** %d\n", len(plan.Paths))
	if plan.StartNodeID != "" {
		fmt.Fprintf(&sb, "- **Start node:** %s\n", plan.StartNodeID)
	}

	if len(plan.Clusters) > 0 {
		sb.WriteString("\n## Clusters\n\n")
		sb.WriteString("| Cluster | Size | Representative | Signature |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, c := range plan.Clusters {
			rep := c.RepresentativeID
			if p, ok := plan.Path(c.RepresentativeID); ok {
				rep = fmt.Sprintf("%s (u=%.2f)", p.ID, p.UtilityScore)
			}
			fmt.Fprintf(&sb, "| %s | %d | %s | `%s` |\n", c.ID, c.Size, rep, c.Centroid)
		}
	}

	if len(plan.Paths) > 0 {
		paths := make([]domain.Path, len(plan.Paths))
		copy(paths, plan.Paths)
		sort.SliceStable(paths, func(i, j int) bool { return paths[i].UtilityScore > paths[j].UtilityScore })
		if len(paths) > topPaths {
			paths = paths[:topPaths]
		}
		sb.WriteString("\n## Best paths\n\n")
		sb.WriteString("| Path | Utility | Probability | Actions |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, p := range paths {
			fmt.Fprintf(&sb, "| %s | %.2f | %.4f | %s |\n", p.ID, p.UtilityScore, p.CumulativeProbability, p.Label())
		}
	}
	return sb.String()
}
