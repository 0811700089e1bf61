package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

// GraphOverlay marks nodes to highlight on the rendered map.
type GraphOverlay struct {
	// Highlighted nodes, typically the ancestry of CurrentNode.
	Highlighted []string
	CurrentNode string
}

// maxEdgeActions bounds how many action ids an edge label lists.
const maxEdgeActions = 4

// GenerateMermaid renders universe map nodes and edges as a Mermaid flowchart.
// Roots are circles, path-derived nodes rectangles and manual nodes
// parallelograms. Edges from paths are solid and labelled with their actions;
// manual edges are dotted.
func GenerateMermaid(nodes []domain.Node, edges []domain.Edge, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, node := range nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch {
		case node.IsRoot():
			opener, closer = "((", "))"
		case node.Provenance.Manual:
			opener, closer = "[/", "/]"
		}

		out := node.AggregatedOutcome
		text := fmt.Sprintf("%s <br/> p=%.3f u=%.2f", escapeLabel(nodeLabel(node)), node.Probability, out.UtilityScore)
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", safeID, opener, text, closer))
	}

	for _, edge := range edges {
		from, to := sanitizeMermaidID(edge.FromNodeID), sanitizeMermaidID(edge.ToNodeID)
		if edge.Origin == domain.EdgeFromManual {
			sb.WriteString(fmt.Sprintf("    %s -.-> %s\n", from, to))
			continue
		}
		label := edgeLabel(edge.Intervention.ActionIDs)
		if label == "" {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s -- \"%s\" --> %s\n", from, escapeLabel(label), to))
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text for contrast on light fills in both themes.
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[string]bool)
		for _, id := range overlay.Highlighted {
			safeID := sanitizeMermaidID(id)
			if id != "" && !seen[safeID] {
				seen[safeID] = true
				sb.WriteString(fmt.Sprintf("    class %s visited;\n", safeID))
			}
		}
		if overlay.CurrentNode != "" {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode)))
		}
	}

	return sb.String()
}

// Ancestry returns the ids from the root down to nodeID, following ParentID.
func Ancestry(nodes []domain.Node, nodeID string) []string {
	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	var chain []string
	seen := make(map[string]bool)
	for id := nodeID; id != "" && !seen[id]; {
		n, ok := byID[id]
		if !ok {
			break
		}
		seen[id] = true
		chain = append(chain, id)
		id = n.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func nodeLabel(n domain.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func edgeLabel(actions []string) string {
	if len(actions) > maxEdgeActions {
		return strings.Join(actions[:maxEdgeActions], " → ") + " …"
	}
	return strings.Join(actions, " → ")
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", ":", "_", " ", "_")
	return "n_" + r.Replace(id)
}
