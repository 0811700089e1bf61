package domain

import (
	"strconv"
	"strings"
)

// PathStatus is the lifecycle of a candidate path.
type PathStatus string

const (
	PathCandidate PathStatus = "candidate"
	PathPruned    PathStatus = "pruned"
	PathSelected  PathStatus = "selected"
	PathBranched  PathStatus = "branched"
)

// PathOrigin records which operation produced a path.
type PathOrigin string

const (
	OriginSearch    PathOrigin = "search"
	OriginExpansion PathOrigin = "expansion"
)

// Step is one applied action outcome.
type Step struct {
	ActionID              string     `json:"action_id"`
	OutcomeIndex          int        `json:"outcome_index"`
	Outcome               string     `json:"outcome,omitempty"`
	State                 WorldState `json:"state"`
	StepProbability       float64    `json:"step_probability"`
	CumulativeProbability float64    `json:"cumulative_probability"`
}

// Path is an ordered sequence of steps from a start state.
type Path struct {
	ID                    string                `json:"id"`
	Steps                 []Step                `json:"steps"`
	CumulativeProbability float64               `json:"cumulative_probability"`
	UtilityScore          float64               `json:"utility_score"`
	Contributions         map[Dimension]float64 `json:"contributions,omitempty"`
	Status                PathStatus            `json:"status"`
	ClusterID             string                `json:"cluster_id,omitempty"`
	Origin                PathOrigin            `json:"origin"`
}

// Depth returns the number of steps.
func (p *Path) Depth() int { return len(p.Steps) }

// Terminal returns the state after the last step, or nil for an empty path.
func (p *Path) Terminal() WorldState {
	if len(p.Steps) == 0 {
		return nil
	}
	return p.Steps[len(p.Steps)-1].State
}

// ActionIDs returns the action id of every step.
func (p *Path) ActionIDs() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.ActionID
	}
	return out
}

// Key identifies the exact action/outcome sequence of the path.
func (p *Path) Key() string {
	var sb strings.Builder
	for i, s := range p.Steps {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(s.ActionID)
		sb.WriteByte('#')
		sb.WriteString(strconv.Itoa(s.OutcomeIndex))
	}
	return sb.String()
}

// Label is a short human label built from the action sequence.
func (p *Path) Label() string {
	return strings.Join(p.ActionIDs(), " → ")
}

// Clone returns a deep copy.
func (p Path) Clone() Path {
	c := p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.State = s.State.Clone()
		c.Steps[i] = s
	}
	if p.Contributions != nil {
		c.Contributions = make(map[Dimension]float64, len(p.Contributions))
		for k, v := range p.Contributions {
			c.Contributions[k] = v
		}
	}
	return c
}

// FormatPathID renders the sequential path id used inside a plan.
func FormatPathID(seq int) string {
	return "path-" + padInt(seq, 5)
}

// FormatClusterID renders the sequential cluster id used inside a plan.
func FormatClusterID(seq int) string {
	return "cluster-" + padInt(seq, 2)
}

func padInt(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// PathCluster groups similar paths. Clusters of a plan partition its paths exactly.
type PathCluster struct {
	ID               string   `json:"id"`
	RepresentativeID string   `json:"representative_id"`
	MemberIDs        []string `json:"member_ids"`
	// Centroid is the feature signature of the cluster medoid.
	Centroid string `json:"centroid"`
	// MedoidID is the path whose features define Centroid.
	MedoidID string `json:"medoid_id"`
	// PrefixLen is how many leading actions the clustering features used.
	PrefixLen int `json:"prefix_len"`
	Size      int `json:"size"`
	// Frame is the feature space the clusters were computed in.
	Frame *ClusterFrame `json:"frame,omitempty"`
}

// ClusterFrame pins the variables and utility range clustering features are
// measured against, so paths added later are bucketed on the same scale.
type ClusterFrame struct {
	Variables  []string `json:"variables"`
	UtilityMin float64  `json:"utility_min"`
	UtilityMax float64  `json:"utility_max"`
}

// Clone returns a deep copy.
func (c PathCluster) Clone() PathCluster {
	c.MemberIDs = append([]string(nil), c.MemberIDs...)
	if c.Frame != nil {
		f := *c.Frame
		f.Variables = append([]string(nil), f.Variables...)
		c.Frame = &f
	}
	return c
}
