package runtime

import (
	"fmt"
	"sort"
)

// Aggregation decides a branched node's probability from its own path probability
// and the path probabilities of sibling edges under the same parent.
type Aggregation string

const (
	// AggregateRenormalized is own / (own + Σ siblings).
	AggregateRenormalized Aggregation = "renormalized"
	// AggregateMean is the mean over siblings and self.
	AggregateMean Aggregation = "mean"
	// AggregateMedian is the median over siblings and self.
	AggregateMedian Aggregation = "median"
	// AggregateWeighted is Σp² / Σp over siblings and self.
	AggregateWeighted Aggregation = "weighted"
	// AggregateOwn ignores siblings.
	AggregateOwn Aggregation = "own"
)

// ParseAggregation validates a policy name. Empty selects the default.
func ParseAggregation(s string) (Aggregation, error) {
	switch a := Aggregation(s); a {
	case "":
		return AggregateRenormalized, nil
	case AggregateRenormalized, AggregateMean, AggregateMedian, AggregateWeighted, AggregateOwn:
		return a, nil
	default:
		return "", fmt.Errorf("unknown aggregation policy %q", s)
	}
}

// Probability applies the policy. Without siblings every policy yields own.
func (a Aggregation) Probability(own float64, siblings []float64) float64 {
	if len(siblings) == 0 {
		return own
	}
	all := append([]float64{own}, siblings...)
	sum := 0.0
	for _, p := range all {
		sum += p
	}

	switch a {
	case AggregateOwn:
		return own
	case AggregateMean:
		return sum / float64(len(all))
	case AggregateMedian:
		sort.Float64s(all)
		mid := len(all) / 2
		if len(all)%2 == 1 {
			return all[mid]
		}
		return (all[mid-1] + all[mid]) / 2
	case AggregateWeighted:
		if sum == 0 {
			return 0
		}
		sq := 0.0
		for _, p := range all {
			sq += p * p
		}
		return sq / sum
	default:
		if sum == 0 {
			return 0
		}
		return own / sum
	}
}
