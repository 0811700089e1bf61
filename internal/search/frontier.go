package search

import (
	"container/heap"

	"github.com/aretw0/arbor/internal/utility"
	"github.com/aretw0/arbor/pkg/domain"
)

// node is a partial path on the frontier, or a finished one in the reserve.
type node struct {
	steps    []domain.Step
	state    domain.WorldState
	prob     float64
	score    utility.Score
	bound    float64
	priority float64
	explore  bool
	closed   bool
	seq      uint64
	path     *domain.Path
}

func (n *node) depth() int { return len(n.steps) }

// queue is a max-heap of nodes under less.
type queue struct {
	nodes []*node
	less  func(a, b *node) bool
}

func newQueue(less func(a, b *node) bool) queue { return queue{less: less} }

func (q *queue) Len() int { return len(q.nodes) }

func (q *queue) Less(i, j int) bool { return q.less(q.nodes[i], q.nodes[j]) }

func (q *queue) Swap(i, j int) { q.nodes[i], q.nodes[j] = q.nodes[j], q.nodes[i] }

func (q *queue) Push(x any) { q.nodes = append(q.nodes, x.(*node)) }

func (q *queue) Pop() any {
	old := q.nodes
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.nodes = old[:n-1]
	return item
}

func (q *queue) push(n *node) { heap.Push(q, n) }

func (q *queue) pop() *node { return heap.Pop(q).(*node) }

func (q *queue) peek() *node { return q.nodes[0] }

// byPriority orders the frontier: exploration tier first, then priority, then insertion order.
func byPriority(a, b *node) bool {
	if a.explore != b.explore {
		return a.explore
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// byBound puts the open node with the highest utility bound on top.
func byBound(a, b *node) bool {
	if a.bound != b.bound {
		return a.bound > b.bound
	}
	return a.seq < b.seq
}

// byUtility orders finished paths: utility, then probability, then insertion order.
func byUtility(a, b *node) bool {
	if a.score.Total != b.score.Total {
		return a.score.Total > b.score.Total
	}
	if a.prob != b.prob {
		return a.prob > b.prob
	}
	return a.seq < b.seq
}
