package loadbalance

import (
	"math/rand/v2"
	"sync/atomic"
)

// Random is weighted-random selection over the same prefix-sum structure
// RoundRobin uses, drawing a uniform value in [0, totalWeight) per call.
type Random struct {
	state atomic.Pointer[rrState]
}

// NewRandom returns an empty weighted-random balancer.
func NewRandom() *Random {
	r := &Random{}
	r.state.Store(&rrState{})
	return r
}

func (b *Random) UpdateInstances(nodes []Node) {
	old := b.state.Load()
	merged := carryState(old.nodes, nodes)
	prefix := make([]int, len(merged))
	sum := 0
	for i, n := range merged {
		sum += n.Weight
		prefix[i] = sum
	}
	b.state.Store(&rrState{nodes: merged, prefixSum: prefix, totalWeight: sum})
}

func (b *Random) Select() (Guard, bool) {
	s := b.state.Load()
	if len(s.nodes) == 0 || s.totalWeight == 0 {
		return nil, false
	}
	target := rand.IntN(s.totalWeight)
	idx := searchPrefix(s.prefixSum, target)
	return noopGuard{node: &s.nodes[idx]}, true
}
