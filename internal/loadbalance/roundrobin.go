package loadbalance

import (
	"sync/atomic"
)

// RoundRobin is weighted round-robin over a prefix-sum of clamped weights.
// The monotonic counter is read lock-free; the node slice is swapped
// atomically so readers never observe a torn update.
type RoundRobin struct {
	state   atomic.Pointer[rrState]
	counter uint64
}

type rrState struct {
	nodes      []Node
	prefixSum  []int
	totalWeight int
}

// NewRoundRobin returns an empty weighted round-robin balancer.
func NewRoundRobin() *RoundRobin {
	rr := &RoundRobin{}
	rr.state.Store(&rrState{})
	return rr
}

func (b *RoundRobin) UpdateInstances(nodes []Node) {
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

func (b *RoundRobin) Select() (Guard, bool) {
	s := b.state.Load()
	if len(s.nodes) == 0 || s.totalWeight == 0 {
		return nil, false
	}
	counter := atomic.AddUint64(&b.counter, 1) - 1
	target := int(counter % uint64(s.totalWeight))
	idx := searchPrefix(s.prefixSum, target)
	return noopGuard{node: &s.nodes[idx]}, true
}

// searchPrefix returns the first index whose prefix sum is strictly greater
// than target (binary search; prefixSum is sorted ascending since weights
// are clamped to >= 1).
func searchPrefix(prefixSum []int, target int) int {
	lo, hi := 0, len(prefixSum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if prefixSum[mid] > target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
