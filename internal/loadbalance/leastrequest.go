package loadbalance

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// LeastRequest picks two distinct nodes uniformly at random and returns the
// one with the lower active_requests/weight ratio (power of two choices).
type LeastRequest struct {
	state atomic.Pointer[lrState]
}

type lrState struct {
	nodes []Node
}

// NewLeastRequest returns an empty P2C-least-request balancer.
func NewLeastRequest() *LeastRequest {
	lr := &LeastRequest{}
	lr.state.Store(&lrState{})
	return lr
}

func (b *LeastRequest) UpdateInstances(nodes []Node) {
	old := b.state.Load()
	merged := carryState(old.nodes, nodes)
	b.state.Store(&lrState{nodes: merged})
}

func (b *LeastRequest) Select() (Guard, bool) {
	s := b.state.Load()
	n := len(s.nodes)
	if n == 0 {
		return nil, false
	}
	if n == 1 {
		return b.acquire(&s.nodes[0]), true
	}
	i := rand.IntN(n)
	j := rand.IntN(n - 1)
	if j >= i {
		j++
	}
	a, c := &s.nodes[i], &s.nodes[j]
	if score(c) < score(a) {
		a = c
	}
	return b.acquire(a), true
}

func score(n *Node) float64 {
	w := n.Weight
	if w < 1 {
		w = 1
	}
	return float64(n.ActiveRequests()) / float64(w)
}

func (b *LeastRequest) acquire(n *Node) Guard {
	atomic.AddInt64(n.active, 1)
	return &lrGuard{node: n}
}

type lrGuard struct {
	node     *Node
	released int32
}

func (g *lrGuard) Node() *Node { return g.node }

func (g *lrGuard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(g.node.active, -1)
	}
}

func (g *lrGuard) ReportLatency(time.Duration, bool) {}
