package loadbalance

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const (
	defaultEWMA     = 20 * time.Millisecond
	failurePenalty  = 30 * time.Second
	defaultDecay    = 0.2
	minDecay        = 0.01
	maxDecay        = 1.0
)

// PeakEWMA scores each node by ewma*(active+1)/weight and returns the lower
// score of two randomly sampled nodes. EWMA updates are store-only (no CAS):
// lost updates under contention simply delay convergence, never corrupt it.
type PeakEWMA struct {
	state atomic.Pointer[lrState]
	decay float64
}

// NewPeakEWMA returns a balancer with the default smoothing factor (0.2).
func NewPeakEWMA() *PeakEWMA { return NewPeakEWMAWithDecay(defaultDecay) }

// NewPeakEWMAWithDecay allows overriding alpha; it is clamped to [0.01, 1.0].
func NewPeakEWMAWithDecay(alpha float64) *PeakEWMA {
	if alpha < minDecay {
		alpha = minDecay
	}
	if alpha > maxDecay {
		alpha = maxDecay
	}
	p := &PeakEWMA{decay: alpha}
	p.state.Store(&lrState{})
	return p
}

func (b *PeakEWMA) UpdateInstances(nodes []Node) {
	old := b.state.Load()
	merged := carryState(old.nodes, nodes)
	for i := range merged {
		if merged[i].ewma != nil && atomic.LoadUint64(merged[i].ewma) == 0 {
			atomic.StoreUint64(merged[i].ewma, math.Float64bits(float64(defaultEWMA)))
		}
	}
	b.state.Store(&lrState{nodes: merged})
}

func (b *PeakEWMA) Select() (Guard, bool) {
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
	if peakScore(c) < peakScore(a) {
		a = c
	}
	return b.acquire(a), true
}

func peakScore(n *Node) float64 {
	w := n.Weight
	if w < 1 {
		w = 1
	}
	ewma := math.Float64frombits(atomic.LoadUint64(n.ewma))
	return ewma * float64(n.ActiveRequests()+1) / float64(w)
}

func (b *PeakEWMA) acquire(n *Node) Guard {
	atomic.AddInt64(n.active, 1)
	return &ewmaGuard{node: n, decay: b.decay, start: time.Now()}
}

type ewmaGuard struct {
	node     *Node
	decay    float64
	start    time.Time
	released int32
}

func (g *ewmaGuard) Node() *Node { return g.node }

func (g *ewmaGuard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(g.node.active, -1)
		g.ReportLatency(time.Since(g.start), false)
	}
}

// ReportLatency updates the node's EWMA. Failed attempts record a 30s
// penalty latency so the node is strongly deprioritized without being
// permanently excluded. The update is store-only, not CAS: under
// contention a lost update just delays convergence (spec §5).
func (g *ewmaGuard) ReportLatency(observed time.Duration, failed bool) {
	if failed {
		observed = failurePenalty
	}
	oldVal := math.Float64frombits(atomic.LoadUint64(g.node.ewma))
	next := g.decay*float64(observed) + (1-g.decay)*oldVal
	atomic.StoreUint64(g.node.ewma, math.Float64bits(next))
}
