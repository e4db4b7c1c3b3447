package loadbalance

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nodes(weights ...int) []Node {
	out := make([]Node, len(weights))
	for i, w := range weights {
		out[i] = Node{Host: "h", Port: 8000 + i, Weight: w, Endpoint: endpointFor(i)}
	}
	return out
}

func endpointFor(i int) string { return fmt.Sprintf("h:%d", i) }

func TestRoundRobinDistribution(t *testing.T) {
	rr := NewRoundRobin()
	rr.UpdateInstances(nodes(2, 3))
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		g, ok := rr.Select()
		require.True(t, ok)
		counts[g.Node().Endpoint]++
	}
	require.InDelta(t, 4000, counts[endpointFor(0)], 50)
	require.InDelta(t, 6000, counts[endpointFor(1)], 50)
}

func TestRoundRobinEmpty(t *testing.T) {
	rr := NewRoundRobin()
	_, ok := rr.Select()
	require.False(t, ok)
}

func TestRoundRobinCarriesCounterAcrossRefresh(t *testing.T) {
	rr := NewRoundRobin()
	rr.UpdateInstances(nodes(1, 1))
	g1, _ := rr.Select()
	atomic.AddInt64(stateActive(g1.Node()), 7)
	rr.UpdateInstances(nodes(1, 1, 1))
	g2, _ := rr.Select()
	// re-selecting the same endpoint should observe the carried counter.
	if g2.Node().Endpoint == g1.Node().Endpoint {
		require.EqualValues(t, 7, g2.Node().ActiveRequests())
	}
}

func stateActive(n *Node) *int64 { return n.active }

func TestRandomDistribution(t *testing.T) {
	r := NewRandom()
	r.UpdateInstances(nodes(2, 3))
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		g, ok := r.Select()
		require.True(t, ok)
		counts[g.Node().Endpoint]++
	}
	require.InDelta(t, 4000, counts[endpointFor(0)], 400)
	require.InDelta(t, 6000, counts[endpointFor(1)], 400)
}

func TestLeastRequestSingleNode(t *testing.T) {
	lr := NewLeastRequest()
	lr.UpdateInstances(nodes(1))
	g, ok := lr.Select()
	require.True(t, ok)
	require.Equal(t, int64(1), g.Node().ActiveRequests())
	g.Release()
	require.Equal(t, int64(0), g.Node().ActiveRequests())
}

func TestLeastRequestPrefersLessLoaded(t *testing.T) {
	lr := NewLeastRequest()
	lr.UpdateInstances(nodes(1, 1))
	g0, _ := lr.Select()
	atomic.AddInt64(stateActive(g0.Node()), 50)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		g, ok := lr.Select()
		require.True(t, ok)
		counts[g.Node().Endpoint]++
		g.Release()
	}
	// The untouched node should be favored heavily over the loaded one.
	lightEndpoint := endpointFor(1)
	if g0.Node().Endpoint == endpointFor(1) {
		lightEndpoint = endpointFor(0)
	}
	require.Greater(t, counts[lightEndpoint], counts[g0.Node().Endpoint])
}

func TestLeastRequestEmpty(t *testing.T) {
	lr := NewLeastRequest()
	_, ok := lr.Select()
	require.False(t, ok)
}

func TestPeakEWMASelectAndReport(t *testing.T) {
	p := NewPeakEWMA()
	p.UpdateInstances(nodes(1, 1))
	g, ok := p.Select()
	require.True(t, ok)
	g.ReportLatency(5*time.Millisecond, false)
	g.Release()
}

func TestPeakEWMAFailurePenaltyDominatesScore(t *testing.T) {
	p := NewPeakEWMAWithDecay(1.0)
	p.UpdateInstances(nodes(1))
	g, _ := p.Select()
	g.ReportLatency(0, true)
	got := math.Float64frombits(atomic.LoadUint64(g.Node().ewma))
	require.Equal(t, float64(failurePenalty), got)
}

func TestPeakEWMADecayClamped(t *testing.T) {
	p := NewPeakEWMAWithDecay(5.0)
	require.Equal(t, maxDecay, p.decay)
	p2 := NewPeakEWMAWithDecay(-1)
	require.Equal(t, minDecay, p2.decay)
}
