// Package loadbalance selects one upstream node per call among a cluster's
// effective node set. All four variants share the same wait-free read path:
// the node list lives behind an atomic-swap pointer so Select never blocks a
// concurrent UpdateInstances.
package loadbalance

import (
	"sync/atomic"
	"time"
)

// Node is one upstream target as seen by a load balancer. Endpoint is the
// cached "host:port" string used as the stable identity across refreshes.
type Node struct {
	Host     string
	Port     int
	Weight   int
	Endpoint string
	Metadata map[string]string

	active *int64   // shared active-request counter, carried across refreshes
	ewma   *uint64  // bits of a float64 EWMA latency, carried across refreshes
}

// ActiveRequests returns the node's current in-flight count.
func (n *Node) ActiveRequests() int64 {
	if n.active == nil {
		return 0
	}
	return atomic.LoadInt64(n.active)
}

// Guard is returned by Select; the caller must call Release exactly once
// when the upstream attempt completes.
type Guard interface {
	Node() *Node
	Release()
	// ReportLatency feeds a completion latency back to latency-aware
	// balancers (peak-EWMA); other balancers ignore it.
	ReportLatency(d time.Duration, failed bool)
}

// Balancer is the common interface implemented by all four variants.
type Balancer interface {
	// UpdateInstances replaces the node list. Nodes whose Endpoint matches
	// an existing node keep their shared active-request counter and EWMA
	// state (invariant 2, spec §3).
	UpdateInstances(nodes []Node)
	// Select returns a guard for the chosen node, or (nil, false) when the
	// effective node set is empty or has zero total weight.
	Select() (Guard, bool)
}

// noopGuard is used by balancers that don't track latency or active count
// beyond what the node itself exposes.
type noopGuard struct {
	node *Node
}

func (g noopGuard) Node() *Node                                { return g.node }
func (g noopGuard) Release()                                   {}
func (g noopGuard) ReportLatency(time.Duration, bool)           {}

func newSharedCounters() (*int64, *uint64) {
	a := new(int64)
	e := new(uint64)
	return a, e
}

// carryState copies the shared active/ewma pointers from old nodes whose
// Endpoint matches a new node, so counters survive UpdateInstances calls.
func carryState(olds []Node, news []Node) []Node {
	byEndpoint := make(map[string]Node, len(olds))
	for _, o := range olds {
		byEndpoint[o.Endpoint] = o
	}
	out := make([]Node, len(news))
	for i, n := range news {
		if old, ok := byEndpoint[n.Endpoint]; ok && old.active != nil {
			n.active = old.active
			n.ewma = old.ewma
		} else {
			n.active, n.ewma = newSharedCounters()
		}
		if n.Weight < 1 {
			n.Weight = 1
		}
		out[i] = n
	}
	return out
}

func totalWeight(nodes []Node) int {
	total := 0
	for _, n := range nodes {
		total += n.Weight
	}
	return total
}
