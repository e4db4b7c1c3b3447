// Package breaker implements the per-node three-state circuit breaker
// (Closed/Open/HalfOpen) described in spec §4.2, keyed by "host:port".
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's current phase.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Verdict is what Check tells the caller to do with a candidate node.
type Verdict int

const (
	Allowed Verdict = iota
	Probe
	Rejected
)

// Config carries the thresholds from a cluster's circuit_breaker config
// section (spec §6).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig matches the documented defaults (5, 2, 30s).
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
}

type nodeBreaker struct {
	state             atomic.Int32
	consecutiveFail   atomic.Int32
	halfOpenSuccesses atomic.Int32

	mu       sync.Mutex // guards openedAt only; held for microseconds
	openedAt time.Time
}

// Registry holds one nodeBreaker per "host:port", allocated lazily.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*nodeBreaker
}

// NewRegistry constructs a registry with the given thresholds.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*nodeBreaker)}
}

func (r *Registry) entry(endpoint string) *nodeBreaker {
	r.mu.RLock()
	nb := r.breakers[endpoint]
	r.mu.RUnlock()
	if nb != nil {
		return nb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if nb = r.breakers[endpoint]; nb == nil {
		nb = &nodeBreaker{}
		r.breakers[endpoint] = nb
	}
	return nb
}

// Check evaluates the current state for endpoint and, if Open has elapsed
// its timer, performs the single CAS that lets exactly one caller win the
// Open->HalfOpen probe transition.
func (r *Registry) Check(endpoint string) Verdict {
	nb := r.entry(endpoint)
	switch State(nb.state.Load()) {
	case Closed:
		return Allowed
	case HalfOpen:
		return Probe
	default: // Open
		nb.mu.Lock()
		elapsed := time.Since(nb.openedAt)
		nb.mu.Unlock()
		if elapsed < r.cfg.OpenDuration {
			return Rejected
		}
		if nb.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			nb.halfOpenSuccesses.Store(0)
			return Probe
		}
		// Another caller already won the transition (or reopened it).
		switch State(nb.state.Load()) {
		case HalfOpen:
			return Probe
		default:
			return Rejected
		}
	}
}

// RecordSuccess resets the failure streak (Closed) or advances the probe
// streak toward SuccessThreshold (HalfOpen).
func (r *Registry) RecordSuccess(endpoint string) {
	nb := r.entry(endpoint)
	switch State(nb.state.Load()) {
	case HalfOpen:
		if nb.halfOpenSuccesses.Add(1) >= int32(r.cfg.SuccessThreshold) {
			nb.state.Store(int32(Closed))
			nb.consecutiveFail.Store(0)
			nb.halfOpenSuccesses.Store(0)
		}
	default:
		nb.consecutiveFail.Store(0)
	}
}

// RecordFailure advances the failure streak (Closed) or immediately reopens
// the breaker (HalfOpen).
func (r *Registry) RecordFailure(endpoint string) {
	nb := r.entry(endpoint)
	switch State(nb.state.Load()) {
	case HalfOpen:
		r.open(nb)
	case Closed:
		if nb.consecutiveFail.Add(1) >= int32(r.cfg.FailureThreshold) {
			r.open(nb)
		}
	}
}

func (r *Registry) open(nb *nodeBreaker) {
	nb.mu.Lock()
	nb.openedAt = time.Now()
	nb.mu.Unlock()
	nb.state.Store(int32(Open))
	nb.halfOpenSuccesses.Store(0)
}

// StateOf reports the current state for tests and the admin surface.
func (r *Registry) StateOf(endpoint string) State {
	return State(r.entry(endpoint).state.Load())
}

// RetainNodes deletes breaker entries for endpoints no longer in the
// effective node set (spec §4.2).
func (r *Registry) RetainNodes(active map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for endpoint := range r.breakers {
		if _, ok := active[endpoint]; !ok {
			delete(r.breakers, endpoint)
		}
	}
}
