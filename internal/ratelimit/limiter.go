package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"hermes/internal/config"
)

// PeerCount is a live, shared handle on the gateway's current peer count
// (spec §4.8 "Peer-count handle"), fed by the instance registry's watch on
// the peer set. Rate and count thresholds are divided by this value so a
// cluster-wide limit stays correct as peers join or leave. Zero is treated
// as 1: never divide by the empty set.
type PeerCount struct {
	n atomic.Int64
}

// NewPeerCount returns a handle initialized to 1 peer (itself).
func NewPeerCount() *PeerCount {
	pc := &PeerCount{}
	pc.n.Store(1)
	return pc
}

// Set updates the live peer count. Values below 1 are clamped to 1.
func (pc *PeerCount) Set(n int) {
	if n < 1 {
		n = 1
	}
	pc.n.Store(int64(n))
}

func (pc *PeerCount) get() int64 {
	n := pc.n.Load()
	if n < 1 {
		return 1
	}
	return n
}

// Get returns the current peer count as seen by callers outside the
// limiter, e.g. the instance registry deciding whether to log a change.
func (pc *PeerCount) Get() int {
	return int(pc.get())
}

// bucketKey identifies one limiter instance: the route that owns the
// filter plus the value the configured key mode extracted from the
// request (spec §4.8 "Key").
type bucketKey struct {
	route string
	value string
}

// Limiter is the shared rate-limit engine (component H). One
// Limiter instance serves every route in the gateway; each distinct
// (route, key) pair gets its own token bucket or sliding window,
// allocated lazily on first use.
type Limiter struct {
	clock Clock
	peers *PeerCount

	mu      sync.RWMutex
	buckets map[bucketKey]*tokenBucket
	windows map[bucketKey]*slidingWindow

	maxEntries int
}

// defaultMaxEntries is the per-map eviction cap of spec invariant 4.
const defaultMaxEntries = 100_000

// NewLimiter constructs a Limiter backed by the given peer-count handle.
// A nil clock defaults to the real wall clock.
func NewLimiter(peers *PeerCount, clock Clock) *Limiter {
	if clock == nil {
		clock = realClock{}
	}
	return &Limiter{
		clock:      clock,
		peers:      peers,
		buckets:    make(map[bucketKey]*tokenBucket),
		windows:    make(map[bucketKey]*slidingWindow),
		maxEntries: defaultMaxEntries,
	}
}

// Allow reports whether a request keyed by (route, key) is accepted under
// cfg, dividing cfg's rate/count thresholds by the live peer count so the
// aggregate cluster-wide limit holds regardless of which peer a given
// request lands on.
func (l *Limiter) Allow(route, key string, cfg config.RateLimitConfig) bool {
	now := l.clock.Now()
	peers := l.peers.get()
	bk := bucketKey{route: route, value: key}

	switch cfg.Mode {
	case config.RateLimitCount:
		w := l.windowFor(bk, now, cfg, peers)
		return w.tryAccept(now)
	default: // RateLimitReq, and the zero value
		b := l.bucketFor(bk, now, cfg, peers)
		return b.tryAcquire(now)
	}
}

func (l *Limiter) bucketFor(bk bucketKey, now time.Time, cfg config.RateLimitConfig, peers int64) *tokenBucket {
	ratePerSec := cfg.Rate / float64(peers)
	burst := cfg.Burst

	l.mu.RLock()
	b, ok := l.buckets[bk]
	l.mu.RUnlock()
	if ok {
		b.reconfigure(ratePerSec, burst)
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[bk]; ok {
		b.reconfigure(ratePerSec, burst)
		return b
	}
	b = newTokenBucket(now, ratePerSec, burst)
	l.buckets[bk] = b
	l.evictLocked(now)
	return b
}

func (l *Limiter) windowFor(bk bucketKey, now time.Time, cfg config.RateLimitConfig, peers int64) *slidingWindow {
	maxCount := int(float64(cfg.Count) / float64(peers))
	windowUs := cfg.TimeWindow.Microseconds()

	l.mu.RLock()
	w, ok := l.windows[bk]
	l.mu.RUnlock()
	if ok {
		w.reconfigure(maxCount, windowUs)
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[bk]; ok {
		w.reconfigure(maxCount, windowUs)
		return w
	}
	w = newSlidingWindow(now, maxCount, windowUs)
	l.windows[bk] = w
	l.evictLocked(now)
	return w
}

// evictLocked drops the oldest-accessed entries once a map exceeds
// maxEntries. Called with l.mu held for writing, immediately after an
// insert, so under steady allocation pressure it only ever needs to
// remove at most one entry per call; it handles an arbitrary overshoot
// regardless.
func (l *Limiter) evictLocked(now time.Time) {
	evictBuckets(l.buckets, l.maxEntries, now)
	evictWindows(l.windows, l.maxEntries, now)
}

func evictBuckets(m map[bucketKey]*tokenBucket, max int, now time.Time) {
	for len(m) > max {
		var oldestKey bucketKey
		oldestIdle := time.Duration(-1)
		for k, b := range m {
			if idle := b.idleSince(now); idle > oldestIdle {
				oldestIdle = idle
				oldestKey = k
			}
		}
		delete(m, oldestKey)
	}
}

func evictWindows(m map[bucketKey]*slidingWindow, max int, now time.Time) {
	for len(m) > max {
		var oldestKey bucketKey
		oldestIdle := time.Duration(-1)
		for k, w := range m {
			if idle := w.idleSince(now); idle > oldestIdle {
				oldestIdle = idle
				oldestKey = k
			}
		}
		delete(m, oldestKey)
	}
}
