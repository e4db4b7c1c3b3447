// Package clusterstore implements component D (spec §4.4): a
// name-indexed map of clusters with upsert/delete semantics that
// preserve runtime state across config updates.
package clusterstore

import (
	"sync"

	"hermes/internal/cluster"
	"hermes/internal/config"
)

// Store is the name-indexed cluster map. Reads (ForEach, Get) take an
// RLock; the map itself is small and short-held (one entry per
// configured cluster, not per request), so a plain mutex-backed map is
// simpler than a lock-free structure here.
type Store struct {
	mu       sync.RWMutex
	clusters map[string]*cluster.Cluster
}

// New returns an empty store.
func New() *Store {
	return &Store{clusters: make(map[string]*cluster.Cluster)}
}

// Upsert creates a new cluster on first sight, or calls UpdateConfig on
// the existing one, which updates it in place; the stored pointer is
// kept (spec §4.4).
func (s *Store) Upsert(cfg config.ClusterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clusters[cfg.Name]; ok {
		existing.UpdateConfig(cfg)
		return
	}
	s.clusters[cfg.Name] = cluster.New(cfg.Name, cfg)
}

// Remove deletes the named cluster and reports whether it existed. Live
// references already held by in-flight requests continue serving; only
// the store's own pointer is dropped (spec §3 "Cluster ... dropped on
// delete").
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[name]; !ok {
		return false
	}
	delete(s.clusters, name)
	return true
}

// Get returns the named cluster, if present.
func (s *Store) Get(name string) (*cluster.Cluster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[name]
	return c, ok
}

// ForEach enumerates every cluster. It is the only enumeration hook,
// used by the discovery and active-health-check loops (spec §4.4).
func (s *Store) ForEach(f func(*cluster.Cluster)) {
	s.mu.RLock()
	snapshot := make([]*cluster.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		f(c)
	}
}
