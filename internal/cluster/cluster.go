// Package cluster implements component C (spec §4.3): a named runtime
// object owning a cluster's config snapshot, load balancer, circuit
// breakers, health map, discovered-node snapshot, and pooled HTTP
// client.
package cluster

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"hermes/internal/breaker"
	"hermes/internal/config"
	"hermes/internal/loadbalance"
)

// Cluster is one named backend pool.
type Cluster struct {
	Name string

	cfg atomic.Pointer[config.ClusterConfig]
	lb  atomic.Pointer[loadbalanceHolder]

	breakers *breaker.Registry

	mu          sync.RWMutex
	health      map[string]bool // endpoint -> healthy (absent = healthy)
	checkStreak map[string]int  // endpoint -> consecutive-check streak
	discovered  []config.UpstreamNode

	client atomic.Pointer[http.Client]
}

// loadbalanceHolder lets Cluster swap the LB instance atomically while
// still exposing it through the stable loadbalance.Balancer interface.
type loadbalanceHolder struct {
	kind config.LBKind
	lb   loadbalance.Balancer
}

// New constructs a cluster from its first config upsert.
func New(name string, cfg config.ClusterConfig) *Cluster {
	cfg.Defaults()
	c := &Cluster{
		Name:        name,
		breakers:    breaker.NewRegistry(breakerConfig(cfg)),
		health:      make(map[string]bool),
		checkStreak: make(map[string]int),
	}
	c.cfg.Store(&cfg)
	lb := newBalancer(cfg.Type)
	lb.UpdateInstances(toLBNodes(effectiveNodes(cfg, nil)))
	c.lb.Store(&loadbalanceHolder{kind: cfg.Type, lb: lb})
	c.client.Store(buildClient(cfg))
	return c
}

// Config returns the live config snapshot.
func (c *Cluster) Config() config.ClusterConfig {
	return *c.cfg.Load()
}

// Balancer returns the current load balancer instance.
func (c *Cluster) Balancer() loadbalance.Balancer {
	return c.lb.Load().lb
}

// Breakers returns the per-node circuit-breaker registry.
func (c *Cluster) Breakers() *breaker.Registry {
	return c.breakers
}

// Client returns the pooled HTTP client for upstream requests.
func (c *Cluster) Client() *http.Client {
	return c.client.Load()
}

// UpdateConfig applies new, keeping the LB instance (just calling
// UpdateInstances on it) when lb_type is unchanged, rebuilding it
// otherwise; breakers, health, and the discovered-node snapshot persist
// across all updates (spec §4.3 "Update semantics"). The HTTP client is
// rebuilt only when pool/TLS/connect-timeout parameters or the scheme
// differ.
func (c *Cluster) UpdateConfig(newCfg config.ClusterConfig) {
	newCfg.Defaults()
	old := c.cfg.Load()

	nodes := effectiveNodes(newCfg, c.discoveredSnapshot())
	holder := c.lb.Load()
	if holder.kind == newCfg.Type {
		holder.lb.UpdateInstances(toLBNodes(nodes))
	} else {
		lb := newBalancer(newCfg.Type)
		lb.UpdateInstances(toLBNodes(nodes))
		c.lb.Store(&loadbalanceHolder{kind: newCfg.Type, lb: lb})
	}

	if clientParamsChanged(old, &newCfg) {
		c.client.Store(buildClient(newCfg))
	}

	c.cfg.Store(&newCfg)
}

// UpdateDiscoveredNodes replaces the discovered-node snapshot, refreshes
// the LB over the new effective node set, and purges health/breaker
// entries for endpoints no longer present (spec §4.3 "Discovery").
func (c *Cluster) UpdateDiscoveredNodes(nodes []config.UpstreamNode) {
	c.mu.Lock()
	c.discovered = nodes
	c.mu.Unlock()

	cfg := c.Config()
	effective := effectiveNodes(cfg, nodes)
	c.Balancer().UpdateInstances(toLBNodes(effective))

	active := make(map[string]struct{}, len(effective))
	for _, n := range effective {
		active[n.Endpoint()] = struct{}{}
	}
	c.breakers.RetainNodes(active)

	c.mu.Lock()
	for endpoint := range c.health {
		if _, ok := active[endpoint]; !ok {
			delete(c.health, endpoint)
			delete(c.checkStreak, endpoint)
		}
	}
	c.mu.Unlock()
}

func (c *Cluster) discoveredSnapshot() []config.UpstreamNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discovered
}

// EffectiveNodes returns the discovered node list if nonempty, otherwise
// the static config nodes (spec §4.3).
func (c *Cluster) EffectiveNodes() []config.UpstreamNode {
	return effectiveNodes(c.Config(), c.discoveredSnapshot())
}

func effectiveNodes(cfg config.ClusterConfig, discovered []config.UpstreamNode) []config.UpstreamNode {
	if len(discovered) > 0 {
		return discovered
	}
	return cfg.Nodes
}

// IsNodeHealthy reports the per-node health bit; absent entries default
// to healthy (spec §4.3).
func (c *Cluster) IsNodeHealthy(endpoint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	healthy, ok := c.health[endpoint]
	return !ok || healthy
}

// MarkNodeHealthy and MarkNodeUnhealthy flip the per-node bit.
func (c *Cluster) MarkNodeHealthy(endpoint string)   { c.setHealth(endpoint, true) }
func (c *Cluster) MarkNodeUnhealthy(endpoint string) { c.setHealth(endpoint, false) }

func (c *Cluster) setHealth(endpoint string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[endpoint] = healthy
}

// RecordHealthCheck increments the consecutive-check streak for
// endpoint and returns the new value; ResetHealthCount zeroes it (the
// caller resets when the streak direction flips, spec §4.3).
func (c *Cluster) RecordHealthCheck(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkStreak[endpoint]++
	return c.checkStreak[endpoint]
}

func (c *Cluster) ResetHealthCount(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkStreak[endpoint] = 0
}

func breakerConfig(cfg config.ClusterConfig) breaker.Config {
	if cfg.CircuitBreaker == nil {
		return breaker.DefaultConfig()
	}
	return breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		OpenDuration:     cfg.CircuitBreaker.OpenDurationSecs,
	}
}

func newBalancer(kind config.LBKind) loadbalance.Balancer {
	switch kind {
	case config.LBRandom:
		return loadbalance.NewRandom()
	case config.LBLeastRequest:
		return loadbalance.NewLeastRequest()
	case config.LBPeakEWMA:
		return loadbalance.NewPeakEWMA()
	default:
		return loadbalance.NewRoundRobin()
	}
}

func toLBNodes(nodes []config.UpstreamNode) []loadbalance.Node {
	out := make([]loadbalance.Node, len(nodes))
	for i, n := range nodes {
		out[i] = loadbalance.Node{
			Host:     n.Host,
			Port:     n.Port,
			Weight:   n.Weight,
			Endpoint: n.Endpoint(),
			Metadata: n.Metadata,
		}
	}
	return out
}

func clientParamsChanged(old, newCfg *config.ClusterConfig) bool {
	if old == nil {
		return true
	}
	return old.KeepalivePool != newCfg.KeepalivePool ||
		old.TLSVerify != newCfg.TLSVerify ||
		old.Timeout.Connect != newCfg.Timeout.Connect ||
		old.Scheme != newCfg.Scheme
}

// buildClient constructs the pooled HTTP/1.1+2 client for a cluster.
// HTTP/2 is negotiated via ALPN when the scheme is https; tls_verify =
// false accepts any server certificate (spec §4.3 "internal-mesh
// default").
func buildClient(cfg config.ClusterConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.Timeout.Connect}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.KeepalivePool.Size,
		MaxIdleConnsPerHost: cfg.KeepalivePool.Size,
		IdleConnTimeout:     cfg.KeepalivePool.IdleTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
	}
	if cfg.Scheme == "https" {
		_ = http2.ConfigureTransport(transport)
	}
	return &http.Client{Transport: transport}
}
