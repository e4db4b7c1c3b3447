// Package health implements component M: the active health checker
// that probes each cluster's effective nodes on an interval, recovered
// from original_source/gateway/src/upstream/health.rs.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hermes/internal/cluster"
	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/telemetry/logging"
)

// Checker runs the active health-check loop for one cluster at a time
// (the bootstrap starts one Checker goroutine per cluster that declares
// health_check.active). Each round probes every effective node
// concurrently, bounded by the cluster's configured concurrency.
type Checker struct {
	clusters *clusterstore.Store
	log      logging.Logger
	client   *http.Client

	mu        sync.Mutex
	lastProbe map[string]bool // endpoint -> healthy, used to detect a streak-direction flip
}

// New builds a checker. Its HTTP client is dedicated to health probes
// and carries no cookie jar or keepalive tuning beyond a short timeout.
func New(clusters *clusterstore.Store, log logging.Logger) *Checker {
	return &Checker{
		clusters:  clusters,
		log:       log,
		client:    &http.Client{Timeout: 30 * time.Second},
		lastProbe: make(map[string]bool),
	}
}

// RunCluster loops active health-check rounds for the named cluster
// until ctx is done or the cluster is removed from the store or its
// health_check.active block is disabled.
func (c *Checker) RunCluster(ctx context.Context, name string) {
	for {
		cl, ok := c.clusters.Get(name)
		if !ok {
			return
		}
		cfg := cl.Config()
		if cfg.HealthCheck == nil || !cfg.HealthCheck.Active.Enabled {
			return
		}

		c.probeOnce(ctx, cl, cfg.HealthCheck.Active)

		interval := cfg.HealthCheck.Active.Interval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, cl *cluster.Cluster, active config.ActiveHealthCheckConfig) {
	nodes := cl.EffectiveNodes()
	if len(nodes) == 0 {
		return
	}

	concurrency := int64(active.Concurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.checkOne(ctx, cl, active, node)
		}()
	}
	wg.Wait()
}

func (c *Checker) checkOne(ctx context.Context, cl *cluster.Cluster, active config.ActiveHealthCheckConfig, node config.UpstreamNode) {
	timeout := active.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := node.Endpoint()
	target := fmt.Sprintf("%s://%s%s", cl.Config().Scheme, endpoint, active.Path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return
	}

	healthy := false
	resp, err := c.client.Do(req)
	if err == nil {
		resp.Body.Close()
		healthy = statusIn(resp.StatusCode, active.HealthyStatuses)
	}

	streakKey := cl.Name + "|" + endpoint
	threshold := active.Threshold
	if threshold < 1 {
		threshold = 1
	}

	c.mu.Lock()
	flipped := c.lastProbe[streakKey] != healthy
	c.lastProbe[streakKey] = healthy
	c.mu.Unlock()
	if flipped {
		cl.ResetHealthCount(endpoint)
	}

	count := cl.RecordHealthCheck(endpoint)
	if count < threshold {
		return
	}
	if healthy {
		cl.MarkNodeHealthy(endpoint)
	} else {
		cl.MarkNodeUnhealthy(endpoint)
		c.log.WarnCtx(ctx, "active health check: node unhealthy", "cluster", cl.Name, "node", endpoint, "consecutive_failures", count)
	}
}

func statusIn(status int, statuses []int) bool {
	if len(statuses) == 0 {
		return status == http.StatusOK
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
