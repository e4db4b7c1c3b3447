// Package consul implements component in spec §4.15: a poller that
// keeps a cluster's discovered node set in sync with a Consul catalog
// service, recovered from
// original_source/gateway/src/discovery/client.rs.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/telemetry/logging"
)

// healthEntry mirrors one element of Consul's
// /v1/health/service/<name> response.
type healthEntry struct {
	Service struct {
		ID      string            `json:"ID"`
		Address string            `json:"Address"`
		Port    int               `json:"Port"`
		Meta    map[string]string `json:"Meta"`
	} `json:"Service"`
	Checks []struct {
		CheckID string `json:"CheckID"`
		Status  string `json:"Status"`
	} `json:"Checks"`
}

// aggregatedStatus returns the worst of the entry's check statuses,
// Consul's own notion of overall node health.
func (e healthEntry) aggregatedStatus() string {
	status := "passing"
	for _, c := range e.Checks {
		if c.Status == "critical" {
			return "critical"
		}
		if c.Status == "warning" && status == "passing" {
			status = "warning"
		}
	}
	return status
}

// Poller polls one cluster's Consul service entry on an interval and
// pushes the resulting node list into the cluster store.
type Poller struct {
	http     *http.Client
	addr     string
	cluster  string
	cfg      config.ConsulDiscoveryConfig
	clusters *clusterstore.Store
	log      logging.Logger
}

// New builds a poller for a single cluster's discovery config.
func New(addr string, clusterName string, cfg config.ConsulDiscoveryConfig, clusters *clusterstore.Store, log logging.Logger) *Poller {
	return &Poller{
		http:     &http.Client{Timeout: 10 * time.Second},
		addr:     addr,
		cluster:  clusterName,
		cfg:      cfg,
		clusters: clusters,
		log:      log,
	}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	nodes, err := p.queryHealthyNodes(ctx)
	if err != nil {
		p.log.WarnCtx(ctx, "consul discovery poll failed", "cluster", p.cluster, "service", p.cfg.ServiceName, "error", err)
		return
	}
	c, ok := p.clusters.Get(p.cluster)
	if !ok {
		return
	}
	c.UpdateDiscoveredNodes(nodes)
}

func (p *Poller) queryHealthyNodes(ctx context.Context) ([]config.UpstreamNode, error) {
	u := fmt.Sprintf("%s/v1/health/service/%s?passing=false", p.addr, url.PathEscape(p.cfg.ServiceName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("consul: status %d", resp.StatusCode)
	}

	var entries []healthEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	var nodes []config.UpstreamNode
	for _, e := range entries {
		if e.aggregatedStatus() == "critical" {
			continue
		}
		if !metaMatches(e.Service.Meta, p.cfg.MetadataMatch) {
			continue
		}
		address := e.Service.Address
		if address == "" {
			address = "127.0.0.1"
		}
		nodes = append(nodes, config.UpstreamNode{
			Host:     address,
			Port:     e.Service.Port,
			Weight:   weightFromMeta(e.Service.Meta),
			Metadata: e.Service.Meta,
		})
	}
	return nodes, nil
}

func metaMatches(meta, want map[string]string) bool {
	for k, v := range want {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func weightFromMeta(meta map[string]string) int {
	if w, ok := meta["weight"]; ok {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
