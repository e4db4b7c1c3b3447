package applier

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/pipeline"
	"hermes/internal/ratelimit"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"
)

func newTestApplier(t *testing.T) (*Applier, *pipeline.Pipeline, *clusterstore.Store) {
	t.Helper()
	cs := clusterstore.New()
	m := pipeline.NewMetrics(metrics.NewNoopProvider())
	p := pipeline.New(cs, m, logging.New(nil))
	limiter := ratelimit.NewLimiter(ratelimit.NewPeerCount(), nil)
	a := New(p, cs, limiter, metrics.NewNoopProvider(), logging.New(nil))
	return a, p, cs
}

func TestApplierDomainUpsertInstallsRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	a, p, cs := newTestApplier(t)
	cs.Upsert(config.ClusterConfig{Name: "c1", Type: config.LBRoundRobin})

	events := make(chan config.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx, events)

	events <- config.ClusterUpsert(&config.ClusterConfig{
		Name: "c1",
		Type: config.LBRoundRobin,
		Nodes: []config.UpstreamNode{parseNode(t, upstream.URL)},
	})
	events <- config.DomainUpsert(&config.DomainConfig{
		Name:  "d1",
		Hosts: []string{"_"},
		Routes: []config.RouteConfig{
			{Name: "r1", URI: "/ok", Status: 1, Clusters: []config.WeightedCluster{{Cluster: "c1", Weight: 1}}},
		},
	})

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		return rec.Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	cancel()
	close(events)
}

func TestApplierDomainDeleteRemovesRoute(t *testing.T) {
	a, p, _ := newTestApplier(t)
	events := make(chan config.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, events)

	events <- config.DomainUpsert(&config.DomainConfig{
		Name:  "d1",
		Hosts: []string{"_"},
		Routes: []config.RouteConfig{
			{Name: "r1", URI: "/ok", Status: 1},
		},
	})
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		return rec.Code != http.StatusNotFound
	}, time.Second, 5*time.Millisecond)

	events <- config.DomainDelete("d1")
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		return rec.Code == http.StatusNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestApplierClusterDeleteRemovesFromStore(t *testing.T) {
	a, _, cs := newTestApplier(t)
	events := make(chan config.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, events)

	events <- config.ClusterUpsert(&config.ClusterConfig{Name: "c1", Type: config.LBRoundRobin})
	require.Eventually(t, func() bool {
		_, ok := cs.Get("c1")
		return ok
	}, time.Second, 5*time.Millisecond)

	events <- config.ClusterDelete("c1")
	require.Eventually(t, func() bool {
		_, ok := cs.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestApplierParseErrorIsAdvisoryOnly(t *testing.T) {
	a, p, _ := newTestApplier(t)
	events := make(chan config.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events <- config.NewParseError("domain", "/hermes/domains/bad", "invalid json")
	close(events)
	a.Run(ctx, events)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func parseNode(t *testing.T, rawURL string) config.UpstreamNode {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.UpstreamNode{Host: host, Port: port, Weight: 1}
}
