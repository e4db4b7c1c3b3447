package pipeline

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/route"
	"hermes/internal/routing"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"
	"hermes/internal/test/httpmock"
)

func upstreamNode(t *testing.T, rawURL string) config.UpstreamNode {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.UpstreamNode{Host: host, Port: port, Weight: 1}
}

func newTestPipeline(t *testing.T, clusterName string, nodes []config.UpstreamNode, compiled *route.Compiled) *Pipeline {
	t.Helper()
	cs := clusterstore.New()
	cs.Upsert(config.ClusterConfig{
		Name:  clusterName,
		Type:  config.LBRoundRobin,
		Nodes: nodes,
	})

	table := routing.NewTable()
	table.Insert([]string{"_"}, compiled.URI, compiled)

	m := NewMetrics(metrics.NewNoopProvider())
	log := logging.New(nil)
	p := New(cs, m, log)
	p.SwapTable(table)
	return p
}

func baseRoute(name, uri, clusterName string) *route.Compiled {
	return &route.Compiled{
		Name:              name,
		URI:               uri,
		ClusterSelector:   route.NewWeightedSelector([]config.WeightedCluster{{Cluster: clusterName, Weight: 1}}),
		EnableCompression: false,
	}
}

func TestServeHTTPProxiesToUpstream(t *testing.T) {
	upstream := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/hello", Status: http.StatusOK, Body: "hi"},
	})
	defer upstream.Close()

	node := upstreamNode(t, upstream.URL())
	compiled := baseRoute("r1", "/hello", "c1")
	p := newTestPipeline(t, "c1", []config.UpstreamNode{node}, compiled)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
	assert.Equal(t, "c1", rec.Header().Get("X-Hermes-Cluster"))
}

func TestServeHTTPNoRouteReturns404(t *testing.T) {
	p := newTestPipeline(t, "c1", nil, baseRoute("r1", "/hello", "c1"))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPNoUpstreamNodesReturns503(t *testing.T) {
	compiled := baseRoute("r1", "/hello", "c1")
	p := newTestPipeline(t, "c1", nil, compiled)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPRetriesOnRetryableStatus(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	upstream := httptest.NewServer(handler)
	defer upstream.Close()
	// A retry skips nodes already tried, so the cluster needs a second node.
	second := httptest.NewServer(handler)
	defer second.Close()

	compiled := baseRoute("r1", "/hello", "c1")
	cs := clusterstore.New()
	cs.Upsert(config.ClusterConfig{
		Name: "c1",
		Type: config.LBRoundRobin,
		Nodes: []config.UpstreamNode{upstreamNode(t, upstream.URL), upstreamNode(t, second.URL)},
		Retry: &config.RetryConfig{Count: 1, RetryOnStatuses: []int{http.StatusBadGateway}},
	})
	table := routing.NewTable()
	table.Insert([]string{"_"}, compiled.URI, compiled)
	m := NewMetrics(metrics.NewNoopProvider())
	p := New(cs, m, logging.New(nil))
	p.SwapTable(table)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestServeHTTPRejectsOversizedBody(t *testing.T) {
	compiled := baseRoute("r1", "/hello", "c1")
	compiled.MaxBodyBytes = 4
	p := newTestPipeline(t, "c1", []config.UpstreamNode{{Host: "127.0.0.1", Port: 1, Weight: 1}}, compiled)

	req := httptest.NewRequest(http.MethodPost, "/hello", strings.NewReader("way too big"))
	req.ContentLength = int64(len("way too big"))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
