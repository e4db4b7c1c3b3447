package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/clusterstore"
	"hermes/internal/pipeline"
	"hermes/internal/routing"
	"hermes/internal/telemetry/health"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"
)

func TestReadyzReturns503BeforeFirstTable(t *testing.T) {
	p := pipeline.New(clusterstore.New(), pipeline.NewMetrics(metrics.NewNoopProvider()), logging.New(nil))
	mux := NewAdminMux(p, health.NewEvaluator(0), nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzReturns200AfterTableInstalled(t *testing.T) {
	p := pipeline.New(clusterstore.New(), pipeline.NewMetrics(metrics.NewNoopProvider()), logging.New(nil))
	p.SwapTable(routing.NewTable())
	mux := NewAdminMux(p, health.NewEvaluator(0), nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzAlwaysOK(t *testing.T) {
	p := pipeline.New(clusterstore.New(), pipeline.NewMetrics(metrics.NewNoopProvider()), logging.New(nil))
	mux := NewAdminMux(p, health.NewEvaluator(0), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesDumpsInstalledRoutes(t *testing.T) {
	p := pipeline.New(clusterstore.New(), pipeline.NewMetrics(metrics.NewNoopProvider()), logging.New(nil))
	table := routing.NewTable()
	p.SwapTable(table)
	mux := NewAdminMux(p, health.NewEvaluator(0), nil)

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
