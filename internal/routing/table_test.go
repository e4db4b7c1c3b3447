package routing

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/route"
)

func noHeaders(string) (string, bool) { return "", false }

func TestTableExactHostWins(t *testing.T) {
	table := NewTable()
	r := &route.Compiled{Name: "api"}
	table.Insert([]string{"api.example.com"}, "/v1/widgets", r)

	got, ok := table.Lookup("api.example.com:443", "/v1/widgets", http.MethodGet, noHeaders)
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestTableWildcardHostInConfigurationOrder(t *testing.T) {
	table := NewTable()
	tenant := &route.Compiled{Name: "tenant"}
	any := &route.Compiled{Name: "any"}
	table.Insert([]string{"*.tenants.example.com"}, "/v1/widgets", tenant)
	table.Insert([]string{"*.example.com"}, "/v1/widgets", any)

	got, ok := table.Lookup("acme.tenants.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	require.True(t, ok)
	assert.Same(t, tenant, got, "first configured wildcard pattern that matches wins")
}

func TestTableFallsBackToDefaultHost(t *testing.T) {
	table := NewTable()
	r := &route.Compiled{Name: "catch-all"}
	table.Insert([]string{"_"}, "/v1/widgets", r)

	got, ok := table.Lookup("unknown.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestTableMethodFilterExcludesRoute(t *testing.T) {
	table := NewTable()
	r := &route.Compiled{Name: "post-only", Methods: map[string]struct{}{"POST": {}}}
	table.Insert([]string{"api.example.com"}, "/v1/widgets", r)

	_, ok := table.Lookup("api.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	assert.False(t, ok)

	got, ok := table.Lookup("api.example.com", "/v1/widgets", http.MethodPost, noHeaders)
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestTablePriorityTieBreakFirstEncountered(t *testing.T) {
	table := NewTable()
	first := &route.Compiled{Name: "first", Priority: 5}
	second := &route.Compiled{Name: "second", Priority: 5}
	table.Insert([]string{"api.example.com"}, "/v1/widgets", first)
	table.Insert([]string{"api.example.com"}, "/v1/widgets", second)

	got, ok := table.Lookup("api.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestTableHigherPriorityWins(t *testing.T) {
	table := NewTable()
	low := &route.Compiled{Name: "low", Priority: 1}
	high := &route.Compiled{Name: "high", Priority: 10}
	table.Insert([]string{"api.example.com"}, "/v1/widgets", low)
	table.Insert([]string{"api.example.com"}, "/v1/widgets", high)

	got, ok := table.Lookup("api.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	require.True(t, ok)
	assert.Same(t, high, got)
}

func TestTableNoMatchAnywhere(t *testing.T) {
	table := NewTable()
	_, ok := table.Lookup("api.example.com", "/v1/widgets", http.MethodGet, noHeaders)
	assert.False(t, ok)
}
