package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/route"
)

func insertPattern(t *testing.T, tree *Tree, pattern, name string) *route.Compiled {
	t.Helper()
	segs, wildcard := Segments(pattern)
	r := &route.Compiled{Name: name}
	tree.Insert(segs, wildcard, r)
	return r
}

func TestExactMatchWins(t *testing.T) {
	tree := NewTree()
	r := insertPattern(t, tree, "/v1/users/list", "users-list")

	segs, _ := Segments("/v1/users/list")
	m := tree.Match(segs)
	require.Len(t, m.Exact, 1)
	assert.Same(t, r, m.Exact[0])
}

func TestPrefixWildcardFallsBackWhenNoExact(t *testing.T) {
	tree := NewTree()
	wc := insertPattern(t, tree, "/v1/users/*", "users-wildcard")

	segs, _ := Segments("/v1/users/42/profile")
	m := tree.Match(segs)
	assert.Empty(t, m.Exact)
	require.Len(t, m.WildcardFallbacks, 1)
	assert.Same(t, wc, m.WildcardFallbacks[0][0])
}

func TestDeepestWildcardTriedFirst(t *testing.T) {
	tree := NewTree()
	shallow := insertPattern(t, tree, "/v1/*", "v1-wildcard")
	deep := insertPattern(t, tree, "/v1/users/*", "users-wildcard")

	segs, _ := Segments("/v1/users/42")
	m := tree.Match(segs)
	require.Len(t, m.WildcardFallbacks, 2)
	assert.Same(t, deep, m.WildcardFallbacks[0][0], "deepest wildcard must be tried first")
	assert.Same(t, shallow, m.WildcardFallbacks[1][0])
}

func TestCatchAllAtRoot(t *testing.T) {
	tree := NewTree()
	catchAll := insertPattern(t, tree, "/*", "catch-all")

	segs, _ := Segments("/anything/at/all")
	m := tree.Match(segs)
	require.Len(t, m.WildcardFallbacks, 1)
	assert.Same(t, catchAll, m.WildcardFallbacks[0][0])
}

func TestNoMatchReturnsNone(t *testing.T) {
	tree := NewTree()
	insertPattern(t, tree, "/v1/users/list", "users-list")

	segs, _ := Segments("/v2/orders")
	m := tree.Match(segs)
	assert.True(t, m.None())
}

func TestSplitOnPartialPrefixDivergence(t *testing.T) {
	tree := NewTree()
	teams := insertPattern(t, tree, "/v1/teams/list", "teams-list")
	users := insertPattern(t, tree, "/v1/users/list", "users-list")

	mTeams := tree.Match(mustSegs(t, "/v1/teams/list"))
	require.Len(t, mTeams.Exact, 1)
	assert.Same(t, teams, mTeams.Exact[0])

	mUsers := tree.Match(mustSegs(t, "/v1/users/list"))
	require.Len(t, mUsers.Exact, 1)
	assert.Same(t, users, mUsers.Exact[0])
}

func TestSegmentsStripsQueryString(t *testing.T) {
	segs, wildcard := Segments("/v1/users/list?active=true")
	assert.Equal(t, []string{"v1", "users", "list"}, segs)
	assert.False(t, wildcard)
}

func TestSegmentsCatchAll(t *testing.T) {
	segs, wildcard := Segments("/*")
	assert.Empty(t, segs)
	assert.True(t, wildcard)
}

func mustSegs(t *testing.T, pattern string) []string {
	t.Helper()
	segs, _ := Segments(pattern)
	return segs
}
