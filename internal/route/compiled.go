// Package route holds the compiled, immutable representation of one route
// (spec §4.7, component G). A Compiled value is built once during route
// table construction and shared for the table's lifetime; the hot path
// never re-parses configuration.
package route

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"hermes/internal/config"
	"hermes/internal/filter"
)

// HeaderMatcher is a pre-compiled header filter.
type HeaderMatcher struct {
	Name   string // lowercased
	Kind   config.HeaderMatchKind
	Value  string
	Regex  *regexp.Regexp
	Invert bool
}

// Matches reports whether the matcher passes against the given header
// getter (a single value per name is sufficient for all four kinds).
func (m HeaderMatcher) Matches(get func(string) (string, bool)) bool {
	v, present := get(m.Name)
	var ok bool
	switch m.Kind {
	case config.HeaderPresent:
		ok = present
	case config.HeaderExact:
		ok = present && v == m.Value
	case config.HeaderPrefix:
		ok = present && strings.HasPrefix(v, m.Value)
	case config.HeaderRegex:
		ok = present && m.Regex != nil && m.Regex.MatchString(v)
	}
	if m.Invert {
		return !ok
	}
	return ok
}

// WeightedSelector picks a cluster name from a GCD-normalized prefix-sum
// array, in proportion to configured weight.
type WeightedSelector struct {
	names     []string
	prefixSum []int
	total     int
}

// NewWeightedSelector builds a selector from a route's weighted cluster
// list. Weights are normalized by their GCD so small totals keep the
// prefix array compact; normalization never changes the selection
// distribution.
func NewWeightedSelector(weighted []config.WeightedCluster) *WeightedSelector {
	if len(weighted) == 0 {
		return &WeightedSelector{}
	}
	g := 0
	for _, w := range weighted {
		if w.Weight > 0 {
			g = gcd(g, w.Weight)
		}
	}
	if g == 0 {
		g = 1
	}
	names := make([]string, 0, len(weighted))
	prefix := make([]int, 0, len(weighted))
	sum := 0
	for _, w := range weighted {
		if w.Weight <= 0 {
			continue
		}
		sum += w.Weight / g
		names = append(names, w.Cluster)
		prefix = append(prefix, sum)
	}
	return &WeightedSelector{names: names, prefixSum: prefix, total: sum}
}

// Select returns a cluster name chosen with probability proportional to
// its weight, or false if the selector has no positive-weight entries.
func (s *WeightedSelector) Select() (string, bool) {
	if s == nil || s.total == 0 {
		return "", false
	}
	target := rand.IntN(s.total)
	lo, hi := 0, len(s.prefixSum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if s.prefixSum[mid] > target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return s.names[lo], true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Compiled is one immutable, pre-compiled route.
type Compiled struct {
	Name     string
	URI      string
	Priority int

	Methods map[string]struct{} // empty => all methods allowed
	Headers []HeaderMatcher

	Filters []filter.Filter

	ClusterSelector       *WeightedSelector
	ClusterOverrideHeader string

	RequestHeaderOps  []config.HeaderOp
	ResponseHeaderOps []config.HeaderOp

	MaxBodyBytes      int64
	EnableCompression bool
}

// AllowsMethod reports whether method is permitted (empty Methods = all).
func (c *Compiled) AllowsMethod(method string) bool {
	if len(c.Methods) == 0 {
		return true
	}
	_, ok := c.Methods[strings.ToUpper(method)]
	return ok
}

// MatchesHeaders reports whether every compiled header matcher passes (AND).
func (c *Compiled) MatchesHeaders(get func(string) (string, bool)) bool {
	for _, m := range c.Headers {
		if !m.Matches(get) {
			return false
		}
	}
	return true
}
