package routing

import (
	"net"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"hermes/internal/config"
	"hermes/internal/route"
)

// wildcardHost is one compiled wildcard-host pattern ("*.example.com" or
// "example.*"), tried in the order it was configured (spec §4.6).
type wildcardHost struct {
	pattern string
	glob    glob.Glob
	tree    *Tree
}

// Table is the host-partitioned route table (component F): an
// exact-host map, an ordered list of wildcard-host trees, and one
// default tree for host "_". A Table is built once and then read
// immutably; reconfiguration builds a new Table and swaps it in (the
// applier, component K, owns the copy-on-write swap).
type Table struct {
	exact     map[string]*Tree
	wildcards []wildcardHost
	def       *Tree
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{exact: make(map[string]*Tree), def: NewTree()}
}

// treeForHost returns the tree a route for the given host pattern should
// be inserted into, compiling and registering a wildcard glob the first
// time that pattern is seen.
func (t *Table) treeForHost(host string) *Tree {
	host = strings.ToLower(host)
	switch {
	case host == "_" || host == "":
		return t.def
	case strings.ContainsAny(host, "*"):
		for i := range t.wildcards {
			if t.wildcards[i].pattern == host {
				return t.wildcards[i].tree
			}
		}
		g, err := glob.Compile(host)
		if err != nil {
			// Malformed wildcard host patterns are not rejected earlier;
			// their routes fall back to the default tree so a bad pattern
			// never panics the build.
			return t.def
		}
		tree := NewTree()
		t.wildcards = append(t.wildcards, wildcardHost{pattern: host, glob: g, tree: tree})
		return tree
	default:
		tree, ok := t.exact[host]
		if !ok {
			tree = NewTree()
			t.exact[host] = tree
		}
		return tree
	}
}

// Insert adds a compiled route under each of its domain's hosts.
func (t *Table) Insert(hosts []string, pattern string, r *route.Compiled) {
	segs, wildcard := Segments(pattern)
	for _, h := range hosts {
		t.treeForHost(h).Insert(segs, wildcard, r)
	}
}

// HeaderGetter resolves a single header value by (lowercased) name.
type HeaderGetter func(name string) (string, bool)

// Lookup resolves one request to a compiled route, applying host
// partitioning (exact, then wildcard in configuration order, then
// default) and returning the first partition's route that passes the
// method and header filters, highest priority first (spec §4.6). A
// partition whose path matches all fail the filters falls through to the
// next one.
func (t *Table) Lookup(host, path, method string, headers HeaderGetter) (*route.Compiled, bool) {
	host = normalizeHost(host)
	segs, _ := Segments(path)

	if tree, ok := t.exact[host]; ok {
		if r, ok := resolve(tree, segs, method, headers); ok {
			return r, true
		}
	}
	for _, w := range t.wildcards {
		if !w.glob.Match(host) {
			continue
		}
		if r, ok := resolve(w.tree, segs, method, headers); ok {
			return r, true
		}
	}
	return resolve(t.def, segs, method, headers)
}

func resolve(tree *Tree, segs []string, method string, headers HeaderGetter) (*route.Compiled, bool) {
	m := tree.Match(segs)
	if r, ok := pickBest(m.Exact, method, headers); ok {
		return r, true
	}
	for _, fallback := range m.WildcardFallbacks {
		if r, ok := pickBest(fallback, method, headers); ok {
			return r, true
		}
	}
	return nil, false
}

// pickBest applies method/header filters to candidates and returns the
// highest-priority passing route; on a priority tie the first-encountered
// candidate wins (spec §4.6).
func pickBest(candidates []*route.Compiled, method string, headers HeaderGetter) (*route.Compiled, bool) {
	var best *route.Compiled
	for _, c := range candidates {
		if !c.AllowsMethod(method) {
			continue
		}
		if !c.MatchesHeaders(func(name string) (string, bool) { return headers(name) }) {
			continue
		}
		if best == nil || c.Priority > best.Priority {
			best = c
		}
	}
	return best, best != nil
}

// normalizeHost strips an optional port and lowercases the host.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// RouteSummary is one route's operator-facing admin dump entry.
type RouteSummary struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Priority int    `json:"priority"`
	Host     string `json:"host"`
}

// Routes dumps every installed route across every host partition, for
// the read-only /routes admin endpoint (spec §5).
func (t *Table) Routes() []RouteSummary {
	var out []RouteSummary
	collect := func(host string, tree *Tree) {
		for _, r := range tree.Routes() {
			out = append(out, RouteSummary{Name: r.Name, URI: r.URI, Priority: r.Priority, Host: host})
		}
	}
	for host, tree := range t.exact {
		collect(host, tree)
	}
	for _, w := range t.wildcards {
		collect(w.pattern, w.tree)
	}
	collect("_", t.def)
	return out
}

// BuildTable constructs a fresh Table from the full set of live domains
// (spec §3 "Route table: ... Rebuilt from scratch whenever the domain
// set changes"). Routes with status == 0 are excluded (spec §4.7
// "disabled routes"). Domains are inserted in name order, the order the
// KV store lists them, so wildcard-host partitions keep a stable order
// across rebuilds.
func BuildTable(domains map[string]*config.DomainConfig, compile func(config.RouteConfig) (*route.Compiled, error)) *Table {
	table := NewTable()
	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := domains[name]
		for _, rc := range d.Routes {
			if rc.Status == 0 {
				continue
			}
			compiled, err := compile(rc)
			if err != nil || compiled == nil {
				continue
			}
			table.Insert(d.Hosts, rc.URI, compiled)
		}
	}
	return table
}
