// Package applier implements component K: the loop that turns a stream
// of config.Event values into route-table and cluster-store updates.
package applier

import (
	"context"
	"sync"

	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/pipeline"
	"hermes/internal/ratelimit"
	"hermes/internal/route"
	"hermes/internal/routing"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"
)

// Applier owns the live domain set and rebuilds the route table
// copy-on-write on every domain change (spec §7 "apply loop"). Cluster
// events apply directly to the cluster store; they don't require a
// table rebuild.
type Applier struct {
	pipeline *pipeline.Pipeline
	clusters *clusterstore.Store
	limiter  *ratelimit.Limiter
	log      logging.Logger

	parseErrors metrics.Counter

	mu      sync.Mutex
	domains map[string]*config.DomainConfig
}

// New constructs an Applier. limiter is shared with the compiled
// routes' rate-limit filters (it must be the same instance the pipeline
// ultimately dispatches requests through).
func New(p *pipeline.Pipeline, clusters *clusterstore.Store, limiter *ratelimit.Limiter, mp metrics.Provider, log logging.Logger) *Applier {
	return &Applier{
		pipeline: p,
		clusters: clusters,
		limiter:  limiter,
		log:      log,
		domains:  make(map[string]*config.DomainConfig),
		parseErrors: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "config_parse_errors_total", Help: "Advisory parse errors observed on the config watch stream",
			Labels: []string{"kind"},
		}}),
	}
}

// Run consumes events until ctx is done or the channel closes.
func (a *Applier) Run(ctx context.Context, events <-chan config.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.apply(ev)
		}
	}
}

func (a *Applier) apply(ev config.Event) {
	switch ev.Kind {
	case config.EventDomainUpsert:
		a.mu.Lock()
		a.domains[ev.Domain.Name] = ev.Domain
		a.rebuildTableLocked()
		a.mu.Unlock()
		a.log.InfoCtx(context.Background(), "domain applied", "domain", ev.Domain.Name, "routes", len(ev.Domain.Routes))

	case config.EventDomainDelete:
		a.mu.Lock()
		delete(a.domains, ev.DomainName)
		a.rebuildTableLocked()
		a.mu.Unlock()
		a.log.InfoCtx(context.Background(), "domain removed", "domain", ev.DomainName)

	case config.EventClusterUpsert:
		a.clusters.Upsert(*ev.Cluster)
		a.log.InfoCtx(context.Background(), "cluster applied", "cluster", ev.Cluster.Name, "nodes", len(ev.Cluster.Nodes))

	case config.EventClusterDelete:
		a.clusters.Remove(ev.ClusterName)
		a.log.InfoCtx(context.Background(), "cluster removed", "cluster", ev.ClusterName)

	case config.EventMetaRevision:
		a.log.InfoCtx(context.Background(), "config revision observed", "revision", ev.Revision)

	case config.EventParseError:
		a.parseErrors.Inc(1, ev.ParseError.Kind)
		a.log.WarnCtx(context.Background(), "config parse error, keeping previous value",
			"kind", ev.ParseError.Kind, "key", ev.ParseError.Key, "message", ev.ParseError.Message)
	}
}

// rebuildTableLocked constructs a fresh table from the entire live
// domain set and swaps it into the pipeline. Must be called with a.mu
// held; building and compiling doesn't touch a.domains again, so the
// lock could in principle be released first, but keeping it held avoids
// two domain events racing to install tables out of order.
func (a *Applier) rebuildTableLocked() {
	table := routing.BuildTable(a.domains, func(rc config.RouteConfig) (*route.Compiled, error) {
		return route.Compile(rc, a.limiter)
	})
	a.pipeline.SwapTable(table)
}
