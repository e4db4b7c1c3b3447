package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"hermes/internal/applier"
	"hermes/internal/cluster"
	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/config/consul"
	"hermes/internal/config/etcd"
	"hermes/internal/config/infra"
	"hermes/internal/health"
	"hermes/internal/pipeline"
	"hermes/internal/ratelimit"
	"hermes/internal/registry"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"

	telemhealth "hermes/internal/telemetry/health"
)

// Gateway holds every long-lived component wired together for one
// running process: the etcd-backed config feed, the applier that turns
// it into a live route table, the optional discovery pollers and active
// health checker, the instance registry, and the two HTTP servers
// (data-plane listener and admin surface).
type Gateway struct {
	Infra *infra.Config
	Log   logging.Logger

	Listener *http.Server
	Admin    *http.Server

	etcdClient *etcd.Client
	instances  *registry.InstanceRegistry

	clusters *clusterstore.Store
	limiter  *ratelimit.Limiter
	applier  *applier.Applier
	checker  *health.Checker
}

// Bootstrap wires a Gateway from an already-loaded infra config. It
// connects to etcd and constructs the data and admin HTTP servers, but
// does not start any background loop or accept connections; call Run
// and then Serve/ListenAndServe on the two *http.Server fields.
func Bootstrap(ctx context.Context, cfg *infra.Config, log logging.Logger) (*Gateway, error) {
	etcdClient, err := etcd.Connect(ctx, cfg.EtcdEndpoints, cfg.EtcdUsername, cfg.EtcdPassword)
	if err != nil {
		return nil, err
	}

	promProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{Registry: prom.NewRegistry()})

	clusters := clusterstore.New()
	peers := ratelimit.NewPeerCount()
	limiter := ratelimit.NewLimiter(peers, nil)
	pipelineMetrics := pipeline.NewMetrics(promProvider)
	pl := pipeline.New(clusters, pipelineMetrics, log)
	appl := applier.New(pl, clusters, limiter, promProvider, log)
	checker := health.New(clusters, log)

	var instances *registry.InstanceRegistry
	if cfg.InstanceRegistry {
		instances = registry.New(etcdClient, cfg.InstancePrefix, cfg.InstanceLeaseTTL, peers, log)
	}

	evaluator := telemhealth.NewEvaluator(5 * time.Second)
	adminMux := NewAdminMux(pl, evaluator, promProvider)

	gw := &Gateway{
		Infra:      cfg,
		Log:        log,
		etcdClient: etcdClient,
		instances:  instances,
		clusters:   clusters,
		limiter:    limiter,
		applier:    appl,
		checker:    checker,
		Listener:   &http.Server{Addr: cfg.ListenAddr, Handler: pl},
		Admin:      &http.Server{Addr: cfg.AdminAddr, Handler: adminMux},
	}
	return gw, nil
}

// Run starts every background loop (config feed, applier, discovery
// pollers, active health checks, instance registry heartbeats) and
// blocks until ctx is canceled. It does not start the HTTP servers;
// the caller starts those separately so it controls shutdown ordering.
func (gw *Gateway) Run(ctx context.Context) error {
	if gw.instances != nil {
		if err := gw.instances.Register(ctx); err != nil {
			gw.Log.ErrorCtx(ctx, "instance registry: initial registration failed", "error", err)
		} else {
			go gw.instances.RunKeepalive(ctx)
			go func() {
				for {
					gw.instances.RunWatchPeers(ctx)
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
					}
				}
			}()
			defer gw.instances.Shutdown(context.Background())
		}
	}

	events := make(chan config.Event, 64)
	source := etcd.NewSource(gw.etcdClient, etcd.Prefixes{
		DomainPrefix:    gw.Infra.DomainPrefix,
		ClusterPrefix:   gw.Infra.ClusterPrefix,
		MetaRevisionKey: gw.Infra.MetaRevisionKey,
	}, gw.Log)
	go etcd.Run(ctx, source, events)
	go gw.applier.Run(ctx, events)

	go gw.runClusterLoops(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// runClusterLoops watches the cluster store for clusters that declare
// discovery or active health checking and starts exactly one poller and
// one checker goroutine per cluster name, picking up clusters added
// after startup on a short poll interval.
func (gw *Gateway) runClusterLoops(ctx context.Context) {
	var mu sync.Mutex
	started := make(map[string]bool)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	scan := func() {
		gw.clusters.ForEach(func(c *cluster.Cluster) {
			mu.Lock()
			alreadyStarted := started[c.Name]
			if !alreadyStarted {
				started[c.Name] = true
			}
			mu.Unlock()
			if alreadyStarted {
				return
			}

			cfg := c.Config()
			if cfg.DiscoveryType == config.DiscoveryConsul && cfg.Consul != nil {
				addr := gw.Infra.ConsulAddr
				poller := consul.New(addr, c.Name, *cfg.Consul, gw.clusters, gw.Log)
				go poller.Run(ctx)
			}
			if cfg.HealthCheck != nil && cfg.HealthCheck.Active.Enabled {
				go gw.checker.RunCluster(ctx, c.Name)
			}
		})
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
